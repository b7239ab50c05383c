/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/samber/lo"

	v1 "github.com/gpu-dev/reservoir/pkg/apis/v1"
	reserrors "github.com/gpu-dev/reservoir/pkg/errors"
)

const reservationColumns = `id, user_name, gpu_type, gpu_count, duration_hours, status,
	created_at, updated_at, launched_at, expires_at, ended_at,
	disk_name, no_persistent_disk, disk_confirmed, image, env,
	sandbox_name, sandbox_namespace, node_names, volume_id, ssh_host, ssh_port, interactive, interactive_port,
	queue_position, eta_minutes, failure_reason, warnings_sent, extension_count, collaborators, events`

func scanReservation(row pgx.Row) (*v1.Reservation, error) {
	r := &v1.Reservation{}
	if err := row.Scan(
		&r.ID, &r.User, &r.GPUType, &r.GPUCount, &r.DurationHours, &r.Status,
		&r.CreatedAt, &r.UpdatedAt, &r.LaunchedAt, &r.ExpiresAt, &r.EndedAt,
		&r.DiskName, &r.NoPersistentDisk, &r.DiskConfirmed, &r.Image, &r.Env,
		&r.SandboxName, &r.SandboxNamespace, &r.NodeNames, &r.VolumeID, &r.SSHHost, &r.SSHPort, &r.Interactive, &r.InteractivePort,
		&r.QueuePosition, &r.ETAMinutes, &r.FailureReason, &r.WarningsSent, &r.ExtensionCount, &r.Collaborators, &r.Events,
	); err != nil {
		return nil, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	r.LaunchedAt = utcPtr(r.LaunchedAt)
	r.ExpiresAt = utcPtr(r.ExpiresAt)
	r.EndedAt = utcPtr(r.EndedAt)
	return r, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return lo.ToPtr(t.UTC())
}

// nonNil substitutes an empty slice for nil so array columns declared NOT
// NULL never receive SQL NULL.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func (q queries) InsertReservation(ctx context.Context, reservation *v1.Reservation) error {
	_, err := q.q.Exec(ctx, `
		INSERT INTO reservations (`+reservationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31)`,
		reservationArgs(reservation)...)
	if reserrors.IsUniqueViolation(err) {
		return fmt.Errorf("inserting reservation %s, %w", reservation.ID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("inserting reservation %s, %w", reservation.ID, err)
	}
	return nil
}

// SaveReservation writes every mutable column guarded by a compare-and-set on
// status. The caller passes the status it read; a zero-row update means a
// concurrent writer advanced the reservation first.
func (q queries) SaveReservation(ctx context.Context, reservation *v1.Reservation, expect v1.ReservationStatus) error {
	tag, err := q.q.Exec(ctx, `
		UPDATE reservations SET
			status = $2, duration_hours = $3, updated_at = $4, launched_at = $5, expires_at = $6, ended_at = $7,
			env = $8, sandbox_name = $9, sandbox_namespace = $10, node_names = $11, volume_id = $12,
			ssh_host = $13, ssh_port = $14, interactive = $15, interactive_port = $16, queue_position = $17,
			eta_minutes = $18, failure_reason = $19, warnings_sent = $20, extension_count = $21,
			collaborators = $22, events = $23, image = $24, disk_confirmed = $25
		WHERE id = $1 AND status = $26`,
		reservation.ID, string(reservation.Status), reservation.DurationHours, reservation.UpdatedAt.UTC(),
		utcPtr(reservation.LaunchedAt), utcPtr(reservation.ExpiresAt), utcPtr(reservation.EndedAt),
		reservation.Env, reservation.SandboxName, reservation.SandboxNamespace, nonNil(reservation.NodeNames),
		reservation.VolumeID, reservation.SSHHost, reservation.SSHPort, reservation.Interactive, reservation.InteractivePort,
		reservation.QueuePosition, reservation.ETAMinutes, reservation.FailureReason, nonNil(reservation.WarningsSent),
		reservation.ExtensionCount, nonNil(reservation.Collaborators), reservation.Events, reservation.Image,
		reservation.DiskConfirmed, string(expect))
	if err != nil {
		return fmt.Errorf("saving reservation %s, %w", reservation.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := q.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM reservations WHERE id = $1)`, reservation.ID).Scan(&exists); err != nil {
			return fmt.Errorf("checking reservation %s, %w", reservation.ID, err)
		}
		if !exists {
			return fmt.Errorf("saving reservation %s, %w", reservation.ID, ErrNotFound)
		}
		return fmt.Errorf("saving reservation %s expecting status %s, %w", reservation.ID, expect, ErrStatusConflict)
	}
	return nil
}

func (q queries) GetReservation(ctx context.Context, id string) (*v1.Reservation, error) {
	reservation, err := scanReservation(q.q.QueryRow(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = $1`+q.lockSuffix(), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("getting reservation %s, %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting reservation %s, %w", id, err)
	}
	return reservation, nil
}

// ListReservations returns matching reservations ordered by creation time so
// queue accounting ranks waiters deterministically.
func (q queries) ListReservations(ctx context.Context, filter ReservationFilter) ([]*v1.Reservation, error) {
	where, args := filter.where()
	rows, err := q.q.Query(ctx, `SELECT `+reservationColumns+` FROM reservations`+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing reservations, %w", err)
	}
	defer rows.Close()
	var reservations []*v1.Reservation
	for rows.Next() {
		reservation, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning reservation, %w", err)
		}
		reservations = append(reservations, reservation)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing reservations, %w", err)
	}
	return reservations, nil
}

func (f ReservationFilter) where() (string, []any) {
	var clauses []string
	var args []any
	if len(f.Statuses) > 0 {
		args = append(args, lo.Map(f.Statuses, func(s v1.ReservationStatus, _ int) string { return string(s) }))
		clauses = append(clauses, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if f.GPUType != "" {
		args = append(args, f.GPUType)
		clauses = append(clauses, fmt.Sprintf("gpu_type = $%d", len(args)))
	}
	if f.User != "" {
		args = append(args, f.User)
		clauses = append(clauses, fmt.Sprintf("user_name = $%d", len(args)))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (q queries) lockSuffix() string {
	if q.locking {
		return " FOR UPDATE"
	}
	return ""
}

func reservationArgs(r *v1.Reservation) []any {
	return []any{
		r.ID, r.User, r.GPUType, r.GPUCount, r.DurationHours, string(r.Status),
		r.CreatedAt.UTC(), r.UpdatedAt.UTC(), utcPtr(r.LaunchedAt), utcPtr(r.ExpiresAt), utcPtr(r.EndedAt),
		r.DiskName, r.NoPersistentDisk, r.DiskConfirmed, r.Image, r.Env,
		r.SandboxName, r.SandboxNamespace, nonNil(r.NodeNames), r.VolumeID, r.SSHHost, r.SSHPort, r.Interactive, r.InteractivePort,
		r.QueuePosition, r.ETAMinutes, r.FailureReason, nonNil(r.WarningsSent), r.ExtensionCount, nonNil(r.Collaborators), r.Events,
	}
}
