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

	"github.com/jackc/pgx/v5"
	"github.com/samber/lo"

	v1 "github.com/gpu-dev/reservoir/pkg/apis/v1"
	reserrors "github.com/gpu-dev/reservoir/pkg/errors"
)

const diskColumns = `id, user_name, name, volume_id, az, size_gb, status, in_use_by,
	last_snapshot_id, snapshot_count, pending_snapshot_count, created_at, soft_deleted_at, last_reconciled_at`

func scanDisk(row pgx.Row) (*v1.Disk, error) {
	d := &v1.Disk{}
	if err := row.Scan(
		&d.ID, &d.User, &d.Name, &d.VolumeID, &d.AZ, &d.SizeGB, &d.Status, &d.InUseBy,
		&d.LastSnapshotID, &d.SnapshotCount, &d.PendingSnapshotCount, &d.CreatedAt, &d.SoftDeletedAt, &d.LastReconciledAt,
	); err != nil {
		return nil, err
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.SoftDeletedAt = utcPtr(d.SoftDeletedAt)
	d.LastReconciledAt = utcPtr(d.LastReconciledAt)
	return d, nil
}

func (q queries) InsertDisk(ctx context.Context, disk *v1.Disk) error {
	_, err := q.q.Exec(ctx, `
		INSERT INTO disks (`+diskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		disk.ID, disk.User, disk.Name, disk.VolumeID, disk.AZ, disk.SizeGB, string(disk.Status), disk.InUseBy,
		disk.LastSnapshotID, disk.SnapshotCount, disk.PendingSnapshotCount, disk.CreatedAt.UTC(),
		utcPtr(disk.SoftDeletedAt), utcPtr(disk.LastReconciledAt))
	if reserrors.IsUniqueViolation(err) {
		return fmt.Errorf("inserting disk %s/%s, %w", disk.User, disk.Name, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("inserting disk %s/%s, %w", disk.User, disk.Name, err)
	}
	return nil
}

// SaveDisk overwrites every mutable column. The reconciler uses it to make
// the row match the cloud, which is the source of truth for volumes.
func (q queries) SaveDisk(ctx context.Context, disk *v1.Disk) error {
	tag, err := q.q.Exec(ctx, `
		UPDATE disks SET
			volume_id = $2, az = $3, size_gb = $4, status = $5, in_use_by = $6,
			last_snapshot_id = $7, snapshot_count = $8, pending_snapshot_count = $9,
			soft_deleted_at = $10, last_reconciled_at = $11
		WHERE id = $1`,
		disk.ID, disk.VolumeID, disk.AZ, disk.SizeGB, string(disk.Status), disk.InUseBy,
		disk.LastSnapshotID, disk.SnapshotCount, disk.PendingSnapshotCount,
		utcPtr(disk.SoftDeletedAt), utcPtr(disk.LastReconciledAt))
	if err != nil {
		return fmt.Errorf("saving disk %s, %w", disk.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("saving disk %s, %w", disk.ID, ErrNotFound)
	}
	return nil
}

// ClaimDisk marks the disk in use by a reservation iff no other reservation
// holds it. Re-claiming with the same reservation id is a no-op so message
// redelivery converges.
func (q queries) ClaimDisk(ctx context.Context, diskID, reservationID string) error {
	tag, err := q.q.Exec(ctx, `
		UPDATE disks SET status = $3, in_use_by = $2
		WHERE id = $1 AND (in_use_by = '' OR in_use_by = $2) AND status IN ($4, $3)`,
		diskID, reservationID, string(v1.DiskStatusInUse), string(v1.DiskStatusAvailable))
	if err != nil {
		return fmt.Errorf("claiming disk %s, %w", diskID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := q.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM disks WHERE id = $1)`, diskID).Scan(&exists); err != nil {
			return fmt.Errorf("checking disk %s, %w", diskID, err)
		}
		if !exists {
			return fmt.Errorf("claiming disk %s, %w", diskID, ErrNotFound)
		}
		return fmt.Errorf("claiming disk %s for %s, %w", diskID, reservationID, ErrDiskInUse)
	}
	return nil
}

// ReleaseDisk clears the in-use mark iff held by the given reservation.
// Releasing a disk held by someone else (or nobody) is a no-op.
func (q queries) ReleaseDisk(ctx context.Context, diskID, reservationID string) error {
	if _, err := q.q.Exec(ctx, `
		UPDATE disks SET status = $3, in_use_by = ''
		WHERE id = $1 AND in_use_by = $2`,
		diskID, reservationID, string(v1.DiskStatusAvailable)); err != nil {
		return fmt.Errorf("releasing disk %s, %w", diskID, err)
	}
	return nil
}

func (q queries) GetDisk(ctx context.Context, id string) (*v1.Disk, error) {
	disk, err := scanDisk(q.q.QueryRow(ctx, `SELECT `+diskColumns+` FROM disks WHERE id = $1`+q.lockSuffix(), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("getting disk %s, %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting disk %s, %w", id, err)
	}
	return disk, nil
}

// GetDiskByName resolves a user's disk by its per-user unique name,
// ignoring soft-deleted rows.
func (q queries) GetDiskByName(ctx context.Context, user, name string) (*v1.Disk, error) {
	disk, err := scanDisk(q.q.QueryRow(ctx, `
		SELECT `+diskColumns+` FROM disks
		WHERE user_name = $1 AND name = $2 AND status <> $3`+q.lockSuffix(),
		user, name, string(v1.DiskStatusSoftDeleted)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("getting disk %s/%s, %w", user, name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting disk %s/%s, %w", user, name, err)
	}
	return disk, nil
}

func (q queries) ListDisks(ctx context.Context, filter DiskFilter) ([]*v1.Disk, error) {
	where, args := filter.where()
	rows, err := q.q.Query(ctx, `SELECT `+diskColumns+` FROM disks`+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing disks, %w", err)
	}
	defer rows.Close()
	var disks []*v1.Disk
	for rows.Next() {
		disk, err := scanDisk(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning disk, %w", err)
		}
		disks = append(disks, disk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing disks, %w", err)
	}
	return disks, nil
}

func (q queries) DeleteDisk(ctx context.Context, id string) error {
	if _, err := q.q.Exec(ctx, `DELETE FROM disks WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting disk %s, %w", id, err)
	}
	return nil
}

func (f DiskFilter) where() (string, []any) {
	var clauses []string
	var args []any
	if f.User != "" {
		args = append(args, f.User)
		clauses = append(clauses, fmt.Sprintf("user_name = $%d", len(args)))
	}
	if f.VolumeID != "" {
		args = append(args, f.VolumeID)
		clauses = append(clauses, fmt.Sprintf("volume_id = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		args = append(args, lo.Map(f.Statuses, func(s v1.DiskStatus, _ int) string { return string(s) }))
		clauses = append(clauses, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
