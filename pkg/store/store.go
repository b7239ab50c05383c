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
	"time"

	v1 "github.com/gpu-dev/reservoir/pkg/apis/v1"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStatusConflict is returned when a guarded write loses the
	// compare-and-set on status to a concurrent writer.
	ErrStatusConflict = errors.New("status changed by concurrent writer")
	// ErrDiskInUse is returned when claiming a disk another reservation holds.
	ErrDiskInUse = errors.New("disk in use")
	// ErrAlreadyExists is returned on insert when the row exists.
	ErrAlreadyExists = errors.New("already exists")
)

// ReservationFilter narrows reservation listings. Zero fields match
// everything.
type ReservationFilter struct {
	Statuses []v1.ReservationStatus
	GPUType  string
	User     string
}

// DiskFilter narrows disk listings. Zero fields match everything.
type DiskFilter struct {
	User     string
	VolumeID string
	Statuses []v1.DiskStatus
}

// Store is the persistence seam of the control plane: the relational tables
// of the data model plus the embedded transactional message queue. All state
// transitions serialize through it.
type Store interface {
	// Enqueue inserts a message outside any transaction. Handlers that must
	// pair an enqueue with row writes use Tx.Enqueue instead.
	Enqueue(ctx context.Context, msg *v1.Message) error
	// Dequeue long-polls up to wait for at most batch messages, making each
	// invisible for the visibility duration. Unacked messages reappear after
	// the timeout, so consumers are idempotent on every kind.
	Dequeue(ctx context.Context, batch int, visibility, wait time.Duration) ([]*v1.Message, error)
	// Ack deletes a delivered message.
	Ack(ctx context.Context, msgID string) error
	// Nack makes a delivered message visible again after delay, immediately
	// when delay is zero.
	Nack(ctx context.Context, msgID string, delay time.Duration) error
	// QueueDepth counts currently visible messages.
	QueueDepth(ctx context.Context) (int64, error)

	// WithTx runs fn against a serializable snapshot with automatic rollback
	// on error, retrying serialization failures a bounded number of times.
	// Nested transactions are forbidden; helpers receive the Tx explicitly.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetReservation(ctx context.Context, id string) (*v1.Reservation, error)
	ListReservations(ctx context.Context, filter ReservationFilter) ([]*v1.Reservation, error)
	GetDisk(ctx context.Context, id string) (*v1.Disk, error)
	GetDiskByName(ctx context.Context, user, name string) (*v1.Disk, error)
	ListDisks(ctx context.Context, filter DiskFilter) ([]*v1.Disk, error)
	GetGPUType(ctx context.Context, name string) (*v1.GPUType, error)
	ListGPUTypes(ctx context.Context) ([]*v1.GPUType, error)
	GetUser(ctx context.Context, username string) (*v1.User, error)
}

// Tx is the transactional surface handed to WithTx functions. Reads inside a
// Tx lock the rows they return.
type Tx interface {
	// Enqueue inserts a message atomically with the surrounding writes, so a
	// message never exists without its subject row.
	Enqueue(ctx context.Context, msg *v1.Message) error

	InsertReservation(ctx context.Context, reservation *v1.Reservation) error
	// SaveReservation writes every mutable column guarded by a
	// compare-and-set: the row's current status must equal expect or the
	// write fails with ErrStatusConflict. Status advancement is
	// reservation.Status != expect.
	SaveReservation(ctx context.Context, reservation *v1.Reservation, expect v1.ReservationStatus) error
	GetReservation(ctx context.Context, id string) (*v1.Reservation, error)
	ListReservations(ctx context.Context, filter ReservationFilter) ([]*v1.Reservation, error)

	InsertDisk(ctx context.Context, disk *v1.Disk) error
	SaveDisk(ctx context.Context, disk *v1.Disk) error
	// ClaimDisk marks the disk in use by a reservation iff it is currently
	// unclaimed, enforcing the at-most-one-holder invariant in one statement.
	ClaimDisk(ctx context.Context, diskID, reservationID string) error
	// ReleaseDisk clears the in-use mark iff held by the given reservation.
	ReleaseDisk(ctx context.Context, diskID, reservationID string) error
	GetDisk(ctx context.Context, id string) (*v1.Disk, error)
	GetDiskByName(ctx context.Context, user, name string) (*v1.Disk, error)
	ListDisks(ctx context.Context, filter DiskFilter) ([]*v1.Disk, error)
	DeleteDisk(ctx context.Context, id string) error

	UpsertGPUType(ctx context.Context, gpuType *v1.GPUType) error
	GetGPUType(ctx context.Context, name string) (*v1.GPUType, error)
	ListGPUTypes(ctx context.Context) ([]*v1.GPUType, error)

	GetUser(ctx context.Context, username string) (*v1.User, error)
}
