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

package fake

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"
	"k8s.io/utils/clock"

	v1 "github.com/gpu-dev/reservoir/pkg/apis/v1"
	"github.com/gpu-dev/reservoir/pkg/store"
)

type queueEntry struct {
	msg       *v1.Message
	visibleAt time.Time
	delivered int32
}

// Store is an in-memory store.Store with the same semantics the postgres
// client provides: compare-and-set on reservation status, insert-once message
// ids, visibility timeouts driven by the injected clock, and transactional
// rollback. Dequeue never blocks; tests with a fake clock would deadlock on a
// real long-poll.
type Store struct {
	mu  sync.Mutex
	clk clock.Clock

	reservations map[string]*v1.Reservation
	disks        map[string]*v1.Disk
	gpuTypes     map[string]*v1.GPUType
	users        map[string]*v1.User
	queue        map[string]*queueEntry

	NextError AtomicError
}

func NewStore(clk clock.Clock) *Store {
	s := &Store{clk: clk}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.reservations = map[string]*v1.Reservation{}
	s.disks = map[string]*v1.Disk{}
	s.gpuTypes = map[string]*v1.GPUType{}
	s.users = map[string]*v1.User{}
	s.queue = map[string]*queueEntry{}
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	s.NextError.Reset()
}

func (s *Store) Enqueue(ctx context.Context, msg *v1.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(msg)
}

func (s *Store) enqueueLocked(msg *v1.Message) error {
	if err := s.NextError.Get(); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = RandomID("msg")
	}
	// Insert-once on id, matching ON CONFLICT DO NOTHING.
	if _, ok := s.queue[msg.ID]; ok {
		return nil
	}
	cp := clone(msg)
	if cp.EnqueuedAt.IsZero() {
		cp.EnqueuedAt = s.clk.Now().UTC()
	}
	s.queue[msg.ID] = &queueEntry{msg: cp, visibleAt: cp.EnqueuedAt}
	return nil
}

func (s *Store) Dequeue(ctx context.Context, batch int, visibility, wait time.Duration) ([]*v1.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	now := s.clk.Now()
	visible := lo.Filter(lo.Values(s.queue), func(e *queueEntry, _ int) bool { return !e.visibleAt.After(now) })
	slices.SortFunc(visible, func(a, b *queueEntry) int { return a.msg.EnqueuedAt.Compare(b.msg.EnqueuedAt) })
	if len(visible) > batch {
		visible = visible[:batch]
	}
	return lo.Map(visible, func(e *queueEntry, _ int) *v1.Message {
		e.visibleAt = now.Add(visibility)
		e.delivered++
		msg := clone(e.msg)
		msg.DeliveryCount = e.delivered
		return msg
	}), nil
}

func (s *Store) Ack(ctx context.Context, msgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.NextError.Get(); err != nil {
		return err
	}
	delete(s.queue, msgID)
	return nil
}

func (s *Store) Nack(ctx context.Context, msgID string, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.NextError.Get(); err != nil {
		return err
	}
	if entry, ok := s.queue[msgID]; ok {
		entry.visibleAt = s.clk.Now().Add(delay)
	}
	return nil
}

func (s *Store) QueueDepth(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	return int64(lo.CountBy(lo.Values(s.queue), func(e *queueEntry) bool { return !e.visibleAt.After(now) })), nil
}

// AddUser seeds a user. The control plane only reads users; the rows are
// written by the API service, which tests stand in for here.
func (s *Store) AddUser(user *v1.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.Username] = clone(user)
}

// Message returns the queued message with the given id, if still queued.
func (s *Store) Message(msgID string) (*v1.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.queue[msgID]
	if !ok {
		return nil, false
	}
	return clone(entry.msg), true
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.NextError.Get(); err != nil {
		return err
	}
	backup := s.snapshotLocked()
	if err := fn(ctx, &storeTx{s}); err != nil {
		s.restoreLocked(backup)
		return err
	}
	return nil
}

type state struct {
	reservations map[string]*v1.Reservation
	disks        map[string]*v1.Disk
	gpuTypes     map[string]*v1.GPUType
	users        map[string]*v1.User
	queue        map[string]*queueEntry
}

func (s *Store) snapshotLocked() state {
	return state{
		reservations: cloneMap(s.reservations),
		disks:        cloneMap(s.disks),
		gpuTypes:     cloneMap(s.gpuTypes),
		users:        cloneMap(s.users),
		queue: lo.MapValues(s.queue, func(e *queueEntry, _ string) *queueEntry {
			return &queueEntry{msg: clone(e.msg), visibleAt: e.visibleAt, delivered: e.delivered}
		}),
	}
}

func (s *Store) restoreLocked(backup state) {
	s.reservations = backup.reservations
	s.disks = backup.disks
	s.gpuTypes = backup.gpuTypes
	s.users = backup.users
	s.queue = backup.queue
}

func cloneMap[T any](m map[string]*T) map[string]*T {
	return lo.MapValues(m, func(v *T, _ string) *T { return clone(v) })
}

func (s *Store) GetReservation(ctx context.Context, id string) (*v1.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getReservationLocked(id)
}

func (s *Store) getReservationLocked(id string) (*v1.Reservation, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	reservation, ok := s.reservations[id]
	if !ok {
		return nil, fmt.Errorf("getting reservation %s, %w", id, store.ErrNotFound)
	}
	return clone(reservation), nil
}

func (s *Store) ListReservations(ctx context.Context, filter store.ReservationFilter) ([]*v1.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listReservationsLocked(filter)
}

func (s *Store) listReservationsLocked(filter store.ReservationFilter) ([]*v1.Reservation, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	matches := lo.Filter(lo.Values(s.reservations), func(r *v1.Reservation, _ int) bool {
		if len(filter.Statuses) > 0 && !lo.Contains(filter.Statuses, r.Status) {
			return false
		}
		if filter.GPUType != "" && r.GPUType != filter.GPUType {
			return false
		}
		if filter.User != "" && r.User != filter.User {
			return false
		}
		return true
	})
	slices.SortFunc(matches, func(a, b *v1.Reservation) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return lo.Map(matches, func(r *v1.Reservation, _ int) *v1.Reservation { return clone(r) }), nil
}

func (s *Store) GetDisk(ctx context.Context, id string) (*v1.Disk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getDiskLocked(id)
}

func (s *Store) getDiskLocked(id string) (*v1.Disk, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	disk, ok := s.disks[id]
	if !ok {
		return nil, fmt.Errorf("getting disk %s, %w", id, store.ErrNotFound)
	}
	return clone(disk), nil
}

func (s *Store) GetDiskByName(ctx context.Context, user, name string) (*v1.Disk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getDiskByNameLocked(user, name)
}

func (s *Store) getDiskByNameLocked(user, name string) (*v1.Disk, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	disk, ok := lo.Find(lo.Values(s.disks), func(d *v1.Disk) bool {
		return d.User == user && d.Name == name && !d.SoftDeleted()
	})
	if !ok {
		return nil, fmt.Errorf("getting disk %s/%s, %w", user, name, store.ErrNotFound)
	}
	return clone(disk), nil
}

func (s *Store) ListDisks(ctx context.Context, filter store.DiskFilter) ([]*v1.Disk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listDisksLocked(filter)
}

func (s *Store) listDisksLocked(filter store.DiskFilter) ([]*v1.Disk, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	matches := lo.Filter(lo.Values(s.disks), func(d *v1.Disk, _ int) bool {
		if filter.User != "" && d.User != filter.User {
			return false
		}
		if filter.VolumeID != "" && d.VolumeID != filter.VolumeID {
			return false
		}
		if len(filter.Statuses) > 0 && !lo.Contains(filter.Statuses, d.Status) {
			return false
		}
		return true
	})
	slices.SortFunc(matches, func(a, b *v1.Disk) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return lo.Map(matches, func(d *v1.Disk, _ int) *v1.Disk { return clone(d) }), nil
}

func (s *Store) GetGPUType(ctx context.Context, name string) (*v1.GPUType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getGPUTypeLocked(name)
}

func (s *Store) getGPUTypeLocked(name string) (*v1.GPUType, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	gpuType, ok := s.gpuTypes[name]
	if !ok {
		return nil, fmt.Errorf("getting gpu type %s, %w", name, store.ErrNotFound)
	}
	return clone(gpuType), nil
}

func (s *Store) ListGPUTypes(ctx context.Context) ([]*v1.GPUType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listGPUTypesLocked()
}

func (s *Store) listGPUTypesLocked() ([]*v1.GPUType, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	gpuTypes := lo.Values(s.gpuTypes)
	slices.SortFunc(gpuTypes, func(a, b *v1.GPUType) int { return cmpStrings(a.Name, b.Name) })
	return lo.Map(gpuTypes, func(g *v1.GPUType, _ int) *v1.GPUType { return clone(g) }), nil
}

func (s *Store) GetUser(ctx context.Context, username string) (*v1.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getUserLocked(username)
}

func (s *Store) getUserLocked(username string) (*v1.User, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	user, ok := s.users[username]
	if !ok {
		return nil, fmt.Errorf("getting user %s, %w", username, store.ErrNotFound)
	}
	return clone(user), nil
}

func cmpStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// storeTx operates on the store's maps directly; WithTx holds the lock and
// restores a snapshot on error, which gives the same all-or-nothing behavior
// as a rolled back transaction.
type storeTx struct {
	s *Store
}

func (t *storeTx) Enqueue(ctx context.Context, msg *v1.Message) error {
	return t.s.enqueueLocked(msg)
}

func (t *storeTx) InsertReservation(ctx context.Context, reservation *v1.Reservation) error {
	if err := t.s.NextError.Get(); err != nil {
		return err
	}
	if _, ok := t.s.reservations[reservation.ID]; ok {
		return fmt.Errorf("inserting reservation %s, %w", reservation.ID, store.ErrAlreadyExists)
	}
	t.s.reservations[reservation.ID] = clone(reservation)
	return nil
}

func (t *storeTx) SaveReservation(ctx context.Context, reservation *v1.Reservation, expect v1.ReservationStatus) error {
	if err := t.s.NextError.Get(); err != nil {
		return err
	}
	existing, ok := t.s.reservations[reservation.ID]
	if !ok {
		return fmt.Errorf("saving reservation %s, %w", reservation.ID, store.ErrNotFound)
	}
	if existing.Status != expect {
		return fmt.Errorf("saving reservation %s, expected status %s but found %s, %w",
			reservation.ID, expect, existing.Status, store.ErrStatusConflict)
	}
	t.s.reservations[reservation.ID] = clone(reservation)
	return nil
}

func (t *storeTx) GetReservation(ctx context.Context, id string) (*v1.Reservation, error) {
	return t.s.getReservationLocked(id)
}

func (t *storeTx) ListReservations(ctx context.Context, filter store.ReservationFilter) ([]*v1.Reservation, error) {
	return t.s.listReservationsLocked(filter)
}

func (t *storeTx) InsertDisk(ctx context.Context, disk *v1.Disk) error {
	if err := t.s.NextError.Get(); err != nil {
		return err
	}
	if _, ok := t.s.disks[disk.ID]; ok {
		return fmt.Errorf("inserting disk %s, %w", disk.ID, store.ErrAlreadyExists)
	}
	t.s.disks[disk.ID] = clone(disk)
	return nil
}

func (t *storeTx) SaveDisk(ctx context.Context, disk *v1.Disk) error {
	if err := t.s.NextError.Get(); err != nil {
		return err
	}
	if _, ok := t.s.disks[disk.ID]; !ok {
		return fmt.Errorf("saving disk %s, %w", disk.ID, store.ErrNotFound)
	}
	t.s.disks[disk.ID] = clone(disk)
	return nil
}

func (t *storeTx) ClaimDisk(ctx context.Context, diskID, reservationID string) error {
	if err := t.s.NextError.Get(); err != nil {
		return err
	}
	disk, ok := t.s.disks[diskID]
	if !ok {
		return fmt.Errorf("claiming disk %s, %w", diskID, store.ErrNotFound)
	}
	if disk.InUse() && disk.InUseBy != reservationID {
		return fmt.Errorf("claiming disk %s held by %s, %w", diskID, disk.InUseBy, store.ErrDiskInUse)
	}
	disk.InUseBy = reservationID
	disk.Status = v1.DiskStatusInUse
	return nil
}

func (t *storeTx) ReleaseDisk(ctx context.Context, diskID, reservationID string) error {
	if err := t.s.NextError.Get(); err != nil {
		return err
	}
	disk, ok := t.s.disks[diskID]
	if !ok {
		return nil
	}
	if disk.InUseBy != reservationID {
		return nil
	}
	disk.InUseBy = ""
	if disk.Status == v1.DiskStatusInUse {
		disk.Status = v1.DiskStatusAvailable
	}
	return nil
}

func (t *storeTx) GetDisk(ctx context.Context, id string) (*v1.Disk, error) {
	return t.s.getDiskLocked(id)
}

func (t *storeTx) GetDiskByName(ctx context.Context, user, name string) (*v1.Disk, error) {
	return t.s.getDiskByNameLocked(user, name)
}

func (t *storeTx) ListDisks(ctx context.Context, filter store.DiskFilter) ([]*v1.Disk, error) {
	return t.s.listDisksLocked(filter)
}

func (t *storeTx) DeleteDisk(ctx context.Context, id string) error {
	if err := t.s.NextError.Get(); err != nil {
		return err
	}
	delete(t.s.disks, id)
	return nil
}

func (t *storeTx) UpsertGPUType(ctx context.Context, gpuType *v1.GPUType) error {
	if err := t.s.NextError.Get(); err != nil {
		return err
	}
	t.s.gpuTypes[gpuType.Name] = clone(gpuType)
	return nil
}

func (t *storeTx) GetGPUType(ctx context.Context, name string) (*v1.GPUType, error) {
	return t.s.getGPUTypeLocked(name)
}

func (t *storeTx) ListGPUTypes(ctx context.Context) ([]*v1.GPUType, error) {
	return t.s.listGPUTypesLocked()
}

func (t *storeTx) GetUser(ctx context.Context, username string) (*v1.User, error) {
	return t.s.getUserLocked(username)
}
