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

package termination

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	v1 "github.com/gpu-dev/reservoir/pkg/apis/v1"
	reserrors "github.com/gpu-dev/reservoir/pkg/errors"
	"github.com/gpu-dev/reservoir/pkg/metrics"
	"github.com/gpu-dev/reservoir/pkg/providers/imagebuild"
	"github.com/gpu-dev/reservoir/pkg/providers/sandbox"
	"github.com/gpu-dev/reservoir/pkg/providers/volume"
	"github.com/gpu-dev/reservoir/pkg/store"
)

// Terminator ends reservations: cancellations, expiries, and failures all
// reclaim through it. Every step tolerates partial completion from an
// earlier attempt, so message redelivery and sweeper retries converge.
type Terminator struct {
	store              store.Store
	clk                clock.Clock
	volumeProvider     volume.Provider
	sandboxProvider    sandbox.Provider
	imageBuildProvider imagebuild.Provider
}

func NewTerminator(store store.Store, clk clock.Clock, volumeProvider volume.Provider,
	sandboxProvider sandbox.Provider, imageBuildProvider imagebuild.Provider) *Terminator {
	return &Terminator{
		store:              store,
		clk:                clk,
		volumeProvider:     volumeProvider,
		sandboxProvider:    sandboxProvider,
		imageBuildProvider: imageBuildProvider,
	}
}

// Terminate reclaims everything the reservation holds and moves it to the
// given terminal status with a compare-and-set on the status the caller read.
func (t *Terminator) Terminate(ctx context.Context, reservation *v1.Reservation, status v1.ReservationStatus, reason string, skipSnapshot bool) error {
	if err := t.Reclaim(ctx, reservation, skipSnapshot); err != nil {
		return err
	}
	expect := reservation.Status
	now := t.clk.Now().UTC()
	reservation.Status = status
	reservation.FailureReason = reason
	reservation.EndedAt = &now
	reservation.QueuePosition, reservation.ETAMinutes = nil, nil
	reservation.UpdatedAt = now
	if err := t.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := releaseDisk(ctx, tx, reservation); err != nil {
			return err
		}
		return tx.SaveReservation(ctx, reservation, expect)
	}); err != nil {
		return err
	}
	ReservationsTerminated.Inc(map[string]string{
		metrics.GPUTypeLabel: reservation.GPUType,
		metrics.StatusLabel:  string(status),
	})
	return nil
}

// Reclaim tears down the reservation's cluster and cloud footprint without
// touching its status: the build job, a shutdown snapshot of its disk unless
// skipped, then the sandbox pods and service.
func (t *Terminator) Reclaim(ctx context.Context, reservation *v1.Reservation, skipSnapshot bool) error {
	if err := t.imageBuildProvider.Delete(ctx, reservation); err != nil {
		return err
	}
	if !skipSnapshot && reservation.VolumeID != "" {
		if err := t.snapshotDisk(ctx, reservation); err != nil {
			return err
		}
	}
	return t.sandboxProvider.Delete(ctx, reservation)
}

// snapshotDisk starts the shutdown snapshot of the reservation's disk. The
// snapshot is taken while the volume may still be attached; EBS makes that
// crash-consistent, and waiting for detach would hold the queue. A snapshot
// tagged with this reservation already existing means a replay, not a second
// shutdown.
func (t *Terminator) snapshotDisk(ctx context.Context, reservation *v1.Reservation) error {
	snapshots, err := t.volumeProvider.ListSnapshots(ctx, reservation.VolumeID)
	if err != nil {
		return err
	}
	if _, ok := lo.Find(snapshots, func(s *volume.Snapshot) bool {
		return s.Tags[v1.TagReservationID] == reservation.ID
	}); ok {
		return nil
	}
	snapshot, err := t.volumeProvider.CreateSnapshot(ctx, reservation.VolumeID, map[string]string{
		v1.TagUser:          reservation.User,
		v1.TagDiskName:      reservation.DiskName,
		v1.TagReservationID: reservation.ID,
	})
	if err != nil {
		if reserrors.IsNotFound(err) {
			log.FromContext(ctx).V(1).Info("volume is gone, skipping shutdown snapshot", "volume", reservation.VolumeID)
			return nil
		}
		return fmt.Errorf("snapshotting volume %s, %w", reservation.VolumeID, err)
	}
	log.FromContext(ctx).WithValues("volume", reservation.VolumeID, "snapshot", snapshot.ID).Info("started shutdown snapshot")
	return t.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		disk, err := tx.GetDiskByName(ctx, reservation.User, reservation.DiskName)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		disk.LastSnapshotID = snapshot.ID
		disk.PendingSnapshotCount++
		return tx.SaveDisk(ctx, disk)
	})
}

// releaseDisk clears the reservation's hold on its disk inside the caller's
// transaction. No disk, or a hold already released, is a no-op.
func releaseDisk(ctx context.Context, tx store.Tx, reservation *v1.Reservation) error {
	if reservation.DiskName == "" {
		return nil
	}
	disk, err := tx.GetDiskByName(ctx, reservation.User, reservation.DiskName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	return tx.ReleaseDisk(ctx, disk.ID, reservation.ID)
}
