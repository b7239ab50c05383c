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

package availability

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"sigs.k8s.io/controller-runtime/pkg/log"

	v1 "github.com/gpu-dev/reservoir/pkg/apis/v1"
	reserrors "github.com/gpu-dev/reservoir/pkg/errors"
	"github.com/gpu-dev/reservoir/pkg/providers/volume"
	"github.com/gpu-dev/reservoir/pkg/store"
)

// reconcileDisks converges the disk table toward the cloud volume inventory.
// The cloud is the single source of truth for volume existence: volumes it
// reports are imported or refreshed, rows it no longer backs are soft-deleted.
// Each volume reconciles in its own transaction so one bad row cannot wedge
// the rest of the pass.
func (c *Controller) reconcileDisks(ctx context.Context) error {
	volumes, err := c.volumeProvider.List(ctx)
	if err != nil {
		return err
	}
	snapshots, err := c.volumeProvider.ListSnapshots(ctx)
	if err != nil {
		return err
	}
	disks, err := c.store.ListDisks(ctx, store.DiskFilter{})
	if err != nil {
		return err
	}
	snapshotsByVolume := lo.GroupBy(snapshots, func(s *volume.Snapshot) string { return s.VolumeID })

	var errs error
	for _, vol := range volumes {
		err := retry.Do(
			func() error { return c.reconcileVolume(ctx, vol, snapshotsByVolume[vol.ID]) },
			retry.RetryIf(reserrors.IsThrottled),
			retry.Delay(1*time.Second),
			retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
			retry.Attempts(3),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("reconciling volume %s, %w", vol.ID, err))
			continue
		}
		DisksReconciled.Inc(nil)
	}

	cloudVolumes := lo.SliceToMap(volumes, func(v *volume.Volume) (string, struct{}) { return v.ID, struct{}{} })
	for _, disk := range disks {
		if disk.VolumeID == "" || disk.SoftDeleted() {
			// Rows still waiting on their volume, and rows already retired,
			// have nothing to converge against.
			continue
		}
		if _, ok := cloudVolumes[disk.VolumeID]; ok {
			continue
		}
		if err := c.retireDisk(ctx, disk.ID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("retiring disk %s, %w", disk.ID, err))
		}
	}
	return errs
}

// reconcileVolume upserts the disk row behind one cloud volume: imports
// volumes the store has never seen, collapses duplicate rows onto the most
// recently reconciled one, and overwrites row attributes with the cloud's
// answer.
func (c *Controller) reconcileVolume(ctx context.Context, vol *volume.Volume, snapshots []*volume.Snapshot) error {
	if vol.User == "" {
		// A managed volume without an owner tag cannot be attributed to a
		// disk; a human has to decide what it is.
		log.FromContext(ctx).WithValues("volume", vol.ID).Info("ignoring managed volume without a user tag")
		return nil
	}
	now := c.clk.Now().UTC()
	return c.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		rows, err := tx.ListDisks(ctx, store.DiskFilter{VolumeID: vol.ID})
		if err != nil {
			return err
		}
		disk, err := c.pickDiskRow(ctx, tx, vol, rows)
		if err != nil {
			return err
		}

		disk.SizeGB = vol.SizeGB
		disk.AZ = vol.Zone
		completed := lo.Filter(snapshots, func(s *volume.Snapshot, _ int) bool { return s.State == volume.SnapshotStateCompleted })
		disk.SnapshotCount = int32(len(completed))
		disk.PendingSnapshotCount = int32(lo.CountBy(snapshots, func(s *volume.Snapshot) bool { return s.State == volume.SnapshotStatePending }))
		if len(completed) > 0 {
			// ListSnapshots returns newest first.
			disk.LastSnapshotID = completed[0].ID
		}
		if err := c.repairHold(ctx, tx, disk); err != nil {
			return err
		}
		switch {
		case vol.State == volume.StateDeleting:
			disk.Status = v1.DiskStatusDeleting
		case disk.InUse():
			disk.Status = v1.DiskStatusInUse
		default:
			disk.Status = v1.DiskStatusAvailable
		}
		// The cloud has the volume, so a previous soft delete was premature.
		disk.SoftDeletedAt = nil
		disk.LastReconciledAt = &now
		return tx.SaveDisk(ctx, disk)
	})
}

// pickDiskRow returns the store row for a volume, importing one when none
// exists and discarding all but the freshest when several claim the same
// volume.
func (c *Controller) pickDiskRow(ctx context.Context, tx store.Tx, vol *volume.Volume, rows []*v1.Disk) (*v1.Disk, error) {
	if len(rows) == 0 {
		disk := &v1.Disk{
			ID:        uuid.NewString(),
			User:      vol.User,
			Name:      lo.CoalesceOrEmpty(vol.Name, vol.ID),
			VolumeID:  vol.ID,
			Status:    v1.DiskStatusAvailable,
			CreatedAt: vol.CreatedAt.UTC(),
		}
		if err := tx.InsertDisk(ctx, disk); err != nil {
			return nil, err
		}
		DisksImported.Inc(nil)
		log.FromContext(ctx).WithValues("volume", vol.ID, "user", vol.User, "disk", disk.Name).Info("imported untracked volume")
		return disk, nil
	}
	slices.SortFunc(rows, func(a, b *v1.Disk) int {
		return lo.FromPtr(b.LastReconciledAt).Compare(lo.FromPtr(a.LastReconciledAt))
	})
	for _, duplicate := range rows[1:] {
		log.FromContext(ctx).WithValues("volume", vol.ID, "disk", duplicate.ID).Info("dropping duplicate disk row")
		if err := tx.DeleteDisk(ctx, duplicate.ID); err != nil {
			return nil, err
		}
	}
	return rows[0], nil
}

// repairHold clears an in-use mark held by a reservation that is no longer
// live; a crash between reclaim and release can leave one behind.
func (c *Controller) repairHold(ctx context.Context, tx store.Tx, disk *v1.Disk) error {
	if !disk.InUse() {
		return nil
	}
	holder, err := tx.GetReservation(ctx, disk.InUseBy)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if holder != nil && (holder.Status == v1.ReservationStatusPreparing || holder.Status == v1.ReservationStatusActive) {
		return nil
	}
	log.FromContext(ctx).WithValues("disk", disk.ID, "held-by", disk.InUseBy).Info("releasing disk held by a settled reservation")
	if err := tx.ReleaseDisk(ctx, disk.ID, disk.InUseBy); err != nil {
		return err
	}
	disk.InUseBy = ""
	return nil
}

// retireDisk soft-deletes a row whose cloud volume is gone. The row is kept
// for the retention window so the user can still see what happened and any
// surviving snapshots stay attributable.
func (c *Controller) retireDisk(ctx context.Context, diskID string) error {
	now := c.clk.Now().UTC()
	return c.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		disk, err := tx.GetDisk(ctx, diskID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		if disk.SoftDeleted() {
			return nil
		}
		if err := c.repairHold(ctx, tx, disk); err != nil {
			return err
		}
		disk.Status = v1.DiskStatusSoftDeleted
		disk.SoftDeletedAt = &now
		disk.LastReconciledAt = &now
		log.FromContext(ctx).WithValues("disk", disk.ID, "volume", disk.VolumeID, "user", disk.User).Info("soft-deleted disk, volume is gone from the cloud")
		return tx.SaveDisk(ctx, disk)
	})
}
