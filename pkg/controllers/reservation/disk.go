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

package reservation

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"
	"sigs.k8s.io/controller-runtime/pkg/log"

	v1 "github.com/gpu-dev/reservoir/pkg/apis/v1"
	reserrors "github.com/gpu-dev/reservoir/pkg/errors"
	"github.com/gpu-dev/reservoir/pkg/providers/cluster"
	"github.com/gpu-dev/reservoir/pkg/store"
)

// handleDiskCreate provisions the volume behind an explicitly requested
// disk. The API wrote the row in creating status; this handler brings the
// cloud up to match and flips it to available.
func (c *Controller) handleDiskCreate(ctx context.Context, msg *v1.Message) error {
	payload, err := v1.UnmarshalPayload[v1.DiskCreatePayload](msg)
	if err != nil {
		log.FromContext(ctx).Error(err, "parsing disk-create payload, using the disk row")
	}
	disk, err := c.store.GetDisk(ctx, msg.DiskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.FromContext(ctx).WithValues("disk", msg.DiskID).V(1).Info("disk no longer exists, dropping message")
			return nil
		}
		return err
	}
	if disk.Status != v1.DiskStatusCreating {
		return nil
	}
	if payload.SizeGB > 0 && disk.SizeGB == 0 {
		disk.SizeGB = payload.SizeGB
	}

	zone := lo.CoalesceOrEmpty(payload.AZ, disk.AZ)
	if zone == "" {
		zone, err = c.defaultZone(ctx)
		if err != nil {
			return err
		}
	}
	vol, err := c.findOrCreateVolume(ctx, disk, zone)
	if err != nil {
		return err
	}
	disk.VolumeID = vol.ID
	disk.AZ = vol.Zone
	disk.SizeGB = vol.SizeGB
	disk.Status = v1.DiskStatusAvailable
	if err := c.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.SaveDisk(ctx, disk)
	}); err != nil {
		return err
	}
	log.FromContext(ctx).WithValues("disk", disk.Name, "user", disk.User, "volume", disk.VolumeID, "az", disk.AZ).Info("created disk")
	return nil
}

// defaultZone picks the availability zone for a disk created before any
// reservation has placed it: the zone of the first ready node, which in a
// single-zone cluster is the only answer.
func (c *Controller) defaultZone(ctx context.Context) (string, error) {
	nodes, err := c.clusterProvider.ListNodes(ctx)
	if err != nil {
		return "", err
	}
	node, ok := lo.Find(nodes, func(n *cluster.Node) bool { return n.Ready && n.Zone != "" })
	if !ok {
		return "", fmt.Errorf("no ready node to derive an availability zone from")
	}
	return node.Zone, nil
}

// handleDiskDelete retires a disk: a final safety snapshot unless skipped,
// the volume removed, and the row soft-deleted so the data stays recoverable
// from the snapshot until the retention window closes. The status walks
// available -> deleting -> soft-deleted so every replay resumes where the
// last attempt stopped.
func (c *Controller) handleDiskDelete(ctx context.Context, msg *v1.Message) error {
	payload, err := v1.UnmarshalPayload[v1.DiskDeletePayload](msg)
	if err != nil {
		log.FromContext(ctx).Error(err, "parsing disk-delete payload, keeping the final snapshot")
	}
	disk, err := c.store.GetDisk(ctx, msg.DiskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.FromContext(ctx).WithValues("disk", msg.DiskID).V(1).Info("disk no longer exists, dropping message")
			return nil
		}
		return err
	}
	switch disk.Status {
	case v1.DiskStatusSoftDeleted:
		return nil
	case v1.DiskStatusInUse:
		log.FromContext(ctx).WithValues("disk", disk.Name, "held-by", disk.InUseBy).Error(
			fmt.Errorf("disk is attached to a reservation"), "dropping disk-delete")
		return nil
	}

	if disk.Status != v1.DiskStatusDeleting {
		if !payload.SkipSnapshot && disk.VolumeID != "" {
			snapshot, err := c.volumeProvider.CreateSnapshot(ctx, disk.VolumeID, map[string]string{
				v1.TagUser:     disk.User,
				v1.TagDiskName: disk.Name,
			})
			if err != nil && !reserrors.IsNotFound(err) {
				return err
			}
			if err == nil {
				disk.LastSnapshotID = snapshot.ID
				disk.PendingSnapshotCount++
			}
		}
		disk.Status = v1.DiskStatusDeleting
		if err := c.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.SaveDisk(ctx, disk)
		}); err != nil {
			return err
		}
	}

	if disk.VolumeID != "" {
		if err := c.deleteVolume(ctx, disk.VolumeID); err != nil {
			return err
		}
	}
	now := c.clk.Now().UTC()
	disk.Status = v1.DiskStatusSoftDeleted
	disk.SoftDeletedAt = &now
	if err := c.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.SaveDisk(ctx, disk)
	}); err != nil {
		return err
	}
	log.FromContext(ctx).WithValues("disk", disk.Name, "user", disk.User, "snapshot", disk.LastSnapshotID).Info("soft-deleted disk")
	return nil
}

// deleteVolume removes the cloud volume, detaching first if a stale
// attachment is still draining.
func (c *Controller) deleteVolume(ctx context.Context, volumeID string) error {
	err := c.volumeProvider.Delete(ctx, volumeID)
	if err == nil || reserrors.IsNotFound(err) {
		return nil
	}
	if reserrors.IsVolumeInUse(err) {
		if err := c.volumeProvider.Detach(ctx, volumeID); err != nil && !reserrors.IsNotFound(err) {
			return err
		}
		return NewWaitingError(fmt.Errorf("volume %s is detaching", volumeID), readyPollDelay)
	}
	return err
}
