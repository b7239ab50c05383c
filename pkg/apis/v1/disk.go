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

package v1

import (
	"time"
)

// DiskStatus is the lifecycle state of a persistent disk.
type DiskStatus string

const (
	DiskStatusAvailable   DiskStatus = "available"
	DiskStatusInUse       DiskStatus = "in-use"
	DiskStatusCreating    DiskStatus = "creating"
	DiskStatusDeleting    DiskStatus = "deleting"
	DiskStatusSoftDeleted DiskStatus = "soft-deleted"
)

// Disk is a named, user-owned block volume that follows the user across
// reservations. The cloud is the source of truth for its existence; the
// store row is a reconciled cache.
type Disk struct {
	ID       string `json:"id"`
	User     string `json:"user"`
	Name     string `json:"name"`
	VolumeID string `json:"volume_id"`
	AZ       string `json:"az"`
	SizeGB   int32  `json:"size_gb"`

	Status DiskStatus `json:"status"`
	// InUseBy holds the reservation currently attached, empty otherwise. At
	// most one reservation holds a disk at a time.
	InUseBy string `json:"in_use_by,omitempty"`

	LastSnapshotID       string `json:"last_snapshot_id,omitempty"`
	SnapshotCount        int32  `json:"snapshot_count"`
	PendingSnapshotCount int32  `json:"pending_snapshot_count"`

	CreatedAt        time.Time  `json:"created_at"`
	SoftDeletedAt    *time.Time `json:"soft_deleted_at,omitempty"`
	LastReconciledAt *time.Time `json:"last_reconciled_at,omitempty"`
}

// InUse reports whether a reservation currently holds the disk.
func (d *Disk) InUse() bool {
	return d.InUseBy != ""
}

// SoftDeleted reports whether the disk is awaiting hard deletion.
func (d *Disk) SoftDeleted() bool {
	return d.Status == DiskStatusSoftDeleted
}
