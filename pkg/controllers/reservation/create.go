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
	"time"

	"github.com/distribution/reference"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"sigs.k8s.io/controller-runtime/pkg/log"

	v1 "github.com/gpu-dev/reservoir/pkg/apis/v1"
	reserrors "github.com/gpu-dev/reservoir/pkg/errors"
	"github.com/gpu-dev/reservoir/pkg/metrics"
	"github.com/gpu-dev/reservoir/pkg/operator/options"
	"github.com/gpu-dev/reservoir/pkg/providers/sandbox"
	"github.com/gpu-dev/reservoir/pkg/providers/volume"
	"github.com/gpu-dev/reservoir/pkg/scheduling"
	"github.com/gpu-dev/reservoir/pkg/store"
)

// handleCreate drives a reservation from pending to active: validate, admit,
// place it on nodes or park it as a waiter, then provision disk and sandbox.
// Every step is idempotent against the store and the cluster, so a crash or
// visibility timeout at any point replays cleanly.
func (c *Controller) handleCreate(ctx context.Context, msg *v1.Message) error {
	opts := options.FromContext(ctx)
	payload, err := v1.UnmarshalPayload[v1.CreatePayload](msg)
	if err != nil {
		// A corrupt payload only loses the disk-conflict answer; the request
		// itself lives on the reservation row.
		log.FromContext(ctx).Error(err, "parsing create payload, proceeding without it")
	}

	reservation, err := c.store.GetReservation(ctx, msg.ReservationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.FromContext(ctx).V(1).Info("reservation no longer exists, dropping message")
			return nil
		}
		return err
	}
	// Replays after the reservation reached a settled state are no-ops.
	if reservation.Status.Terminal() || reservation.Status == v1.ReservationStatusActive {
		return nil
	}
	if payload.DiskConfirmed {
		reservation.DiskConfirmed = true
	}

	gpuType, err := c.store.GetGPUType(ctx, reservation.GPUType)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if reason := validateRequest(reservation, gpuType, opts); reason != "" {
		return c.fail(ctx, reservation, reason)
	}
	if reason, err := c.admit(ctx, reservation, opts); err != nil {
		return err
	} else if reason != "" {
		return c.fail(ctx, reservation, reason)
	}
	diskName, reason, err := c.resolveDiskName(ctx, reservation)
	if err != nil {
		return err
	}
	if reason != "" {
		return c.fail(ctx, reservation, reason)
	}

	if reservation.Status != v1.ReservationStatusPreparing {
		placed, err := c.allocate(ctx, reservation)
		if err != nil || !placed {
			return err
		}
	}
	return c.provision(ctx, reservation, gpuType, diskName, opts)
}

// validateRequest checks the request against the catalog and the platform
// policy bounds. A non-empty reason fails the reservation permanently.
func validateRequest(reservation *v1.Reservation, gpuType *v1.GPUType, opts *options.Options) string {
	if gpuType == nil {
		return fmt.Sprintf("unknown gpu type %q", reservation.GPUType)
	}
	if !gpuType.Active {
		return fmt.Sprintf("gpu type %q is not accepting reservations", gpuType.Name)
	}
	if gpuType.CPUOnly() {
		if reservation.GPUCount != 0 {
			return fmt.Sprintf("gpu type %q is cpu-only, gpu count must be 0", gpuType.Name)
		}
	} else {
		if reservation.GPUCount == 0 || !lo.Contains(v1.ValidGPUCounts, reservation.GPUCount) {
			return fmt.Sprintf("gpu count %d is not one of the allowed sizes", reservation.GPUCount)
		}
		if reservation.GPUCount > gpuType.GPUsPerNode {
			if !gpuType.MultiNode {
				return fmt.Sprintf("gpu type %q does not support reservations beyond one node (%d gpus)", gpuType.Name, gpuType.GPUsPerNode)
			}
			if nodes := gpuType.NodesFor(reservation.GPUCount); nodes > int32(opts.MultiNodeCapNodes) {
				return fmt.Sprintf("reservation spans %d nodes, the cap is %d", nodes, opts.MultiNodeCapNodes)
			}
		}
	}
	if reservation.DurationHours <= 0 {
		return "duration must be positive"
	}
	if reservation.DurationHours > float64(opts.MaxReservationHours) {
		return fmt.Sprintf("duration %.1fh exceeds the maximum of %dh", reservation.DurationHours, opts.MaxReservationHours)
	}
	if reservation.Image != "" {
		if _, err := reference.ParseNormalizedNamed(reservation.Image); err != nil {
			return fmt.Sprintf("image %q is not a valid image reference", reservation.Image)
		}
	}
	return ""
}

// admit enforces the per-user concurrent reservation cap. The cap counts
// every non-terminal reservation other than this one, so parked waiters hold
// a slot too.
func (c *Controller) admit(ctx context.Context, reservation *v1.Reservation, opts *options.Options) (string, error) {
	held, err := c.store.ListReservations(ctx, store.ReservationFilter{
		User: reservation.User,
		Statuses: []v1.ReservationStatus{
			v1.ReservationStatusPending, v1.ReservationStatusQueued,
			v1.ReservationStatusPreparing, v1.ReservationStatusActive,
		},
	})
	if err != nil {
		return "", err
	}
	others := lo.CountBy(held, func(r *v1.Reservation) bool { return r.ID != reservation.ID })
	if others >= opts.PerUserActiveCap {
		return fmt.Sprintf("user %s already holds %d reservations, the cap is %d", reservation.User, others, opts.PerUserActiveCap), nil
	}
	return "", nil
}

// resolveDiskName decides which persistent disk this reservation gets, if
// any. A disk attached to another live reservation is a hard conflict unless
// the user confirmed launching without it.
func (c *Controller) resolveDiskName(ctx context.Context, reservation *v1.Reservation) (string, string, error) {
	if reservation.NoPersistentDisk {
		return "", "", nil
	}
	name := reservation.DiskName
	if name == "" {
		name = v1.DefaultDiskName
	}
	disk, err := c.store.GetDiskByName(ctx, reservation.User, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return name, "", nil
		}
		return "", "", err
	}
	if disk.InUse() && disk.InUseBy != reservation.ID {
		if reservation.DiskConfirmed {
			log.FromContext(ctx).WithValues("disk", name, "held-by", disk.InUseBy).Info("disk is in use, launching without it as confirmed")
			return "", "", nil
		}
		return "", fmt.Sprintf("disk %q is attached to reservation %s; confirm to launch without it", name, disk.InUseBy), nil
	}
	if disk.Status == v1.DiskStatusDeleting || disk.Status == v1.DiskStatusCreating {
		return "", "", NewWaitingError(fmt.Errorf("disk %q is %s", name, disk.Status), readyPollDelay)
	}
	return name, "", nil
}

// allocate finds nodes for the reservation and moves it to preparing, or
// parks it in the waiting line when nothing fits. Returns false when the
// reservation was parked.
func (c *Controller) allocate(ctx context.Context, reservation *v1.Reservation) (bool, error) {
	view, err := c.buildView(ctx, reservation.GPUType)
	if err != nil {
		return false, err
	}
	nodeNames, ok := view.snapshot.Fit(reservation)
	if !ok {
		return false, c.parkWaiter(ctx, reservation, view)
	}
	expect := reservation.Status
	reservation.Status = v1.ReservationStatusPreparing
	reservation.NodeNames = nodeNames
	reservation.QueuePosition, reservation.ETAMinutes = nil, nil
	reservation.UpdatedAt = c.clk.Now().UTC()
	if err := c.save(ctx, reservation, expect); err != nil {
		return false, err
	}
	log.FromContext(ctx).WithValues("nodes", nodeNames).Info("allocated reservation")
	return true, nil
}

// parkWaiter records the reservation as queued with its position and ETA and
// acks the message. Promotion re-enqueues a create when capacity frees up;
// until then the waiter lives only in the store.
func (c *Controller) parkWaiter(ctx context.Context, reservation *v1.Reservation, view *capacityView) error {
	expect := reservation.Status
	reservation.Status = v1.ReservationStatusQueued

	waiting := lo.Reject(view.queued, func(r *v1.Reservation, _ int) bool { return r.ID == reservation.ID })
	waiting = append(waiting, reservation)
	for _, entry := range scheduling.Outlook(c.clk.Now().UTC(), view.snapshot, waiting, view.active) {
		if entry.ReservationID != reservation.ID {
			continue
		}
		reservation.QueuePosition = lo.ToPtr(entry.Position)
		reservation.ETAMinutes = nil
		if entry.ETAKnown {
			reservation.ETAMinutes = lo.ToPtr(entry.ETAMinutes)
		}
	}
	reservation.UpdatedAt = c.clk.Now().UTC()
	if err := c.save(ctx, reservation, expect); err != nil {
		return err
	}
	log.FromContext(ctx).WithValues("position", lo.FromPtr(reservation.QueuePosition)).Info("queued reservation, no capacity")
	return nil
}

// provision brings up everything the reservation needs on its allocated
// nodes and flips it to active once the sandbox answers ready.
func (c *Controller) provision(ctx context.Context, reservation *v1.Reservation, gpuType *v1.GPUType, diskName string, opts *options.Options) error {
	if diskName != "" {
		reason, err := c.ensureDisk(ctx, reservation, diskName, opts)
		if err != nil {
			return err
		}
		if reason != "" {
			return c.fail(ctx, reservation, reason)
		}
	}
	sshKeys, err := c.authorizedKeys(ctx, reservation)
	if err != nil {
		return err
	}
	if err := c.sandboxProvider.Create(ctx, reservation, gpuType, sshKeys); err != nil {
		// A rejected pod or service spec comes back identically on every
		// delivery; only transport-level failures are worth redelivering.
		if reserrors.IsInvalidRequest(err) {
			return c.fail(ctx, reservation, fmt.Sprintf("cluster rejected the sandbox: %v", err))
		}
		return err
	}
	ready, err := c.sandboxProvider.IsReady(ctx, reservation)
	if err != nil {
		var launchErr *sandbox.LaunchFailedError
		if errors.As(err, &launchErr) {
			return c.fail(ctx, reservation, launchErr.Reason)
		}
		return err
	}
	if !ready {
		return NewWaitingError(fmt.Errorf("sandbox for %s is not ready", reservation.ID), readyPollDelay)
	}
	endpoint, err := c.sandboxProvider.Endpoint(ctx, reservation)
	if err != nil {
		return err
	}

	now := c.clk.Now().UTC()
	reservation.Status = v1.ReservationStatusActive
	reservation.LaunchedAt = &now
	reservation.ExpiresAt = lo.ToPtr(now.Add(reservationDuration(reservation)))
	reservation.SandboxName = v1.SandboxName(reservation.ID)
	reservation.SandboxNamespace = opts.SandboxNamespace
	reservation.SSHHost = endpoint.Host
	reservation.SSHPort = endpoint.Port
	reservation.QueuePosition, reservation.ETAMinutes = nil, nil
	reservation.UpdatedAt = now
	if err := c.save(ctx, reservation, v1.ReservationStatusPreparing); err != nil {
		return err
	}
	ReservationsLaunched.Inc(map[string]string{metrics.GPUTypeLabel: reservation.GPUType})
	log.FromContext(ctx).WithValues(
		"ssh-host", endpoint.Host,
		"ssh-port", endpoint.Port,
		"expires-at", reservation.ExpiresAt,
	).Info("launched reservation")
	return nil
}

// ensureDisk finds or creates the user's named disk, waits out stale
// attachments, and claims it for this reservation. A non-empty reason means
// the reservation must fail.
func (c *Controller) ensureDisk(ctx context.Context, reservation *v1.Reservation, diskName string, opts *options.Options) (string, error) {
	disk, err := c.store.GetDiskByName(ctx, reservation.User, diskName)
	if errors.Is(err, store.ErrNotFound) {
		disk = &v1.Disk{
			ID:        uuid.NewString(),
			User:      reservation.User,
			Name:      diskName,
			SizeGB:    int32(opts.DefaultDiskSizeGB),
			Status:    v1.DiskStatusCreating,
			CreatedAt: c.clk.Now().UTC(),
		}
		err = c.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.InsertDisk(ctx, disk)
		})
		if errors.Is(err, store.ErrAlreadyExists) {
			disk, err = c.store.GetDiskByName(ctx, reservation.User, diskName)
		}
	}
	if err != nil {
		return "", err
	}

	if disk.VolumeID == "" {
		node, err := c.clusterProvider.GetNode(ctx, reservation.NodeNames[0])
		if err != nil {
			return "", err
		}
		vol, err := c.findOrCreateVolume(ctx, disk, node.Zone)
		if err != nil {
			if reserrors.IsInvalidRequest(err) {
				return fmt.Sprintf("creating disk %q failed: %v", diskName, err), nil
			}
			return "", err
		}
		disk.VolumeID = vol.ID
		disk.AZ = vol.Zone
		disk.SizeGB = vol.SizeGB
		disk.Status = v1.DiskStatusAvailable
		if err := c.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.SaveDisk(ctx, disk)
		}); err != nil {
			return "", err
		}
	}

	// EBS volumes attach to one node in one zone. A mismatched zone cannot be
	// fixed here; a stale attachment from the previous reservation resolves
	// itself once the old pod is gone.
	node, err := c.clusterProvider.GetNode(ctx, reservation.NodeNames[0])
	if err != nil {
		return "", err
	}
	if disk.AZ != "" && node.Zone != "" && disk.AZ != node.Zone {
		return fmt.Sprintf("disk %q lives in %s but the allocated node is in %s", diskName, disk.AZ, node.Zone), nil
	}
	vol, err := c.volumeProvider.Get(ctx, disk.VolumeID)
	if err != nil {
		if reserrors.IsNotFound(err) {
			return fmt.Sprintf("backing volume %s for disk %q no longer exists", disk.VolumeID, diskName), nil
		}
		return "", err
	}
	if vol.Attached {
		if err := c.volumeProvider.Detach(ctx, disk.VolumeID); err != nil {
			return "", err
		}
		return "", NewWaitingError(fmt.Errorf("volume %s is still attached", disk.VolumeID), readyPollDelay)
	}
	if vol.State != volume.StateAvailable {
		return "", NewWaitingError(fmt.Errorf("volume %s is %s", disk.VolumeID, vol.State), readyPollDelay)
	}

	if err := c.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.ClaimDisk(ctx, disk.ID, reservation.ID); err != nil {
			return err
		}
		reservation.DiskName = disk.Name
		reservation.VolumeID = disk.VolumeID
		reservation.UpdatedAt = c.clk.Now().UTC()
		return tx.SaveReservation(ctx, reservation, v1.ReservationStatusPreparing)
	}); err != nil {
		if errors.Is(err, store.ErrDiskInUse) {
			return fmt.Sprintf("disk %q was claimed by another reservation", diskName), nil
		}
		return "", err
	}
	// Best effort; the tag only aids debugging from the console.
	if err := c.volumeProvider.Tag(ctx, disk.VolumeID, map[string]string{v1.TagReservationID: reservation.ID}); err != nil {
		log.FromContext(ctx).V(1).Info("tagging volume with reservation id failed", "volume", disk.VolumeID, "error", err)
	}
	return "", nil
}

// findOrCreateVolume locates the cloud volume backing a disk, searching by
// tags first so a crash between volume creation and the store write does not
// strand a second copy.
func (c *Controller) findOrCreateVolume(ctx context.Context, disk *v1.Disk, zone string) (*volume.Volume, error) {
	volumes, err := c.volumeProvider.List(ctx)
	if err != nil {
		return nil, err
	}
	if existing, ok := lo.Find(volumes, func(v *volume.Volume) bool {
		return v.User == disk.User && v.Name == disk.Name && v.State != volume.StateDeleting
	}); ok {
		return existing, nil
	}
	return c.volumeProvider.Create(ctx, volume.CreateOptions{
		Name:       disk.Name,
		User:       disk.User,
		SizeGB:     disk.SizeGB,
		Zone:       zone,
		SnapshotID: disk.LastSnapshotID,
	})
}

// authorizedKeys collects the SSH public keys of the owner and every
// collaborator. Unknown collaborators are skipped rather than blocking the
// launch.
func (c *Controller) authorizedKeys(ctx context.Context, reservation *v1.Reservation) ([]string, error) {
	var keys []string
	for _, username := range lo.Uniq(append([]string{reservation.User}, reservation.Collaborators...)) {
		user, err := c.store.GetUser(ctx, username)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				log.FromContext(ctx).WithValues("user", username).V(1).Info("skipping ssh keys of unknown user")
				continue
			}
			return nil, err
		}
		keys = append(keys, user.SSHPublicKeys...)
	}
	return keys, nil
}

// fail moves a reservation to failed with a user-visible reason, tearing
// down whatever was provisioned. A failed launch takes no shutdown snapshot;
// there is nothing on the disk worth keeping.
func (c *Controller) fail(ctx context.Context, reservation *v1.Reservation, reason string) error {
	log.FromContext(ctx).WithValues("reason", reason).Info("failing reservation")
	if err := c.terminator.Terminate(ctx, reservation, v1.ReservationStatusFailed, reason, true); err != nil {
		return err
	}
	return c.promoteWaiters(ctx, reservation.GPUType)
}

func (c *Controller) save(ctx context.Context, reservation *v1.Reservation, expect v1.ReservationStatus) error {
	return c.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.SaveReservation(ctx, reservation, expect)
	})
}

func reservationDuration(reservation *v1.Reservation) time.Duration {
	return time.Duration(reservation.DurationHours * float64(time.Hour))
}
