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

package expiry

import (
	"context"
	"fmt"
	"time"

	"github.com/awslabs/operatorpkg/reconciler"
	"github.com/awslabs/operatorpkg/singleton"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"
	controllerruntime "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	v1 "github.com/gpu-dev/reservoir/pkg/apis/v1"
	"github.com/gpu-dev/reservoir/pkg/controllers/termination"
	"github.com/gpu-dev/reservoir/pkg/metrics"
	"github.com/gpu-dev/reservoir/pkg/operator/options"
	"github.com/gpu-dev/reservoir/pkg/providers/cluster"
	"github.com/gpu-dev/reservoir/pkg/providers/sandbox"
	"github.com/gpu-dev/reservoir/pkg/providers/volume"
	"github.com/gpu-dev/reservoir/pkg/scheduling"
	"github.com/gpu-dev/reservoir/pkg/store"
)

const (
	// tickInterval is the sweep cadence; the singleton reconciler never
	// overlaps ticks.
	tickInterval = 5 * time.Minute
	// tickTimeout is the hard deadline for one sweep.
	tickTimeout = 10 * time.Minute
	// stuckThreshold is how long a reservation may sit in preparing before
	// the sweep declares the provisioning attempt dead.
	stuckThreshold = 15 * time.Minute
)

// Controller is the expiry sweeper: warnings into live sandboxes as expiry
// approaches, reclamation once it passes, and the janitorial sweeps that keep
// stuck reservations, old snapshots, and retired disks from accumulating.
type Controller struct {
	store           store.Store
	clk             clock.Clock
	clusterProvider cluster.Provider
	volumeProvider  volume.Provider
	sandboxProvider sandbox.Provider
	terminator      *termination.Terminator
}

func NewController(store store.Store, clk clock.Clock, clusterProvider cluster.Provider, volumeProvider volume.Provider,
	sandboxProvider sandbox.Provider, terminator *termination.Terminator) *Controller {
	return &Controller{
		store:           store,
		clk:             clk,
		clusterProvider: clusterProvider,
		volumeProvider:  volumeProvider,
		sandboxProvider: sandboxProvider,
		terminator:      terminator,
	}
}

func (c *Controller) Reconcile(ctx context.Context) (reconciler.Result, error) {
	ctx = log.IntoContext(ctx, log.FromContext(ctx).WithValues("controller", "expiry"))
	ctx, cancel := context.WithTimeout(ctx, tickTimeout)
	defer cancel()

	start := c.clk.Now()
	// Freed GPU types collect across the sweeps so waiters get promoted once,
	// at the end, against settled capacity.
	freed := sets.New[string]()
	err := multierr.Combine(
		c.sweepWarnings(ctx),
		c.sweepExpired(ctx, freed),
		c.sweepStuck(ctx, freed),
		c.sweepSnapshots(ctx),
		c.sweepOOM(ctx),
		c.sweepSoftDeleted(ctx),
		c.promoteWaiters(ctx, freed),
	)
	TickDuration.Observe(c.clk.Since(start).Seconds(), nil)
	return reconciler.Result{RequeueAfter: tickInterval}, err
}

// warningLevels returns the minutes-to-expiry thresholds at which warnings
// fire, largest first. The configured warning is the earliest; 15 and 5
// always fire so a short reservation still gets a countdown.
func warningLevels(opts *options.Options) []int32 {
	levels := []int32{int32(opts.WarningMinutes)}
	for _, level := range []int32{15, 5} {
		if level < int32(opts.WarningMinutes) {
			levels = append(levels, level)
		}
	}
	return levels
}

// sweepWarnings drops an expiry notice into every live sandbox that has
// crossed a warning threshold it has not been told about yet. Writing is
// best-effort: a sandbox that cannot be reached keeps its flag unset and is
// retried next tick.
func (c *Controller) sweepWarnings(ctx context.Context) error {
	opts := options.FromContext(ctx)
	active, err := c.store.ListReservations(ctx, store.ReservationFilter{
		Statuses: []v1.ReservationStatus{v1.ReservationStatusActive},
	})
	if err != nil {
		return err
	}
	now := c.clk.Now().UTC()
	var errs error
	for _, reservation := range active {
		minutes, ok := reservation.MinutesToExpiry(now)
		if !ok || minutes < 0 {
			continue
		}
		crossed := lo.Filter(warningLevels(opts), func(level int32, _ int) bool {
			return minutes <= level && !reservation.WarningSent(level)
		})
		if len(crossed) == 0 {
			continue
		}
		if err := c.sandboxProvider.WriteWarning(ctx, reservation, minutes); err != nil {
			log.FromContext(ctx).WithValues("reservation", reservation.ID, "error", err).V(1).Info("could not deliver expiry warning, will retry")
			continue
		}
		for _, level := range crossed {
			reservation.MarkWarningSent(level)
		}
		reservation.LogEvent(now, v1.EventTypeWarning, fmt.Sprintf("expiry warning delivered, %d minutes remain", minutes))
		reservation.UpdatedAt = now
		if err := c.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.SaveReservation(ctx, reservation, v1.ReservationStatusActive)
		}); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("recording warning for %s, %w", reservation.ID, err))
			continue
		}
		WarningsDelivered.Inc(map[string]string{metrics.GPUTypeLabel: reservation.GPUType})
		log.FromContext(ctx).WithValues("reservation", reservation.ID, "minutes", minutes).Info("delivered expiry warning")
	}
	return errs
}

// sweepExpired reclaims every active reservation past expiry plus the grace
// period: shutdown snapshot, sandbox teardown, disk release, status expired.
// One reservation failing to reclaim never blocks the others.
func (c *Controller) sweepExpired(ctx context.Context, freed sets.Set[string]) error {
	opts := options.FromContext(ctx)
	active, err := c.store.ListReservations(ctx, store.ReservationFilter{
		Statuses: []v1.ReservationStatus{v1.ReservationStatusActive},
	})
	if err != nil {
		return err
	}
	now := c.clk.Now().UTC()
	var errs error
	for _, reservation := range active {
		if reservation.ExpiresAt == nil || now.Sub(*reservation.ExpiresAt) < opts.GracePeriod() {
			continue
		}
		log.FromContext(ctx).WithValues("reservation", reservation.ID, "expired-at", reservation.ExpiresAt).Info("reclaiming expired reservation")
		if err := c.terminator.Terminate(ctx, reservation, v1.ReservationStatusExpired, "", false); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("expiring %s, %w", reservation.ID, err))
			continue
		}
		freed.Insert(reservation.GPUType)
	}
	return errs
}

// sweepStuck fails reservations wedged in preparing and cancels waiters
// whose admission is no longer valid, so a crashed provisioning attempt or a
// retired GPU type cannot strand a reservation forever.
func (c *Controller) sweepStuck(ctx context.Context, freed sets.Set[string]) error {
	gpuTypes, err := c.store.ListGPUTypes(ctx)
	if err != nil {
		return err
	}
	byName := lo.SliceToMap(gpuTypes, func(g *v1.GPUType) (string, *v1.GPUType) { return g.Name, g })
	candidates, err := c.store.ListReservations(ctx, store.ReservationFilter{
		Statuses: []v1.ReservationStatus{
			v1.ReservationStatusPending, v1.ReservationStatusQueued, v1.ReservationStatusPreparing,
		},
	})
	if err != nil {
		return err
	}
	now := c.clk.Now().UTC()
	var errs error
	for _, reservation := range candidates {
		if now.Sub(reservation.UpdatedAt) < stuckThreshold {
			continue
		}
		switch reservation.Status {
		case v1.ReservationStatusPreparing:
			log.FromContext(ctx).WithValues("reservation", reservation.ID, "since", reservation.UpdatedAt).Info("failing stuck reservation")
			if err := c.terminator.Terminate(ctx, reservation, v1.ReservationStatusFailed, "provisioning timed out", true); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("failing stuck %s, %w", reservation.ID, err))
				continue
			}
			StuckReservations.Inc(map[string]string{metrics.StatusLabel: string(v1.ReservationStatusPreparing)})
			freed.Insert(reservation.GPUType)
		default:
			gpuType, ok := byName[reservation.GPUType]
			if ok && gpuType.Active {
				// Still validly waiting; capacity just has not freed yet.
				continue
			}
			reason := fmt.Sprintf("gpu type %q is no longer offered", reservation.GPUType)
			log.FromContext(ctx).WithValues("reservation", reservation.ID, "reason", reason).Info("cancelling stale waiter")
			if err := c.terminator.Terminate(ctx, reservation, v1.ReservationStatusCancelled, reason, true); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("cancelling stale %s, %w", reservation.ID, err))
				continue
			}
			StuckReservations.Inc(map[string]string{metrics.StatusLabel: string(reservation.Status)})
		}
	}
	return errs
}

// sweepSnapshots prunes each disk down to the newest retained snapshots and
// syncs the snapshot counters against the cloud, moving snapshots that
// finished since the last tick from pending to completed.
func (c *Controller) sweepSnapshots(ctx context.Context) error {
	opts := options.FromContext(ctx)
	disks, err := c.store.ListDisks(ctx, store.DiskFilter{})
	if err != nil {
		return err
	}
	snapshots, err := c.volumeProvider.ListSnapshots(ctx)
	if err != nil {
		return err
	}
	byVolume := lo.GroupBy(snapshots, func(s *volume.Snapshot) string { return s.VolumeID })

	var errs error
	for _, disk := range disks {
		if disk.VolumeID == "" {
			continue
		}
		// Newest first, inherited from ListSnapshots ordering.
		completed := lo.Filter(byVolume[disk.VolumeID], func(s *volume.Snapshot, _ int) bool {
			return s.State == volume.SnapshotStateCompleted
		})
		pending := lo.CountBy(byVolume[disk.VolumeID], func(s *volume.Snapshot) bool {
			return s.State == volume.SnapshotStatePending
		})
		pruned := false
		for _, old := range completed[min(len(completed), opts.SnapshotRetentionCount):] {
			if err := c.volumeProvider.DeleteSnapshot(ctx, old.ID); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("pruning snapshot %s, %w", old.ID, err))
				continue
			}
			SnapshotsPruned.Inc(nil)
			pruned = true
		}
		if pruned {
			completed = completed[:min(len(completed), opts.SnapshotRetentionCount)]
		}

		count, pendingCount := int32(len(completed)), int32(pending)
		lastID := disk.LastSnapshotID
		if len(completed) > 0 {
			lastID = completed[0].ID
		}
		if disk.SnapshotCount == count && disk.PendingSnapshotCount == pendingCount && disk.LastSnapshotID == lastID {
			continue
		}
		disk.SnapshotCount, disk.PendingSnapshotCount, disk.LastSnapshotID = count, pendingCount, lastID
		if err := c.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.SaveDisk(ctx, disk)
		}); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("syncing snapshot counters of disk %s, %w", disk.ID, err))
		}
	}
	return errs
}

// sweepOOM surfaces out-of-memory kills inside running sandboxes into the
// reservation's activity log so the CLI can tell the user why their process
// died.
func (c *Controller) sweepOOM(ctx context.Context) error {
	active, err := c.store.ListReservations(ctx, store.ReservationFilter{
		Statuses: []v1.ReservationStatus{v1.ReservationStatusActive},
	})
	if err != nil {
		return err
	}
	var errs error
	for _, reservation := range active {
		if reservation.SandboxName == "" {
			continue
		}
		events, err := c.sandboxProvider.PodEvents(ctx, reservation)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("reading events of %s, %w", reservation.ID, err))
			continue
		}
		oom, ok := latestOOM(events)
		if !ok || alreadyLogged(reservation, oom) {
			continue
		}
		reservation.LogEvent(oom.UTC(), v1.EventTypeOOM, "a process in the sandbox was killed by the kernel OOM killer")
		reservation.UpdatedAt = c.clk.Now().UTC()
		if err := c.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.SaveReservation(ctx, reservation, v1.ReservationStatusActive)
		}); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("recording OOM for %s, %w", reservation.ID, err))
			continue
		}
		OOMKills.Inc(map[string]string{metrics.GPUTypeLabel: reservation.GPUType})
		log.FromContext(ctx).WithValues("reservation", reservation.ID, "at", oom).Info("detected OOM kill in sandbox")
	}
	return errs
}

func latestOOM(events []corev1.Event) (time.Time, bool) {
	var latest time.Time
	for _, event := range events {
		if event.Reason != "OOMKilling" && event.Reason != "OOMKilled" {
			continue
		}
		at := event.LastTimestamp.Time
		if at.IsZero() {
			at = event.FirstTimestamp.Time
		}
		if at.After(latest) {
			latest = at
		}
	}
	return latest, !latest.IsZero()
}

// alreadyLogged dedupes by timestamp: one kernel OOM kill produces one log
// entry no matter how many ticks observe its event.
func alreadyLogged(reservation *v1.Reservation, at time.Time) bool {
	return lo.ContainsBy(reservation.Events, func(e v1.Event) bool {
		return e.Type == v1.EventTypeOOM && !e.Time.Before(at.UTC())
	})
}

// sweepSoftDeleted hard-deletes disk rows whose retention window has closed,
// removing any cloud volume that somehow survived. Snapshots are kept; they
// are the last copy of the user's data.
func (c *Controller) sweepSoftDeleted(ctx context.Context) error {
	opts := options.FromContext(ctx)
	disks, err := c.store.ListDisks(ctx, store.DiskFilter{
		Statuses: []v1.DiskStatus{v1.DiskStatusSoftDeleted},
	})
	if err != nil {
		return err
	}
	now := c.clk.Now().UTC()
	var errs error
	for _, disk := range disks {
		if disk.SoftDeletedAt == nil || now.Sub(*disk.SoftDeletedAt) < opts.SoftDeleteRetention() {
			continue
		}
		if disk.VolumeID != "" {
			if err := c.volumeProvider.Delete(ctx, disk.VolumeID); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("deleting volume of retired disk %s, %w", disk.ID, err))
				continue
			}
		}
		if err := c.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.DeleteDisk(ctx, disk.ID)
		}); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("hard-deleting disk %s, %w", disk.ID, err))
			continue
		}
		DisksHardDeleted.Inc(nil)
		log.FromContext(ctx).WithValues("disk", disk.ID, "user", disk.User, "soft-deleted-at", disk.SoftDeletedAt).Info("hard-deleted disk past retention")
	}
	return errs
}

// promoteWaiters hands parked waiters of the freed GPU types back to the
// processor. Promotion is optimistic: the create handler re-verifies fit on
// delivery, so a stale snapshot only costs a round trip to the waiting line.
func (c *Controller) promoteWaiters(ctx context.Context, freed sets.Set[string]) error {
	if freed.Len() == 0 {
		return nil
	}
	opts := options.FromContext(ctx)
	gpuTypes, err := c.store.ListGPUTypes(ctx)
	if err != nil {
		return err
	}
	nodes, err := c.clusterProvider.ListNodes(ctx)
	if err != nil {
		return err
	}
	pods, err := c.clusterProvider.ListPods(ctx, opts.SandboxNamespace, v1.ManagedSelector())
	if err != nil {
		return err
	}
	snapshot := scheduling.NewSnapshot(gpuTypes, nodes, pods, int32(opts.CPUSlotsPerNode))

	var errs error
	for gpuType := range freed {
		queued, err := c.store.ListReservations(ctx, store.ReservationFilter{
			GPUType:  gpuType,
			Statuses: []v1.ReservationStatus{v1.ReservationStatusQueued},
		})
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		for _, waiter := range scheduling.Promotable(snapshot, queued) {
			if err := c.store.Enqueue(ctx, &v1.Message{
				ID:            v1.PromotionMessageID(waiter.ID),
				Kind:          v1.MessageKindCreate,
				ReservationID: waiter.ID,
			}); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			log.FromContext(ctx).WithValues("gpu-type", gpuType, "reservation", waiter.ID).Info("promoted waiter")
		}
	}
	return errs
}

func (c *Controller) Register(_ context.Context, m manager.Manager) error {
	return controllerruntime.NewControllerManagedBy(m).
		Named("expiry").
		WatchesRawSource(singleton.Source()).
		Complete(singleton.AsReconciler(c))
}
