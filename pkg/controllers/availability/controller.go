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
	"fmt"
	"os"
	"time"

	"github.com/awslabs/operatorpkg/reconciler"
	"github.com/awslabs/operatorpkg/singleton"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
	controllerruntime "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	v1 "github.com/gpu-dev/reservoir/pkg/apis/v1"
	"github.com/gpu-dev/reservoir/pkg/metrics"
	"github.com/gpu-dev/reservoir/pkg/operator/options"
	"github.com/gpu-dev/reservoir/pkg/providers/cluster"
	"github.com/gpu-dev/reservoir/pkg/providers/volume"
	"github.com/gpu-dev/reservoir/pkg/scheduling"
	"github.com/gpu-dev/reservoir/pkg/store"
)

const (
	// tickInterval is the cadence of the availability tick. Readers treat a
	// catalog row older than one interval as a liveness alarm.
	tickInterval = 5 * time.Minute
	// tickTimeout bounds one tick; the singleton reconciler never overlaps
	// ticks, so a hung cloud call must not stall the cadence forever.
	tickTimeout = 10 * time.Minute
)

// Controller is the availability tracker: a periodic singleton that
// recomputes per-GPU-type capacity from live cluster telemetry and converges
// the disk table toward the cloud volume inventory.
type Controller struct {
	store           store.Store
	clk             clock.Clock
	clusterProvider cluster.Provider
	volumeProvider  volume.Provider
	// updatedBy identifies this replica in the catalog rows it writes.
	updatedBy string
}

func NewController(store store.Store, clk clock.Clock, clusterProvider cluster.Provider, volumeProvider volume.Provider) *Controller {
	hostname, _ := os.Hostname()
	return &Controller{
		store:           store,
		clk:             clk,
		clusterProvider: clusterProvider,
		volumeProvider:  volumeProvider,
		updatedBy:       lo.CoalesceOrEmpty(hostname, "availability-tracker"),
	}
}

func (c *Controller) Reconcile(ctx context.Context) (reconciler.Result, error) {
	ctx = log.IntoContext(ctx, log.FromContext(ctx).WithValues("controller", "availability"))
	ctx, cancel := context.WithTimeout(ctx, tickTimeout)
	defer cancel()

	start := c.clk.Now()
	err := multierr.Combine(
		c.updateAvailability(ctx),
		c.reconcileDisks(ctx),
	)
	TickDuration.Observe(c.clk.Since(start).Seconds(), nil)
	return reconciler.Result{RequeueAfter: tickInterval}, err
}

// updateAvailability recomputes the dynamic catalog columns for every active
// GPU type from one consistent node and pod listing, then refreshes the
// outlook of the waiting line against the new numbers.
func (c *Controller) updateAvailability(ctx context.Context) error {
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

	now := c.clk.Now().UTC()
	group, groupCtx := errgroup.WithContext(ctx)
	for _, gpuType := range lo.Filter(gpuTypes, func(g *v1.GPUType, _ int) bool { return g.Active }) {
		group.Go(func() error {
			if err := c.updateGPUType(groupCtx, snapshot, gpuType, now); err != nil {
				return fmt.Errorf("updating availability of %s, %w", gpuType.Name, err)
			}
			return c.refreshWaiters(groupCtx, snapshot, gpuType.Name)
		})
	}
	return group.Wait()
}

func (c *Controller) updateGPUType(ctx context.Context, snapshot *scheduling.Snapshot, gpuType *v1.GPUType, now time.Time) error {
	opts := options.FromContext(ctx)
	stats := snapshot.Stats(gpuType.Name, int32(opts.MultiNodeCapNodes))
	if gpuType.CPUOnly() {
		// CPU-only capacity is user slots, not GPUs, and a single slot is
		// always the largest grant.
		stats.TotalGPUs, stats.AvailableGPUs = 0, 0
		if stats.MaxReservable > 1 {
			stats.MaxReservable = 1
		}
	}
	gpuType.TotalGPUs = stats.TotalGPUs
	gpuType.AvailableGPUs = stats.AvailableGPUs
	gpuType.MaxReservable = stats.MaxReservable
	gpuType.FullNodesAvailable = stats.FullNodesAvailable
	gpuType.RunningInstances = stats.RunningInstances
	gpuType.LastUpdatedAt = &now
	gpuType.UpdatedBy = c.updatedBy
	if err := c.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.UpsertGPUType(ctx, gpuType)
	}); err != nil {
		return err
	}
	labels := map[string]string{metrics.GPUTypeLabel: gpuType.Name}
	TotalGPUs.Set(float64(stats.TotalGPUs), labels)
	AvailableGPUs.Set(float64(stats.AvailableGPUs), labels)
	MaxReservable.Set(float64(stats.MaxReservable), labels)
	FullNodesAvailable.Set(float64(stats.FullNodesAvailable), labels)
	log.FromContext(ctx).WithValues(
		"gpu-type", gpuType.Name,
		"total", stats.TotalGPUs,
		"available", stats.AvailableGPUs,
		"full-nodes", stats.FullNodesAvailable,
		"max-reservable", stats.MaxReservable,
	).V(1).Info("updated availability")
	return nil
}

// refreshWaiters recomputes queue position and ETA for every parked waiter of
// a GPU type and hands the ones that now fit back to the processor. The
// processor re-verifies fit on delivery, so promoting from a snapshot that is
// a few seconds stale only costs a round trip back to the waiting line.
func (c *Controller) refreshWaiters(ctx context.Context, snapshot *scheduling.Snapshot, gpuType string) error {
	queued, err := c.store.ListReservations(ctx, store.ReservationFilter{
		GPUType:  gpuType,
		Statuses: []v1.ReservationStatus{v1.ReservationStatusQueued},
	})
	if err != nil {
		return err
	}
	if len(queued) == 0 {
		return nil
	}
	active, err := c.store.ListReservations(ctx, store.ReservationFilter{
		GPUType:  gpuType,
		Statuses: []v1.ReservationStatus{v1.ReservationStatusActive},
	})
	if err != nil {
		return err
	}

	byID := lo.SliceToMap(queued, func(r *v1.Reservation) (string, *v1.Reservation) { return r.ID, r })
	for _, entry := range scheduling.Outlook(c.clk.Now().UTC(), snapshot, queued, active) {
		waiter := byID[entry.ReservationID]
		position := lo.ToPtr(entry.Position)
		var eta *int32
		if entry.ETAKnown {
			eta = lo.ToPtr(entry.ETAMinutes)
		}
		if lo.FromPtr(waiter.QueuePosition) == lo.FromPtr(position) && lo.FromPtr(waiter.ETAMinutes) == lo.FromPtr(eta) {
			continue
		}
		waiter.QueuePosition, waiter.ETAMinutes = position, eta
		waiter.UpdatedAt = c.clk.Now().UTC()
		if err := c.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.SaveReservation(ctx, waiter, v1.ReservationStatusQueued)
		}); err != nil {
			// The waiter moved on (cancelled, promoted) between the list and
			// the write; its outlook no longer matters.
			log.FromContext(ctx).WithValues("reservation", waiter.ID, "error", err).V(1).Info("skipping outlook update")
		}
	}

	for _, waiter := range scheduling.Promotable(snapshot, queued) {
		if err := c.store.Enqueue(ctx, &v1.Message{
			ID:            v1.PromotionMessageID(waiter.ID),
			Kind:          v1.MessageKindCreate,
			ReservationID: waiter.ID,
		}); err != nil {
			return err
		}
		log.FromContext(ctx).WithValues("gpu-type", gpuType, "reservation", waiter.ID).Info("promoted waiter")
	}
	return nil
}

func (c *Controller) Register(_ context.Context, m manager.Manager) error {
	return controllerruntime.NewControllerManagedBy(m).
		Named("availability").
		WatchesRawSource(singleton.Source()).
		Complete(singleton.AsReconciler(c))
}
