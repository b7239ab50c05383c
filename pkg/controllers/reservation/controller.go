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

	"github.com/awslabs/operatorpkg/reconciler"
	"github.com/awslabs/operatorpkg/singleton"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"
	controllerruntime "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	v1 "github.com/gpu-dev/reservoir/pkg/apis/v1"
	"github.com/gpu-dev/reservoir/pkg/controllers/termination"
	"github.com/gpu-dev/reservoir/pkg/metrics"
	"github.com/gpu-dev/reservoir/pkg/operator/options"
	"github.com/gpu-dev/reservoir/pkg/providers/cluster"
	"github.com/gpu-dev/reservoir/pkg/providers/imagebuild"
	"github.com/gpu-dev/reservoir/pkg/providers/sandbox"
	"github.com/gpu-dev/reservoir/pkg/providers/volume"
	"github.com/gpu-dev/reservoir/pkg/store"
)

// Controller is the reservation processor. It drains the work queue one batch
// at a time and drives every reservation and disk state transition; keeping
// it the sole writer of those transitions is what makes them serializable.
type Controller struct {
	store              store.Store
	clk                clock.Clock
	clusterProvider    cluster.Provider
	volumeProvider     volume.Provider
	sandboxProvider    sandbox.Provider
	imageBuildProvider imagebuild.Provider
	terminator         *termination.Terminator
}

func NewController(store store.Store, clk clock.Clock, clusterProvider cluster.Provider, volumeProvider volume.Provider,
	sandboxProvider sandbox.Provider, imageBuildProvider imagebuild.Provider, terminator *termination.Terminator) *Controller {
	return &Controller{
		store:              store,
		clk:                clk,
		clusterProvider:    clusterProvider,
		volumeProvider:     volumeProvider,
		sandboxProvider:    sandboxProvider,
		imageBuildProvider: imageBuildProvider,
		terminator:         terminator,
	}
}

func (c *Controller) Reconcile(ctx context.Context) (reconciler.Result, error) {
	ctx = log.IntoContext(ctx, log.FromContext(ctx).WithValues("controller", "reservation"))
	opts := options.FromContext(ctx)

	messages, err := c.store.Dequeue(ctx, opts.BatchSize, opts.VisibilityTimeout(), opts.PollInterval())
	if err != nil {
		return reconciler.Result{}, fmt.Errorf("dequeuing messages, %w", err)
	}
	errs := make([]error, len(messages))
	for i, msg := range messages {
		errs[i] = c.handleMessage(ctx, msg)
	}
	return reconciler.Result{RequeueAfter: singleton.RequeueImmediately}, multierr.Combine(errs...)
}

func (c *Controller) handleMessage(ctx context.Context, msg *v1.Message) error {
	ctx = log.IntoContext(ctx, log.FromContext(ctx).WithValues("message", msg.ID, "kind", msg.Kind, "reservation", msg.ReservationID))
	start := c.clk.Now()
	err := c.dispatch(ctx, msg)
	MessageDuration.Observe(c.clk.Since(start).Seconds(), map[string]string{metrics.KindLabel: string(msg.Kind)})
	if err != nil {
		if delay, waiting := AsWaiting(err); waiting {
			log.FromContext(ctx).WithValues("delay", delay).V(1).Info("waiting on cluster, will check again")
			if nackErr := c.store.Nack(ctx, msg.ID, delay); nackErr != nil {
				return fmt.Errorf("delaying message, %w", nackErr)
			}
			return nil
		}
		if !errors.Is(err, store.ErrStatusConflict) {
			MessagesProcessed.Inc(map[string]string{metrics.KindLabel: string(msg.Kind), metrics.ResultLabel: "error"})
			// Leave the message in flight so the visibility timeout redelivers
			// it, the same path a crash would take.
			return fmt.Errorf("handling %s message, %w", msg.Kind, err)
		}
		// A concurrent writer settled the reservation first; its reclaim owns
		// the cleanup and this message has nothing left to do.
		log.FromContext(ctx).V(1).Info("lost a status race, dropping message")
	}
	if err := c.store.Ack(ctx, msg.ID); err != nil {
		return err
	}
	MessagesProcessed.Inc(map[string]string{metrics.KindLabel: string(msg.Kind), metrics.ResultLabel: "success"})
	return nil
}

func (c *Controller) dispatch(ctx context.Context, msg *v1.Message) error {
	switch msg.Kind {
	case v1.MessageKindCreate:
		return c.handleCreate(ctx, msg)
	case v1.MessageKindCancel:
		return c.handleCancel(ctx, msg)
	case v1.MessageKindExtend:
		return c.handleExtend(ctx, msg)
	case v1.MessageKindEnableInteractive:
		return c.handleInteractive(ctx, msg, true)
	case v1.MessageKindDisableInteractive:
		return c.handleInteractive(ctx, msg, false)
	case v1.MessageKindAddUser:
		return c.handleAddUser(ctx, msg)
	case v1.MessageKindRebuildImage:
		return c.handleRebuildImage(ctx, msg)
	case v1.MessageKindDiskCreate:
		return c.handleDiskCreate(ctx, msg)
	case v1.MessageKindDiskDelete:
		return c.handleDiskDelete(ctx, msg)
	default:
		// Redelivery cannot fix an unknown kind; drop it rather than poison
		// the queue.
		log.FromContext(ctx).Error(fmt.Errorf("unknown message kind %q", msg.Kind), "dropping message")
		return nil
	}
}

func (c *Controller) Register(_ context.Context, m manager.Manager) error {
	return controllerruntime.NewControllerManagedBy(m).
		Named("reservation").
		WatchesRawSource(singleton.Source()).
		Complete(singleton.AsReconciler(c))
}
