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

	"sigs.k8s.io/controller-runtime/pkg/log"

	v1 "github.com/gpu-dev/reservoir/pkg/apis/v1"
	"github.com/gpu-dev/reservoir/pkg/metrics"
	"github.com/gpu-dev/reservoir/pkg/scheduling"
)

// promoteWaiters re-enqueues a create for every parked waiter the current
// free capacity can seat, in strict arrival order. The line blocks at the
// first waiter that does not fit; letting smaller requests jump ahead would
// starve large ones forever.
func (c *Controller) promoteWaiters(ctx context.Context, gpuType string) error {
	view, err := c.buildView(ctx, gpuType)
	if err != nil {
		return err
	}
	promotable := scheduling.Promotable(view.snapshot, view.queued)
	for _, waiter := range promotable {
		if err := c.store.Enqueue(ctx, &v1.Message{
			ID:            v1.PromotionMessageID(waiter.ID),
			Kind:          v1.MessageKindCreate,
			ReservationID: waiter.ID,
		}); err != nil {
			return err
		}
		WaitersPromoted.Inc(map[string]string{metrics.GPUTypeLabel: gpuType})
	}
	if len(promotable) > 0 {
		log.FromContext(ctx).WithValues("gpu-type", gpuType, "count", len(promotable)).Info("promoted waiters")
	}
	return nil
}
