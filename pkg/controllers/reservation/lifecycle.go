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

	"github.com/samber/lo"
	"sigs.k8s.io/controller-runtime/pkg/log"

	v1 "github.com/gpu-dev/reservoir/pkg/apis/v1"
	"github.com/gpu-dev/reservoir/pkg/operator/options"
	"github.com/gpu-dev/reservoir/pkg/store"
)

// handleCancel ends a reservation at the user's request. Cancelling a parked
// waiter just removes it from the line; cancelling a live reservation tears
// the sandbox down, with a shutdown snapshot of its disk unless skipped.
func (c *Controller) handleCancel(ctx context.Context, msg *v1.Message) error {
	payload, err := v1.UnmarshalPayload[v1.CancelPayload](msg)
	if err != nil {
		log.FromContext(ctx).Error(err, "parsing cancel payload, keeping the shutdown snapshot")
	}
	reservation, err := c.store.GetReservation(ctx, msg.ReservationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.FromContext(ctx).V(1).Info("reservation no longer exists, dropping message")
			return nil
		}
		return err
	}
	if reservation.Status.Terminal() {
		return nil
	}
	log.FromContext(ctx).WithValues("status", reservation.Status).Info("cancelling reservation")
	if err := c.terminator.Terminate(ctx, reservation, v1.ReservationStatusCancelled, "", payload.SkipSnapshot); err != nil {
		return err
	}
	return c.promoteWaiters(ctx, reservation.GPUType)
}

// handleExtend pushes an active reservation's expiry out by the requested
// hours, bounded so the total lifetime never exceeds the platform maximum.
// A denied extension is recorded in the activity log rather than failing the
// reservation.
func (c *Controller) handleExtend(ctx context.Context, msg *v1.Message) error {
	opts := options.FromContext(ctx)
	payload, err := v1.UnmarshalPayload[v1.ExtendPayload](msg)
	if err != nil {
		log.FromContext(ctx).Error(err, "parsing extend payload, granting the default")
	}
	reservation, err := c.store.GetReservation(ctx, msg.ReservationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.FromContext(ctx).V(1).Info("reservation no longer exists, dropping message")
			return nil
		}
		return err
	}
	if reservation.Status != v1.ReservationStatusActive || reservation.ExpiresAt == nil {
		log.FromContext(ctx).V(1).Info("ignoring extend for a reservation that is not active")
		return nil
	}

	hours := payload.Hours
	if hours <= 0 {
		hours = float64(opts.DefaultExtensionHours)
	}
	now := c.clk.Now().UTC()
	if reservation.ExtensionCount >= 1 {
		log.FromContext(ctx).Info("denying second extension")
		reservation.LogEvent(now, v1.EventTypeExtended, "extension denied: reservations can only be extended once")
		reservation.UpdatedAt = now
		return c.save(ctx, reservation, v1.ReservationStatusActive)
	}
	total := reservation.DurationHours + hours
	if total > float64(opts.MaxReservationHours) {
		log.FromContext(ctx).WithValues("hours", hours, "total", total).Info("denying extension beyond the maximum lifetime")
		reservation.LogEvent(now, v1.EventTypeExtended,
			fmt.Sprintf("extension denied: %.1fh total would exceed the %dh maximum", total, opts.MaxReservationHours))
		reservation.UpdatedAt = now
		return c.save(ctx, reservation, v1.ReservationStatusActive)
	}

	reservation.DurationHours = total
	reservation.ExpiresAt = lo.ToPtr(reservation.ExpiresAt.Add(time.Duration(hours * float64(time.Hour))))
	reservation.ExtensionCount++
	// The new expiry gets its own round of warnings.
	reservation.WarningsSent = nil
	reservation.LogEvent(now, v1.EventTypeExtended,
		fmt.Sprintf("extended by %.1fh, now expires at %s", hours, reservation.ExpiresAt.Format(time.RFC3339)))
	reservation.UpdatedAt = now
	if err := c.save(ctx, reservation, v1.ReservationStatusActive); err != nil {
		return err
	}
	log.FromContext(ctx).WithValues("hours", hours, "expires-at", reservation.ExpiresAt).Info("extended reservation")
	return nil
}
