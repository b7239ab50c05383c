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
	"github.com/gpu-dev/reservoir/pkg/store"
)

// handleAddUser grants a collaborator SSH access to a reservation. For a live
// sandbox the keys are appended in place; for one still waiting to launch the
// collaborator is recorded and picks up access at provision time. The cluster
// write happens before the store write so a crash between the two replays
// into a duplicate authorized_keys line, which sshd ignores, instead of a
// collaborator with no access.
func (c *Controller) handleAddUser(ctx context.Context, msg *v1.Message) error {
	payload, err := v1.UnmarshalPayload[v1.AddUserPayload](msg)
	if err != nil || payload.User == "" {
		log.FromContext(ctx).Error(err, "dropping add-user message without a usable user")
		return nil
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
	if payload.User == reservation.User || lo.Contains(reservation.Collaborators, payload.User) {
		return nil
	}
	user, err := c.store.GetUser(ctx, payload.User)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.FromContext(ctx).WithValues("user", payload.User).Error(err, "dropping add-user message for unknown user")
			return nil
		}
		return err
	}

	if reservation.Status == v1.ReservationStatusActive {
		if err := c.sandboxProvider.AppendAuthorizedKeys(ctx, reservation, user.SSHPublicKeys); err != nil {
			return err
		}
	}
	now := c.clk.Now().UTC()
	reservation.Collaborators = append(reservation.Collaborators, payload.User)
	reservation.LogEvent(now, v1.EventTypeAccess, fmt.Sprintf("added %s as a collaborator", payload.User))
	reservation.UpdatedAt = now
	if err := c.save(ctx, reservation, reservation.Status); err != nil {
		return err
	}
	log.FromContext(ctx).WithValues("user", payload.User).Info("added collaborator")
	return nil
}

// handleInteractive toggles the sandbox's second node port, the one that
// fronts notebook-style sessions. Only a live sandbox has a service to patch.
func (c *Controller) handleInteractive(ctx context.Context, msg *v1.Message, enabled bool) error {
	reservation, err := c.store.GetReservation(ctx, msg.ReservationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.FromContext(ctx).V(1).Info("reservation no longer exists, dropping message")
			return nil
		}
		return err
	}
	if reservation.Status != v1.ReservationStatusActive {
		log.FromContext(ctx).V(1).Info("ignoring interactive toggle for a reservation that is not active")
		return nil
	}
	port, err := c.sandboxProvider.PatchInteractive(ctx, reservation, enabled)
	if err != nil {
		return err
	}
	reservation.Interactive = enabled
	reservation.InteractivePort = port
	reservation.UpdatedAt = c.clk.Now().UTC()
	if err := c.save(ctx, reservation, v1.ReservationStatusActive); err != nil {
		return err
	}
	log.FromContext(ctx).WithValues("enabled", enabled, "port", port).Info("toggled interactive access")
	return nil
}
