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

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/log"

	v1 "github.com/gpu-dev/reservoir/pkg/apis/v1"
	"github.com/gpu-dev/reservoir/pkg/operator/options"
	"github.com/gpu-dev/reservoir/pkg/providers/imagebuild"
	"github.com/gpu-dev/reservoir/pkg/store"
)

// handleRebuildImage bakes the sandbox's home directory into a new image and
// rolls the pods onto it. The build runs as a job on the head node so it can
// mount the same home volume; the message waits in the queue, redelivered on
// a poll cadence, until the build settles. The sandbox stays up and reachable
// the whole time, and its service is kept so the SSH endpoint never changes.
func (c *Controller) handleRebuildImage(ctx context.Context, msg *v1.Message) error {
	payload, err := v1.UnmarshalPayload[v1.RebuildImagePayload](msg)
	if err != nil || payload.Image == "" {
		log.FromContext(ctx).Error(err, "dropping rebuild message without a usable image")
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
	if reservation.Status != v1.ReservationStatusActive {
		log.FromContext(ctx).V(1).Info("ignoring rebuild for a reservation that is not active")
		return nil
	}

	if err := c.imageBuildProvider.Ensure(ctx, reservation, payload.Image); err != nil {
		if errors.Is(err, imagebuild.ErrInvalidImage) {
			return c.finishRebuild(ctx, reservation, fmt.Sprintf("image rebuild rejected: %q is not a valid image reference", payload.Image))
		}
		return err
	}
	status, err := c.imageBuildProvider.Status(ctx, reservation)
	if err != nil {
		return err
	}
	switch status {
	case imagebuild.StatusFailed:
		if err := c.imageBuildProvider.Delete(ctx, reservation); err != nil {
			return err
		}
		return c.finishRebuild(ctx, reservation, fmt.Sprintf("image build for %s failed, sandbox unchanged", payload.Image))
	case imagebuild.StatusSucceeded:
		return c.rollImage(ctx, reservation, payload.Image)
	default:
		return NewWaitingError(fmt.Errorf("image build for %s is %s", reservation.ID, status), buildPollDelay)
	}
}

// rollImage replaces the sandbox pods with ones running the freshly built
// image. Pods are deleted before the image is recorded, so a crash replays
// into the delete again rather than leaving old pods behind a new record.
func (c *Controller) rollImage(ctx context.Context, reservation *v1.Reservation, image string) error {
	opts := options.FromContext(ctx)
	head, err := c.clusterProvider.GetPod(ctx, opts.SandboxNamespace, v1.SandboxName(reservation.ID))
	if err != nil && !apierrors.IsNotFound(err) {
		return err
	}
	rolled := err == nil && headImage(head) == image

	if !rolled {
		if err := c.sandboxProvider.DeletePods(ctx, reservation); err != nil {
			return err
		}
		reservation.Image = image
		reservation.UpdatedAt = c.clk.Now().UTC()
		if err := c.save(ctx, reservation, v1.ReservationStatusActive); err != nil {
			return err
		}
	}
	gpuType, err := c.store.GetGPUType(ctx, reservation.GPUType)
	if err != nil {
		return err
	}
	sshKeys, err := c.authorizedKeys(ctx, reservation)
	if err != nil {
		return err
	}
	if err := c.sandboxProvider.Create(ctx, reservation, gpuType, sshKeys); err != nil {
		return err
	}
	ready, err := c.sandboxProvider.IsReady(ctx, reservation)
	if err != nil {
		return err
	}
	if !ready {
		return NewWaitingError(fmt.Errorf("sandbox for %s is restarting on the new image", reservation.ID), readyPollDelay)
	}
	if err := c.finishRebuild(ctx, reservation, fmt.Sprintf("rebuilt onto %s", image)); err != nil {
		return err
	}
	return c.imageBuildProvider.Delete(ctx, reservation)
}

// finishRebuild records the outcome in the activity log. Rebuilds never fail
// the reservation; the sandbox keeps running on whatever image it had.
func (c *Controller) finishRebuild(ctx context.Context, reservation *v1.Reservation, message string) error {
	now := c.clk.Now().UTC()
	reservation.LogEvent(now, v1.EventTypeRebuild, message)
	reservation.UpdatedAt = now
	if err := c.save(ctx, reservation, v1.ReservationStatusActive); err != nil {
		return err
	}
	log.FromContext(ctx).Info(message)
	return nil
}

func headImage(pod *corev1.Pod) string {
	for _, container := range pod.Spec.Containers {
		if container.Name == v1.SandboxContainerName {
			return container.Image
		}
	}
	return ""
}
