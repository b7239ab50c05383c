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

package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"

	v1 "github.com/gpu-dev/reservoir/pkg/apis/v1"
)

type warningMarker struct {
	MinutesRemaining int32     `json:"minutes_remaining"`
	ExpiresAt        time.Time `json:"expires_at"`
	WrittenAt        time.Time `json:"written_at"`
}

// WriteWarning drops an expiry notice file into the head pod where shell
// prompts and editor plugins can pick it up.
func (p *DefaultProvider) WriteWarning(ctx context.Context, reservation *v1.Reservation, minutesRemaining int32) error {
	marker := warningMarker{
		MinutesRemaining: minutesRemaining,
		WrittenAt:        time.Now().UTC(),
	}
	if reservation.ExpiresAt != nil {
		marker.ExpiresAt = *reservation.ExpiresAt
	}
	data, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("marshaling warning marker, %w", err)
	}
	if err := p.cluster.WriteFile(ctx, p.namespace, v1.SandboxName(reservation.ID), v1.SandboxContainerName, v1.WarningMarkerPath, data); err != nil {
		return fmt.Errorf("writing expiry warning, %w", err)
	}
	return nil
}

// AppendAuthorizedKeys grants additional public keys SSH access to every pod
// of a running reservation.
func (p *DefaultProvider) AppendAuthorizedKeys(ctx context.Context, reservation *v1.Reservation, sshKeys []string) error {
	if len(sshKeys) == 0 {
		return nil
	}
	data := []byte(strings.Join(sshKeys, "\n") + "\n")
	for index := range len(reservation.NodeNames) {
		if err := p.cluster.AppendFile(ctx, p.namespace, PodName(reservation.ID, index), v1.SandboxContainerName, authorizedKeysPath, data); err != nil {
			return fmt.Errorf("appending authorized keys, %w", err)
		}
	}
	return nil
}

// PatchInteractive adds or removes the interactive port on the sandbox
// service and returns the allocated node port, zero when disabled. Calling it
// with the state the service is already in is a no-op.
func (p *DefaultProvider) PatchInteractive(ctx context.Context, reservation *v1.Reservation, enabled bool) (int32, error) {
	svc, err := p.cluster.GetService(ctx, p.namespace, v1.SandboxName(reservation.ID))
	if err != nil {
		return 0, fmt.Errorf("getting sandbox service, %w", err)
	}
	has := lo.ContainsBy(svc.Spec.Ports, func(port corev1.ServicePort) bool { return port.Name == "interactive" })
	if enabled == has {
		return interactiveNodePort(svc), nil
	}
	if enabled {
		svc.Spec.Ports = append(svc.Spec.Ports, interactiveServicePort())
	} else {
		svc.Spec.Ports = lo.Reject(svc.Spec.Ports, func(port corev1.ServicePort, _ int) bool { return port.Name == "interactive" })
	}
	updated, err := p.cluster.UpdateService(ctx, svc)
	if err != nil {
		return 0, fmt.Errorf("updating sandbox service, %w", err)
	}
	return interactiveNodePort(updated), nil
}

func interactiveNodePort(svc *corev1.Service) int32 {
	for _, port := range svc.Spec.Ports {
		if port.Name == "interactive" {
			return port.NodePort
		}
	}
	return 0
}
