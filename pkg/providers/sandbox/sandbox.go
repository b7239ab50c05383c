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
	"fmt"
	"time"

	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/controller-runtime/pkg/log"

	v1 "github.com/gpu-dev/reservoir/pkg/apis/v1"
	"github.com/gpu-dev/reservoir/pkg/providers/cluster"
)

const (
	// deleteGracePeriod gives sshd time to close sessions before the kubelet
	// kills the sandbox.
	deleteGracePeriod = 30 * time.Second

	sshPort         = int32(22)
	interactivePort = int32(8888)
)

// Waiting reasons the kubelet cannot recover from by retrying the same pod
// spec.
var (
	imagePullFailureReasons = sets.New[string]("ErrImagePull", "ImagePullBackOff", "InvalidImageName")
	containerFailureReasons = sets.New[string]("CreateContainerConfigError", "CreateContainerError", "RunContainerError")
)

// LaunchFailedError reports a sandbox pod stuck in a state that waiting out
// cannot fix. Reason is what the reservation's owner sees.
type LaunchFailedError struct {
	Reason string
}

func (e *LaunchFailedError) Error() string {
	return e.Reason
}

// Endpoint is the externally reachable address of a sandbox.
type Endpoint struct {
	Host            string
	Port            int32
	InteractivePort int32
}

type Provider interface {
	// Create ensures the pods and service for a reservation exist. It is safe
	// to call again after a partial failure; resources that already exist are
	// adopted rather than recreated.
	Create(ctx context.Context, reservation *v1.Reservation, gpuType *v1.GPUType, sshKeys []string) error
	// IsReady reports whether the head pod is running with all containers
	// ready and the SSH node port has been allocated.
	IsReady(ctx context.Context, reservation *v1.Reservation) (bool, error)
	Endpoint(ctx context.Context, reservation *v1.Reservation) (*Endpoint, error)
	Delete(ctx context.Context, reservation *v1.Reservation) error
	// DeletePods removes the reservation's pods but keeps its service, so a
	// following Create rolls the pods without changing the node ports.
	DeletePods(ctx context.Context, reservation *v1.Reservation) error
	PatchInteractive(ctx context.Context, reservation *v1.Reservation, enabled bool) (int32, error)
	AppendAuthorizedKeys(ctx context.Context, reservation *v1.Reservation, sshKeys []string) error
	WriteWarning(ctx context.Context, reservation *v1.Reservation, minutesRemaining int32) error
	// PodEvents surfaces kubelet events for the head pod, used to detect OOM
	// kills and scheduling failures.
	PodEvents(ctx context.Context, reservation *v1.Reservation) ([]corev1.Event, error)
}

type DefaultProvider struct {
	cluster      cluster.Provider
	namespace    string
	defaultImage string
}

func NewDefaultProvider(cluster cluster.Provider, namespace, defaultImage string) *DefaultProvider {
	return &DefaultProvider{
		cluster:      cluster,
		namespace:    namespace,
		defaultImage: defaultImage,
	}
}

func (p *DefaultProvider) Create(ctx context.Context, reservation *v1.Reservation, gpuType *v1.GPUType, sshKeys []string) error {
	nodes := len(reservation.NodeNames)
	if nodes == 0 {
		return fmt.Errorf("creating sandbox for %s, no nodes assigned", reservation.ID)
	}
	for index := range nodes {
		pod, err := p.buildPod(reservation, gpuType, index, sshKeys)
		if err != nil {
			return err
		}
		if _, err := p.cluster.CreatePod(ctx, pod); err != nil {
			if !apierrors.IsAlreadyExists(err) {
				return fmt.Errorf("creating sandbox pod %s, %w", pod.Name, err)
			}
			log.FromContext(ctx).WithValues("pod", pod.Name).V(1).Info("adopted existing sandbox pod")
		}
	}
	svc := p.buildService(reservation)
	if _, err := p.cluster.CreateService(ctx, svc); err != nil {
		if !apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("creating sandbox service %s, %w", svc.Name, err)
		}
	}
	return nil
}

func (p *DefaultProvider) IsReady(ctx context.Context, reservation *v1.Reservation) (bool, error) {
	for index := range len(reservation.NodeNames) {
		pod, err := p.cluster.GetPod(ctx, p.namespace, PodName(reservation.ID, index))
		if err != nil {
			if apierrors.IsNotFound(err) {
				return false, nil
			}
			return false, fmt.Errorf("getting sandbox pod, %w", err)
		}
		if reason := launchFailure(pod); reason != "" {
			return false, &LaunchFailedError{Reason: reason}
		}
		if pod.Status.Phase != corev1.PodRunning {
			return false, nil
		}
		if !lo.EveryBy(pod.Status.ContainerStatuses, func(status corev1.ContainerStatus) bool { return status.Ready }) {
			return false, nil
		}
	}
	endpoint, err := p.Endpoint(ctx, reservation)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return endpoint.Host != "" && endpoint.Port != 0, nil
}

// launchFailure returns a user-facing reason when the pod is wedged in a
// state a redelivery cannot fix, or "" while it is still making progress.
func launchFailure(pod *corev1.Pod) string {
	if pod.Status.Phase == corev1.PodFailed {
		return fmt.Sprintf("Sandbox pod failed: %s", lo.CoalesceOrEmpty(pod.Status.Message, pod.Status.Reason, "unknown"))
	}
	statuses := append(append([]corev1.ContainerStatus{}, pod.Status.InitContainerStatuses...), pod.Status.ContainerStatuses...)
	for _, status := range statuses {
		waiting := status.State.Waiting
		if waiting == nil {
			continue
		}
		if imagePullFailureReasons.Has(waiting.Reason) {
			return fmt.Sprintf("Image pull failed: %s", status.Image)
		}
		if containerFailureReasons.Has(waiting.Reason) {
			return fmt.Sprintf("Container %s failed to start: %s", status.Name, lo.CoalesceOrEmpty(waiting.Message, waiting.Reason))
		}
	}
	return ""
}

func (p *DefaultProvider) Endpoint(ctx context.Context, reservation *v1.Reservation) (*Endpoint, error) {
	svc, err := p.cluster.GetService(ctx, p.namespace, v1.SandboxName(reservation.ID))
	if err != nil {
		return nil, fmt.Errorf("getting sandbox service, %w", err)
	}
	endpoint := &Endpoint{}
	for _, port := range svc.Spec.Ports {
		switch port.Name {
		case "ssh":
			endpoint.Port = port.NodePort
		case "interactive":
			endpoint.InteractivePort = port.NodePort
		}
	}
	node, err := p.cluster.GetNode(ctx, reservation.NodeNames[0])
	if err != nil {
		return nil, err
	}
	endpoint.Host = node.Address
	return endpoint, nil
}

// Delete tears down every pod and the service of a reservation. Resources
// already gone are not an error, so the teardown can be replayed.
func (p *DefaultProvider) Delete(ctx context.Context, reservation *v1.Reservation) error {
	if err := p.DeletePods(ctx, reservation); err != nil {
		return err
	}
	if err := p.cluster.DeleteService(ctx, p.namespace, v1.SandboxName(reservation.ID)); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting sandbox service, %w", err)
	}
	return nil
}

func (p *DefaultProvider) DeletePods(ctx context.Context, reservation *v1.Reservation) error {
	pods, err := p.cluster.ListPods(ctx, p.namespace, v1.SandboxSelector(reservation.ID))
	if err != nil {
		return err
	}
	for _, pod := range pods {
		if err := p.cluster.DeletePod(ctx, p.namespace, pod.Name, deleteGracePeriod); err != nil && !apierrors.IsNotFound(err) {
			return fmt.Errorf("deleting sandbox pod %s, %w", pod.Name, err)
		}
	}
	return nil
}

func (p *DefaultProvider) PodEvents(ctx context.Context, reservation *v1.Reservation) ([]corev1.Event, error) {
	return p.cluster.PodEvents(ctx, p.namespace, v1.SandboxName(reservation.ID))
}

// PodName returns the deterministic name of the index-th pod of a
// reservation. The head pod keeps the bare sandbox name so single-node
// reservations look the same as they always have.
func PodName(reservationID string, index int) string {
	if index == 0 {
		return v1.SandboxName(reservationID)
	}
	return fmt.Sprintf("%s-%d", v1.SandboxName(reservationID), index)
}
