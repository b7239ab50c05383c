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

package v1

import (
	corev1 "k8s.io/api/core/v1"
)

const (
	// Group is the label and tag domain for everything this control plane owns.
	Group = "gpu-dev.io"

	LabelReservationID = Group + "/reservation-id"
	LabelUser          = Group + "/user"
	LabelGPUType       = Group + "/gpu-type"
	LabelManaged       = Group + "/managed"
	// LabelIndex distinguishes the pods of a multi-node reservation. Index 0
	// is the head pod that receives the SSH endpoint.
	LabelIndex = Group + "/index"

	// TagManaged marks cloud volumes and snapshots owned by the platform.
	// Volumes without it are invisible to the disk reconciler.
	TagManaged       = Group + "/managed"
	TagUser          = Group + "/user"
	TagDiskName      = Group + "/disk-name"
	TagReservationID = Group + "/reservation-id"
	TagName          = "Name"

	// ResourceNVIDIAGPU is the extended resource advertised by GPU nodes and
	// requested by sandbox pods.
	ResourceNVIDIAGPU corev1.ResourceName = "nvidia.com/gpu"

	// WarningMarkerPath is where the expiry sweeper writes impending-expiry
	// notices inside a live sandbox.
	WarningMarkerPath = "/run/gpu-dev/expiry-warning"

	// SandboxContainerName is the single user-facing container in every
	// sandbox pod.
	SandboxContainerName = "sandbox"

	ManagedValue = "true"

	// DefaultDiskName is the disk attached when a request names none.
	DefaultDiskName = "home"
)

// SandboxName returns the deterministic pod and service name for a
// reservation. Deriving it from the reservation id makes "did I already
// create this?" a cheap, correct question on message redelivery.
func SandboxName(reservationID string) string {
	return "sandbox-" + reservationID
}

// ImageBuildJobName returns the deterministic job name for a user image
// rebuild of a reservation.
func ImageBuildJobName(reservationID string) string {
	return "imagebuild-" + reservationID
}

// PromotionMessageID returns the deterministic id of the create message that
// promotes a parked waiter. Determinism plus the queue's insert-once makes
// promotion from several paths (terminal transitions, the availability tick)
// collapse into a single delivery.
func PromotionMessageID(reservationID string) string {
	return "promote-" + reservationID
}

// SandboxSelector returns the label selector map identifying the sandbox
// resources of a reservation.
func SandboxSelector(reservationID string) map[string]string {
	return map[string]string{LabelReservationID: reservationID}
}

// HeadSelector returns the label selector map identifying the head pod of a
// reservation, the target of its SSH service.
func HeadSelector(reservationID string) map[string]string {
	return map[string]string{LabelReservationID: reservationID, LabelIndex: "0"}
}

// ManagedSelector returns the label selector map identifying every resource
// this control plane owns.
func ManagedSelector() map[string]string {
	return map[string]string{LabelManaged: ManagedValue}
}
