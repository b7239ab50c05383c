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

package test

import (
	"fmt"
	"strings"

	"github.com/Pallinder/go-randomdata"
	"github.com/imdario/mergo"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	v1 "github.com/gpu-dev/reservoir/pkg/apis/v1"
	"github.com/gpu-dev/reservoir/pkg/providers/cluster"
)

// NodeOptions customizes a Node.
type NodeOptions struct {
	Name          string
	GPUType       string
	Zone          string
	Address       string
	GPUCapacity   int32
	NotReady      bool
	Unschedulable bool
}

// Node creates a ready, schedulable test node with defaults that can be
// overridden by NodeOptions. Overrides are applied in order, with a last
// write wins semantic.
func Node(overrides ...NodeOptions) *cluster.Node {
	options := NodeOptions{}
	for _, opts := range overrides {
		if err := mergo.Merge(&options, opts, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("Failed to merge node options: %s", err.Error()))
		}
	}
	if options.Name == "" {
		options.Name = strings.ToLower(randomdata.SillyName())
	}
	if options.GPUType == "" {
		options.GPUType = "a100"
	}
	if options.Zone == "" {
		options.Zone = "us-west-2a"
	}
	if options.Address == "" {
		options.Address = randomdata.IpV4Address()
	}
	if options.GPUCapacity == 0 && options.GPUType != "cpu" {
		options.GPUCapacity = 8
	}
	return &cluster.Node{
		Name:        options.Name,
		GPUType:     options.GPUType,
		Zone:        options.Zone,
		Address:     options.Address,
		GPUCapacity: options.GPUCapacity,
		Ready:       !options.NotReady,
		Schedulable: !options.Unschedulable,
		Labels: map[string]string{
			v1.LabelGPUType:          options.GPUType,
			corev1.LabelTopologyZone: options.Zone,
		},
	}
}

// SandboxPodOptions customizes a SandboxPod.
type SandboxPodOptions struct {
	Name          string
	Namespace     string
	NodeName      string
	ReservationID string
	GPUs          int32
	Phase         corev1.PodPhase
}

// SandboxPod creates a managed pod charging GPUs against its node, the shape
// capacity snapshots consume.
func SandboxPod(overrides ...SandboxPodOptions) *corev1.Pod {
	options := SandboxPodOptions{}
	for _, opts := range overrides {
		if err := mergo.Merge(&options, opts, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("Failed to merge sandbox pod options: %s", err.Error()))
		}
	}
	if options.Name == "" {
		options.Name = strings.ToLower(randomdata.SillyName())
	}
	if options.Namespace == "" {
		options.Namespace = "gpu-sandboxes"
	}
	if options.Phase == "" {
		options.Phase = corev1.PodRunning
	}
	resources := corev1.ResourceRequirements{}
	if options.GPUs > 0 {
		quantity := resource.MustParse(fmt.Sprint(options.GPUs))
		resources.Requests = corev1.ResourceList{v1.ResourceNVIDIAGPU: quantity}
		resources.Limits = corev1.ResourceList{v1.ResourceNVIDIAGPU: quantity}
	}
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      options.Name,
			Namespace: options.Namespace,
			Labels: map[string]string{
				v1.LabelManaged:       v1.ManagedValue,
				v1.LabelReservationID: options.ReservationID,
			},
		},
		Spec: corev1.PodSpec{
			NodeName: options.NodeName,
			Containers: []corev1.Container{{
				Name:      v1.SandboxContainerName,
				Image:     "ghcr.io/gpu-dev/sandbox:latest",
				Resources: resources,
			}},
		},
		Status: corev1.PodStatus{Phase: options.Phase},
	}
}
