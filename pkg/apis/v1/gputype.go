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
	"time"
)

// GPUType is one row of the hardware catalog: static configuration for a
// named GPU class plus the dynamic availability columns the tracker
// refreshes every tick.
type GPUType struct {
	Name           string `json:"name"`
	InstanceFamily string `json:"instance_family"`
	GPUsPerNode    int32  `json:"gpus_per_node"`
	VCPUsPerNode   int32  `json:"vcpus_per_node"`
	MemoryGB       int32  `json:"memory_gb"`
	// MultiNode marks types whose nodes can be ganged into a single
	// reservation spanning several fully-free nodes.
	MultiNode bool `json:"multi_node"`
	Active    bool `json:"active"`

	// Availability columns, refreshed by the tracker. A LastUpdatedAt older
	// than one cadence interval is a liveness alarm.
	TotalGPUs          int32      `json:"total_gpus"`
	AvailableGPUs      int32      `json:"available_gpus"`
	MaxReservable      int32      `json:"max_reservable"`
	FullNodesAvailable int32      `json:"full_nodes_available"`
	RunningInstances   int32      `json:"running_instances"`
	LastUpdatedAt      *time.Time `json:"last_updated_at,omitempty"`
	UpdatedBy          string     `json:"updated_by,omitempty"`
}

// CPUOnly reports whether the type advertises no GPUs and is instead
// accounted in user slots per node.
func (g *GPUType) CPUOnly() bool {
	return g.GPUsPerNode == 0
}

// NodesFor returns how many nodes a request of the given GPU count needs.
func (g *GPUType) NodesFor(count int32) int32 {
	if g.GPUsPerNode == 0 || count == 0 {
		return 1
	}
	return (count + g.GPUsPerNode - 1) / g.GPUsPerNode
}
