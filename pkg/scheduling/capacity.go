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

package scheduling

import (
	"slices"
	"strings"

	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"

	v1 "github.com/gpu-dev/reservoir/pkg/apis/v1"
	"github.com/gpu-dev/reservoir/pkg/providers/cluster"
)

// NodeCapacity is the schedulable state of one node. For GPU nodes Capacity
// and Used count GPUs; for CPU-only nodes they count sandbox slots.
type NodeCapacity struct {
	Name     string
	GPUType  string
	Capacity int32
	Used     int32
}

func (n *NodeCapacity) Free() int32 {
	return max(n.Capacity-n.Used, 0)
}

// Empty reports whether nothing is scheduled on the node, the prerequisite
// for multi-node placement.
func (n *NodeCapacity) Empty() bool {
	return n.Used == 0
}

// Snapshot is a point-in-time view of per-type capacity, buildable from one
// node list and one pod list. Fit and Claim mutate it so successive
// placements within a pass see each other's usage.
type Snapshot struct {
	types map[string]*v1.GPUType
	nodes map[string][]*NodeCapacity
}

// NewSnapshot indexes ready, schedulable nodes by GPU type and charges every
// managed pod against its node. Pods on unknown or cordoned nodes are
// ignored; their capacity is not offered either.
func NewSnapshot(gpuTypes []*v1.GPUType, nodes []*cluster.Node, pods []*corev1.Pod, cpuSlotsPerNode int32) *Snapshot {
	snapshot := &Snapshot{
		types: lo.SliceToMap(gpuTypes, func(g *v1.GPUType) (string, *v1.GPUType) { return g.Name, g }),
		nodes: map[string][]*NodeCapacity{},
	}
	byName := map[string]*NodeCapacity{}
	for _, node := range nodes {
		gpuType, ok := snapshot.types[node.GPUType]
		if !ok || !node.Ready || !node.Schedulable {
			continue
		}
		capacity := node.GPUCapacity
		if gpuType.CPUOnly() {
			capacity = cpuSlotsPerNode
		}
		nc := &NodeCapacity{Name: node.Name, GPUType: node.GPUType, Capacity: capacity}
		byName[node.Name] = nc
		snapshot.nodes[node.GPUType] = append(snapshot.nodes[node.GPUType], nc)
	}
	for _, pod := range pods {
		if pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed {
			continue
		}
		nc, ok := byName[pod.Spec.NodeName]
		if !ok {
			continue
		}
		if gpuType := snapshot.types[nc.GPUType]; gpuType != nil && gpuType.CPUOnly() {
			nc.Used++
			continue
		}
		nc.Used += podGPURequest(pod)
	}
	for _, typeNodes := range snapshot.nodes {
		slices.SortFunc(typeNodes, func(a, b *NodeCapacity) int { return strings.Compare(a.Name, b.Name) })
	}
	return snapshot
}

func podGPURequest(pod *corev1.Pod) int32 {
	var gpus int64
	for _, container := range pod.Spec.Containers {
		if quantity, ok := container.Resources.Requests[v1.ResourceNVIDIAGPU]; ok {
			gpus += quantity.Value()
		}
	}
	return int32(gpus)
}

// Nodes returns the node capacities of a GPU type, sorted by name.
func (s *Snapshot) Nodes(gpuType string) []*NodeCapacity {
	return s.nodes[gpuType]
}

// Stats is the availability summary of one GPU type.
type Stats struct {
	TotalGPUs          int32
	AvailableGPUs      int32
	FullNodesAvailable int32
	MaxReservable      int32
	RunningInstances   int32
}

// Stats summarizes a GPU type. MaxReservable is the largest request that
// could be satisfied right now: the emptiest node for single-node types, up
// to multiNodeCap empty nodes for multi-node capable types.
func (s *Snapshot) Stats(gpuType string, multiNodeCap int32) Stats {
	typ, ok := s.types[gpuType]
	if !ok {
		return Stats{}
	}
	var stats Stats
	var largestFree int32
	var fullNodes int32
	for _, node := range s.nodes[gpuType] {
		stats.RunningInstances++
		stats.TotalGPUs += node.Capacity
		stats.AvailableGPUs += node.Free()
		largestFree = max(largestFree, node.Free())
		if node.Empty() {
			fullNodes++
		}
	}
	stats.FullNodesAvailable = fullNodes
	stats.MaxReservable = largestFree
	if typ.MultiNode && fullNodes > 1 {
		stats.MaxReservable = max(stats.MaxReservable, min(fullNodes, multiNodeCap)*typ.GPUsPerNode)
	}
	return stats
}

// Fit returns the nodes a reservation should land on, or false when current
// capacity cannot hold it. Single-node requests pack tightest-fit so empty
// nodes stay whole for multi-node reservations; multi-node requests take the
// lowest-named empty nodes.
func (s *Snapshot) Fit(reservation *v1.Reservation) ([]string, bool) {
	typ, ok := s.types[reservation.GPUType]
	if !ok {
		return nil, false
	}
	need := reservation.GPUCount
	if typ.CPUOnly() {
		need = 1
	}
	if !typ.CPUOnly() && need > typ.GPUsPerNode {
		return s.fitMultiNode(typ, need)
	}
	var best *NodeCapacity
	for _, node := range s.nodes[typ.Name] {
		if node.Free() < need {
			continue
		}
		if best == nil || node.Free() < best.Free() {
			best = node
		}
	}
	if best == nil {
		return nil, false
	}
	return []string{best.Name}, true
}

func (s *Snapshot) fitMultiNode(typ *v1.GPUType, gpus int32) ([]string, bool) {
	if !typ.MultiNode {
		return nil, false
	}
	wanted := int(typ.NodesFor(gpus))
	var names []string
	for _, node := range s.nodes[typ.Name] {
		if node.Empty() {
			names = append(names, node.Name)
			if len(names) == wanted {
				return names, true
			}
		}
	}
	return nil, false
}

// Claim charges a placement against the snapshot so later Fit calls in the
// same pass account for it.
func (s *Snapshot) Claim(reservation *v1.Reservation, nodeNames []string) {
	typ, ok := s.types[reservation.GPUType]
	if !ok {
		return
	}
	claimed := lo.SliceToMap(nodeNames, func(name string) (string, struct{}) { return name, struct{}{} })
	for _, node := range s.nodes[typ.Name] {
		if _, ok := claimed[node.Name]; !ok {
			continue
		}
		switch {
		case typ.CPUOnly():
			node.Used++
		case len(nodeNames) > 1:
			node.Used = node.Capacity
		default:
			node.Used += reservation.GPUCount
		}
	}
}

// Release is the inverse of Claim, used when simulating expirations.
func (s *Snapshot) Release(reservation *v1.Reservation, nodeNames []string) {
	typ, ok := s.types[reservation.GPUType]
	if !ok {
		return
	}
	released := lo.SliceToMap(nodeNames, func(name string) (string, struct{}) { return name, struct{}{} })
	for _, node := range s.nodes[typ.Name] {
		if _, ok := released[node.Name]; !ok {
			continue
		}
		switch {
		case typ.CPUOnly():
			node.Used = max(node.Used-1, 0)
		case len(nodeNames) > 1:
			node.Used = 0
		default:
			node.Used = max(node.Used-reservation.GPUCount, 0)
		}
	}
}

// Clone returns an independent copy for what-if simulation.
func (s *Snapshot) Clone() *Snapshot {
	clone := &Snapshot{types: s.types, nodes: map[string][]*NodeCapacity{}}
	for gpuType, typeNodes := range s.nodes {
		clone.nodes[gpuType] = lo.Map(typeNodes, func(n *NodeCapacity, _ int) *NodeCapacity {
			copied := *n
			return &copied
		})
	}
	return clone
}
