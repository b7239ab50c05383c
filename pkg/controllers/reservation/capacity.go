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

	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"

	v1 "github.com/gpu-dev/reservoir/pkg/apis/v1"
	"github.com/gpu-dev/reservoir/pkg/operator/options"
	"github.com/gpu-dev/reservoir/pkg/scheduling"
	"github.com/gpu-dev/reservoir/pkg/store"
)

// capacityView is a point-in-time picture of one GPU type: the free capacity
// snapshot plus the reservations competing for it.
type capacityView struct {
	snapshot *scheduling.Snapshot
	active   []*v1.Reservation
	queued   []*v1.Reservation
}

// buildView assembles the scheduling inputs for one GPU type. Reservations
// that hold nodes but have not created their pods yet (mid-provision, or
// replaying after a crash) are charged against the snapshot so a later create
// cannot double-book their nodes.
func (c *Controller) buildView(ctx context.Context, gpuType string) (*capacityView, error) {
	opts := options.FromContext(ctx)
	gpuTypes, err := c.store.ListGPUTypes(ctx)
	if err != nil {
		return nil, err
	}
	nodes, err := c.clusterProvider.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	pods, err := c.clusterProvider.ListPods(ctx, opts.SandboxNamespace, v1.ManagedSelector())
	if err != nil {
		return nil, err
	}
	snapshot := scheduling.NewSnapshot(gpuTypes, nodes, pods, int32(opts.CPUSlotsPerNode))

	holding, err := c.store.ListReservations(ctx, store.ReservationFilter{
		GPUType:  gpuType,
		Statuses: []v1.ReservationStatus{v1.ReservationStatusPreparing, v1.ReservationStatusActive},
	})
	if err != nil {
		return nil, err
	}
	queued, err := c.store.ListReservations(ctx, store.ReservationFilter{
		GPUType:  gpuType,
		Statuses: []v1.ReservationStatus{v1.ReservationStatusQueued},
	})
	if err != nil {
		return nil, err
	}
	podded := lo.SliceToMap(pods, func(p *corev1.Pod) (string, struct{}) {
		return p.Labels[v1.LabelReservationID], struct{}{}
	})
	for _, r := range holding {
		if _, ok := podded[r.ID]; !ok && len(r.NodeNames) > 0 {
			snapshot.Claim(r, r.NodeNames)
		}
	}
	return &capacityView{
		snapshot: snapshot,
		active: lo.Filter(holding, func(r *v1.Reservation, _ int) bool {
			return r.Status == v1.ReservationStatusActive
		}),
		queued: queued,
	}, nil
}
