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

package controllers

import (
	"context"

	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	"github.com/gpu-dev/reservoir/pkg/controllers/availability"
	"github.com/gpu-dev/reservoir/pkg/controllers/expiry"
	"github.com/gpu-dev/reservoir/pkg/controllers/reservation"
	"github.com/gpu-dev/reservoir/pkg/controllers/termination"
	"github.com/gpu-dev/reservoir/pkg/providers/cluster"
	"github.com/gpu-dev/reservoir/pkg/providers/imagebuild"
	"github.com/gpu-dev/reservoir/pkg/providers/sandbox"
	"github.com/gpu-dev/reservoir/pkg/providers/volume"
	"github.com/gpu-dev/reservoir/pkg/store"
)

// Controller is anything registrable with the controller manager.
type Controller interface {
	Register(context.Context, manager.Manager) error
}

// NewControllers wires the three long-running loops: the reservation
// processor draining the work queue, the availability tracker, and the expiry
// sweeper. They share one terminator so reclamation behaves the same no
// matter which loop triggers it.
func NewControllers(ctx context.Context, clk clock.Clock, store store.Store, clusterProvider cluster.Provider,
	volumeProvider volume.Provider, sandboxProvider sandbox.Provider, imageBuildProvider imagebuild.Provider) []Controller {
	terminator := termination.NewTerminator(store, clk, volumeProvider, sandboxProvider, imageBuildProvider)
	return []Controller{
		reservation.NewController(store, clk, clusterProvider, volumeProvider, sandboxProvider, imageBuildProvider, terminator),
		availability.NewController(store, clk, clusterProvider, volumeProvider),
		expiry.NewController(store, clk, clusterProvider, volumeProvider, sandboxProvider, terminator),
	}
}
