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

package expiry

import (
	opmetrics "github.com/awslabs/operatorpkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/gpu-dev/reservoir/pkg/metrics"
)

const expirySubsystem = "expiry"

var (
	TickDuration = opmetrics.NewPrometheusHistogram(
		crmetrics.Registry,
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: expirySubsystem,
			Name:      "tick_duration_seconds",
			Help:      "Duration of one expiry sweep, all phases included.",
			Buckets:   metrics.DurationBuckets(),
		},
		nil,
	)
	WarningsDelivered = opmetrics.NewPrometheusCounter(
		crmetrics.Registry,
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: expirySubsystem,
			Name:      "warnings_delivered_total",
			Help:      "Expiry warnings written into live sandboxes, labeled by GPU type.",
		},
		[]string{
			metrics.GPUTypeLabel,
		},
	)
	StuckReservations = opmetrics.NewPrometheusCounter(
		crmetrics.Registry,
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: expirySubsystem,
			Name:      "stuck_reservations_total",
			Help:      "Reservations terminated by the sweep because they wedged, labeled by the status they wedged in.",
		},
		[]string{
			metrics.StatusLabel,
		},
	)
	SnapshotsPruned = opmetrics.NewPrometheusCounter(
		crmetrics.Registry,
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: expirySubsystem,
			Name:      "snapshots_pruned_total",
			Help:      "Disk snapshots deleted because they aged past the retention count.",
		},
		nil,
	)
	OOMKills = opmetrics.NewPrometheusCounter(
		crmetrics.Registry,
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: expirySubsystem,
			Name:      "oom_kills_total",
			Help:      "OOM kills detected inside running sandboxes, labeled by GPU type.",
		},
		[]string{
			metrics.GPUTypeLabel,
		},
	)
	DisksHardDeleted = opmetrics.NewPrometheusCounter(
		crmetrics.Registry,
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: expirySubsystem,
			Name:      "disks_hard_deleted_total",
			Help:      "Soft-deleted disks removed for good after the retention window closed.",
		},
		nil,
	)
)
