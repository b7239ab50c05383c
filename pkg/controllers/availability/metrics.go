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

package availability

import (
	opmetrics "github.com/awslabs/operatorpkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/gpu-dev/reservoir/pkg/metrics"
)

const availabilitySubsystem = "availability"

var (
	TotalGPUs = opmetrics.NewPrometheusGauge(
		crmetrics.Registry,
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: availabilitySubsystem,
			Name:      "total_gpus",
			Help:      "GPUs advertised by ready nodes, labeled by GPU type.",
		},
		[]string{
			metrics.GPUTypeLabel,
		},
	)
	AvailableGPUs = opmetrics.NewPrometheusGauge(
		crmetrics.Registry,
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: availabilitySubsystem,
			Name:      "available_gpus",
			Help:      "GPUs not requested by any sandbox pod, labeled by GPU type.",
		},
		[]string{
			metrics.GPUTypeLabel,
		},
	)
	MaxReservable = opmetrics.NewPrometheusGauge(
		crmetrics.Registry,
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: availabilitySubsystem,
			Name:      "max_reservable_gpus",
			Help:      "The largest single request currently satisfiable, labeled by GPU type.",
		},
		[]string{
			metrics.GPUTypeLabel,
		},
	)
	FullNodesAvailable = opmetrics.NewPrometheusGauge(
		crmetrics.Registry,
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: availabilitySubsystem,
			Name:      "full_nodes",
			Help:      "Nodes with every advertised GPU free, labeled by GPU type.",
		},
		[]string{
			metrics.GPUTypeLabel,
		},
	)
	TickDuration = opmetrics.NewPrometheusHistogram(
		crmetrics.Registry,
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: availabilitySubsystem,
			Name:      "tick_duration_seconds",
			Help:      "Duration of one availability tick, capacity and disk reconciliation included.",
			Buckets:   metrics.DurationBuckets(),
		},
		nil,
	)
	DisksReconciled = opmetrics.NewPrometheusCounter(
		crmetrics.Registry,
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: availabilitySubsystem,
			Name:      "disks_reconciled_total",
			Help:      "Cloud volumes reconciled against the disk table.",
		},
		nil,
	)
	DisksImported = opmetrics.NewPrometheusCounter(
		crmetrics.Registry,
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: availabilitySubsystem,
			Name:      "disks_imported_total",
			Help:      "Cloud volumes imported into the disk table because no row tracked them.",
		},
		nil,
	)
)
