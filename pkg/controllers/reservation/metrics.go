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
	opmetrics "github.com/awslabs/operatorpkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/gpu-dev/reservoir/pkg/metrics"
)

const reservationSubsystem = "reservation"

var (
	MessagesProcessed = opmetrics.NewPrometheusCounter(
		crmetrics.Registry,
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: reservationSubsystem,
			Name:      "messages_processed_total",
			Help:      "Messages handled by the reservation processor, labeled by kind and result.",
		},
		[]string{
			metrics.KindLabel,
			metrics.ResultLabel,
		},
	)
	MessageDuration = opmetrics.NewPrometheusHistogram(
		crmetrics.Registry,
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: reservationSubsystem,
			Name:      "message_duration_seconds",
			Help:      "Duration of message handling, labeled by kind.",
			Buckets:   metrics.DurationBuckets(),
		},
		[]string{
			metrics.KindLabel,
		},
	)
	ReservationsLaunched = opmetrics.NewPrometheusCounter(
		crmetrics.Registry,
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: reservationSubsystem,
			Name:      "launched_total",
			Help:      "Reservations that reached active, labeled by GPU type.",
		},
		[]string{
			metrics.GPUTypeLabel,
		},
	)
	WaitersPromoted = opmetrics.NewPrometheusCounter(
		crmetrics.Registry,
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: reservationSubsystem,
			Name:      "waiters_promoted_total",
			Help:      "Queued reservations handed back to the processor after capacity freed, labeled by GPU type.",
		},
		[]string{
			metrics.GPUTypeLabel,
		},
	)
)
