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

package options

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gpu-dev/reservoir/pkg/utils/env"
)

type optionsKey struct{}

// Options contains all CLI flags and env vars for the controller binary.
type Options struct {
	*FlagSet

	// Operational
	MetricsPort           int
	HealthProbePort       int
	KubeClientQPS         int
	KubeClientBurst       int
	DisableLeaderElection bool
	LogLevel              string
	Region                string

	// Wiring
	DatabaseURL      string
	SandboxNamespace string
	DefaultImage     string
	QueueName        string

	// Processing
	PollIntervalSeconds      int
	VisibilityTimeoutSeconds int
	BatchSize                int

	// Policy
	WarningMinutes          int
	GracePeriodSeconds      int
	MaxReservationHours     int
	DefaultDurationHours    int
	DefaultExtensionHours   int
	PerUserActiveCap        int
	MultiNodeCapNodes       int
	SnapshotRetentionCount  int
	SoftDeleteRetentionDays int
	CPUSlotsPerNode         int
	DefaultDiskSizeGB       int
}

// FlagSet wraps flag.FlagSet to support bool flags with env fallbacks; a bool
// flag's presence alone means true, so the env default has to be applied
// before parsing.
type FlagSet struct {
	*flag.FlagSet
}

// BoolVarWithEnv defines a bool flag with a specified name, default value, usage string, and fallback environment
// variable.
func (fs *FlagSet) BoolVarWithEnv(p *bool, name string, envVar string, val bool, usage string) {
	*p = env.WithDefaultBool(envVar, val)
	fs.BoolFunc(name, usage, func(val string) error {
		if val != "true" && val != "false" {
			return fmt.Errorf("%q is not a valid value, must be true or false", val)
		}
		*p = (val) == "true"
		return nil
	})
}

// New creates an Options struct and registers CLI flags and environment
// variables to fill-in the Options struct fields.
func New() *Options {
	opts := &Options{}
	fs := &FlagSet{FlagSet: flag.NewFlagSet("reservoir", flag.ContinueOnError)}
	opts.FlagSet = fs

	fs.IntVar(&opts.MetricsPort, "metrics-port", env.WithDefaultInt("METRICS_PORT", 8080), "The port the metric endpoint binds to for operating metrics about the controller itself")
	fs.IntVar(&opts.HealthProbePort, "health-probe-port", env.WithDefaultInt("HEALTH_PROBE_PORT", 8081), "The port the health probe endpoint binds to for reporting controller health")
	fs.IntVar(&opts.KubeClientQPS, "kube-client-qps", env.WithDefaultInt("KUBE_CLIENT_QPS", 200), "The smoothed rate of qps to kube-apiserver")
	fs.IntVar(&opts.KubeClientBurst, "kube-client-burst", env.WithDefaultInt("KUBE_CLIENT_BURST", 300), "The maximum allowed burst of queries to the kube-apiserver")
	fs.BoolVarWithEnv(&opts.DisableLeaderElection, "disable-leader-election", "DISABLE_LEADER_ELECTION", false, "Disable the leader election client before executing the main loop. Disable when running replicated components for high availability is not desired.")
	fs.StringVar(&opts.LogLevel, "log-level", env.WithDefaultString("LOG_LEVEL", "info"), "Log verbosity level. Can be one of 'debug', 'info', or 'error'")
	fs.StringVar(&opts.Region, "region", env.WithDefaultString("AWS_REGION", ""), "The AWS region to operate in. Discovered from IMDS when unset")

	fs.StringVar(&opts.DatabaseURL, "database-url", env.WithDefaultString("DATABASE_URL", ""), "Postgres connection URL for reservation state and the work queue")
	fs.StringVar(&opts.SandboxNamespace, "sandbox-namespace", env.WithDefaultString("SANDBOX_NAMESPACE", "gpu-sandboxes"), "The kubernetes namespace sandbox pods and services are created in")
	fs.StringVar(&opts.DefaultImage, "default-image", env.WithDefaultString("DEFAULT_IMAGE", "ghcr.io/gpu-dev/sandbox:latest"), "The sandbox image used when a reservation does not name one")
	fs.StringVar(&opts.QueueName, "queue-name", env.WithDefaultString("QUEUE_NAME", "gpu_reservations"), "The name of the embedded work queue")

	fs.IntVar(&opts.PollIntervalSeconds, "poll-interval-seconds", env.WithDefaultInt("POLL_INTERVAL_SECONDS", 5), "How long a dequeue waits for a message before returning empty")
	fs.IntVar(&opts.VisibilityTimeoutSeconds, "visibility-timeout-seconds", env.WithDefaultInt("VISIBILITY_TIMEOUT_SECONDS", 900), "How long a dequeued message stays invisible before it is redelivered")
	fs.IntVar(&opts.BatchSize, "batch-size", env.WithDefaultInt("BATCH_SIZE", 1), "The maximum number of messages claimed per dequeue")

	fs.IntVar(&opts.WarningMinutes, "warning-minutes", env.WithDefaultInt("WARNING_MINUTES", 30), "Minutes before expiry at which the first warning is delivered into the sandbox")
	fs.IntVar(&opts.GracePeriodSeconds, "grace-period-seconds", env.WithDefaultInt("GRACE_PERIOD_SECONDS", 120), "Grace period past expiry before a sandbox is reclaimed")
	fs.IntVar(&opts.MaxReservationHours, "max-reservation-hours", env.WithDefaultInt("MAX_RESERVATION_HOURS", 48), "The longest total lifetime of a reservation, extensions included")
	fs.IntVar(&opts.DefaultDurationHours, "default-duration-hours", env.WithDefaultInt("DEFAULT_DURATION_HOURS", 4), "Reservation duration used when the request does not set one")
	fs.IntVar(&opts.DefaultExtensionHours, "default-extension-hours", env.WithDefaultInt("DEFAULT_EXTENSION_HOURS", 24), "Hours granted by an extension request that does not set an amount")
	fs.IntVar(&opts.PerUserActiveCap, "per-user-active-cap", env.WithDefaultInt("PER_USER_ACTIVE_CAP", 2), "The maximum number of non-terminal reservations a user may hold")
	fs.IntVar(&opts.MultiNodeCapNodes, "multi-node-cap-nodes", env.WithDefaultInt("MULTI_NODE_CAP_NODES", 4), "The maximum number of nodes a single reservation may span")
	fs.IntVar(&opts.SnapshotRetentionCount, "snapshot-retention-count", env.WithDefaultInt("SNAPSHOT_RETENTION_COUNT", 10), "Snapshots retained per disk before the oldest are pruned")
	fs.IntVar(&opts.SoftDeleteRetentionDays, "soft-delete-retention-days", env.WithDefaultInt("SOFT_DELETE_RETENTION_DAYS", 30), "Days a soft-deleted disk is kept recoverable before its volume is removed")
	fs.IntVar(&opts.CPUSlotsPerNode, "cpu-slots-per-node", env.WithDefaultInt("CPU_SLOTS_PER_NODE", 3), "Sandbox slots advertised per CPU-only node")
	fs.IntVar(&opts.DefaultDiskSizeGB, "default-disk-size-gb", env.WithDefaultInt("DEFAULT_DISK_SIZE_GB", 100), "Size of persistent disks created implicitly for first reservations")
	return opts
}

// MustParse reads the user passed flags, environment variables, and default values.
// Options are validated and panics if an error is returned.
func (o *Options) MustParse() *Options {
	err := o.Parse(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}

func (o *Options) PollInterval() time.Duration {
	return time.Duration(o.PollIntervalSeconds) * time.Second
}

func (o *Options) VisibilityTimeout() time.Duration {
	return time.Duration(o.VisibilityTimeoutSeconds) * time.Second
}

func (o *Options) GracePeriod() time.Duration {
	return time.Duration(o.GracePeriodSeconds) * time.Second
}

func (o *Options) SoftDeleteRetention() time.Duration {
	return time.Duration(o.SoftDeleteRetentionDays) * 24 * time.Hour
}

func ToContext(ctx context.Context, opts *Options) context.Context {
	return context.WithValue(ctx, optionsKey{}, opts)
}

func FromContext(ctx context.Context) *Options {
	retval := ctx.Value(optionsKey{})
	if retval == nil {
		// This is a developer error if this happens, so we should panic
		panic("options doesn't exist in context")
	}
	return retval.(*Options)
}
