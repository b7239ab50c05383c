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
	"fmt"
	"net/url"
	"strings"

	"github.com/awslabs/operatorpkg/serrors"
	"github.com/samber/lo"
	"go.uber.org/multierr"
)

var validLogLevels = []string{"debug", "info", "error"}

func (o *Options) Validate() error {
	return multierr.Combine(
		o.validateDatabaseURL(),
		o.validateLogLevel(),
		o.validateQueueing(),
		o.validatePolicy(),
	)
}

func (o *Options) validateDatabaseURL() error {
	if o.DatabaseURL == "" {
		return fmt.Errorf("missing field, database-url")
	}
	parsed, err := url.Parse(o.DatabaseURL)
	// url.Parse() will accept a lot of input without error; make
	// sure it's a real postgres URL
	if err != nil || parsed.Host == "" || !strings.HasPrefix(parsed.Scheme, "postgres") {
		return serrors.Wrap(fmt.Errorf("database URL is not a valid postgres URL"), "database-url", o.DatabaseURL)
	}
	return nil
}

func (o *Options) validateLogLevel() error {
	if !lo.Contains(validLogLevels, o.LogLevel) {
		return serrors.Wrap(fmt.Errorf("log level must be one of [%s]", strings.Join(validLogLevels, ", ")), "log-level", o.LogLevel)
	}
	return nil
}

func (o *Options) validateQueueing() error {
	var err error
	if o.BatchSize < 1 {
		err = multierr.Append(err, fmt.Errorf("batch-size cannot be less than 1"))
	}
	if o.PollIntervalSeconds < 1 {
		err = multierr.Append(err, fmt.Errorf("poll-interval-seconds cannot be less than 1"))
	}
	if o.VisibilityTimeoutSeconds <= o.PollIntervalSeconds {
		err = multierr.Append(err, fmt.Errorf("visibility-timeout-seconds must exceed poll-interval-seconds"))
	}
	return err
}

func (o *Options) validatePolicy() error {
	var err error
	if o.WarningMinutes < 1 {
		err = multierr.Append(err, fmt.Errorf("warning-minutes cannot be less than 1"))
	}
	if o.GracePeriodSeconds < 0 {
		err = multierr.Append(err, fmt.Errorf("grace-period-seconds cannot be negative"))
	}
	if o.DefaultDurationHours < 1 || o.DefaultDurationHours > o.MaxReservationHours {
		err = multierr.Append(err, fmt.Errorf("default-duration-hours must be between 1 and max-reservation-hours"))
	}
	if o.DefaultExtensionHours < 1 {
		err = multierr.Append(err, fmt.Errorf("default-extension-hours cannot be less than 1"))
	}
	if o.PerUserActiveCap < 1 {
		err = multierr.Append(err, fmt.Errorf("per-user-active-cap cannot be less than 1"))
	}
	if o.MultiNodeCapNodes < 1 {
		err = multierr.Append(err, fmt.Errorf("multi-node-cap-nodes cannot be less than 1"))
	}
	if o.SnapshotRetentionCount < 1 {
		err = multierr.Append(err, fmt.Errorf("snapshot-retention-count cannot be less than 1"))
	}
	if o.CPUSlotsPerNode < 1 {
		err = multierr.Append(err, fmt.Errorf("cpu-slots-per-node cannot be less than 1"))
	}
	if o.DefaultDiskSizeGB < 1 {
		err = multierr.Append(err, fmt.Errorf("default-disk-size-gb cannot be less than 1"))
	}
	return err
}
