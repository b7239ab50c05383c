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

package cache

import (
	"time"
)

const (
	// DefaultTTL restricts QPS to cloud describe APIs for read-mostly lookups.
	DefaultTTL = time.Minute
	// NodeTTL bounds staleness of cluster node listings. Shorter than the
	// availability cadence so each tick sees fresh capacity.
	NodeTTL = 30 * time.Second
	// VolumeTTL bounds staleness of cloud volume listings between disk
	// reconciliations.
	VolumeTTL = time.Minute
	// UserTTL bounds staleness of user SSH key lookups.
	UserTTL = 5 * time.Minute
	// DefaultCleanupInterval triggers cache cleanup (lazy eviction) at this interval.
	DefaultCleanupInterval = 10 * time.Minute
)
