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
	"errors"
	"time"
)

const (
	// readyPollDelay paces re-checks while a sandbox pod is starting.
	readyPollDelay = 15 * time.Second
	// buildPollDelay paces re-checks while an image build job runs; builds
	// take minutes, not seconds.
	buildPollDelay = 30 * time.Second
)

type waitingError struct {
	error
	delay time.Duration
}

// NewWaitingError wraps err to signal that the work is progressing in the
// cluster and the message should be redelivered after delay instead of being
// acked or counted as a failure.
func NewWaitingError(err error, delay time.Duration) error {
	return &waitingError{error: err, delay: delay}
}

// AsWaiting reports whether err is a waiting signal and, if so, the delay
// before the next check.
func AsWaiting(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	var w *waitingError
	if errors.As(err, &w) {
		return w.delay, true
	}
	return 0, false
}
