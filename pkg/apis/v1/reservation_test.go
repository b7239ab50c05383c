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

package v1_test

import (
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"

	v1 "github.com/gpu-dev/reservoir/pkg/apis/v1"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to v1.ReservationStatus }{
		{v1.ReservationStatusPending, v1.ReservationStatusQueued},
		{v1.ReservationStatusPending, v1.ReservationStatusPreparing},
		{v1.ReservationStatusQueued, v1.ReservationStatusPreparing},
		{v1.ReservationStatusQueued, v1.ReservationStatusCancelled},
		{v1.ReservationStatusPreparing, v1.ReservationStatusActive},
		{v1.ReservationStatusPreparing, v1.ReservationStatusFailed},
		{v1.ReservationStatusActive, v1.ReservationStatusExpired},
		{v1.ReservationStatusActive, v1.ReservationStatusCancelled},
	}
	for _, tc := range allowed {
		assert.True(t, v1.CanTransition(tc.from, tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}
	denied := []struct{ from, to v1.ReservationStatus }{
		{v1.ReservationStatusPending, v1.ReservationStatusActive},
		{v1.ReservationStatusQueued, v1.ReservationStatusActive},
		{v1.ReservationStatusActive, v1.ReservationStatusQueued},
		{v1.ReservationStatusExpired, v1.ReservationStatusActive},
		{v1.ReservationStatusCancelled, v1.ReservationStatusPending},
		{v1.ReservationStatusFailed, v1.ReservationStatusPreparing},
	}
	for _, tc := range denied {
		assert.False(t, v1.CanTransition(tc.from, tc.to), "%s -> %s should be denied", tc.from, tc.to)
	}
}

func TestTerminal(t *testing.T) {
	assert.True(t, v1.ReservationStatusExpired.Terminal())
	assert.True(t, v1.ReservationStatusCancelled.Terminal())
	assert.True(t, v1.ReservationStatusFailed.Terminal())
	assert.False(t, v1.ReservationStatusPending.Terminal())
	assert.False(t, v1.ReservationStatusQueued.Terminal())
	assert.False(t, v1.ReservationStatusPreparing.Terminal())
	assert.False(t, v1.ReservationStatusActive.Terminal())
}

func TestWarningBookkeeping(t *testing.T) {
	reservation := &v1.Reservation{}
	assert.False(t, reservation.WarningSent(30))
	reservation.MarkWarningSent(30)
	reservation.MarkWarningSent(30)
	reservation.MarkWarningSent(15)
	assert.True(t, reservation.WarningSent(30))
	assert.True(t, reservation.WarningSent(15))
	assert.False(t, reservation.WarningSent(5))
	assert.Equal(t, []int32{30, 15}, reservation.WarningsSent)
}

func TestMinutesToExpiry(t *testing.T) {
	now := time.Now().UTC()
	reservation := &v1.Reservation{}
	_, ok := reservation.MinutesToExpiry(now)
	assert.False(t, ok)

	reservation.ExpiresAt = lo.ToPtr(now.Add(25*time.Minute + 30*time.Second))
	minutes, ok := reservation.MinutesToExpiry(now)
	assert.True(t, ok)
	assert.Equal(t, int32(25), minutes)

	reservation.ExpiresAt = lo.ToPtr(now.Add(-3 * time.Minute))
	minutes, ok = reservation.MinutesToExpiry(now)
	assert.True(t, ok)
	assert.Equal(t, int32(-3), minutes)
}

func TestLogEvent(t *testing.T) {
	now := time.Now()
	reservation := &v1.Reservation{}
	reservation.LogEvent(now, v1.EventTypeExtended, "extended by 2h")
	assert.Len(t, reservation.Events, 1)
	assert.Equal(t, v1.EventTypeExtended, reservation.Events[0].Type)
	assert.Equal(t, now.UTC(), reservation.Events[0].Time)
}

func TestDeterministicNames(t *testing.T) {
	assert.Equal(t, "sandbox-abc", v1.SandboxName("abc"))
	assert.Equal(t, "imagebuild-abc", v1.ImageBuildJobName("abc"))
	assert.Equal(t, "promote-abc", v1.PromotionMessageID("abc"))
	assert.Equal(t, map[string]string{v1.LabelReservationID: "abc"}, v1.SandboxSelector("abc"))
	assert.Equal(t, map[string]string{v1.LabelReservationID: "abc", v1.LabelIndex: "0"}, v1.HeadSelector("abc"))
	assert.Equal(t, map[string]string{v1.LabelManaged: v1.ManagedValue}, v1.ManagedSelector())
}

func TestNodesFor(t *testing.T) {
	gpuType := &v1.GPUType{GPUsPerNode: 8}
	assert.Equal(t, int32(1), gpuType.NodesFor(1))
	assert.Equal(t, int32(1), gpuType.NodesFor(8))
	assert.Equal(t, int32(2), gpuType.NodesFor(9))
	assert.Equal(t, int32(2), gpuType.NodesFor(16))
	assert.Equal(t, int32(3), gpuType.NodesFor(17))

	cpu := &v1.GPUType{}
	assert.True(t, cpu.CPUOnly())
	assert.Equal(t, int32(1), cpu.NodesFor(0))
}
