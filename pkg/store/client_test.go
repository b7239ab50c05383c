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

package store_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gpu-dev/reservoir/pkg/store"
)

func TestQueueTableName(t *testing.T) {
	assert.Equal(t, "queue_reservations", store.QueueTableName("reservations"))
	assert.Equal(t, "queue_reservations", store.QueueTableName("Reservations"))
	assert.Equal(t, "queue_gpu_dev_reservations", store.QueueTableName("gpu-dev.reservations"))
	assert.Equal(t, "queue_q_drop_table_users___", store.QueueTableName("q;DROP TABLE users;--"))
}
