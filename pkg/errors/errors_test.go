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

package errors_test

import (
	"fmt"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	apierrors "k8s.io/apimachinery/pkg/api/errors"

	reserrors "github.com/gpu-dev/reservoir/pkg/errors"
)

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

func TestIsNotFound(t *testing.T) {
	assert.False(t, reserrors.IsNotFound(nil))
	assert.True(t, reserrors.IsNotFound(apiError("InvalidVolume.NotFound")))
	assert.True(t, reserrors.IsNotFound(apiError("InvalidSnapshot.NotFound")))
	assert.True(t, reserrors.IsNotFound(apiError("InvalidAttachment.NotFound")))
	assert.True(t, reserrors.IsNotFound(fmt.Errorf("describing volume, %w", apiError("InvalidVolume.NotFound"))))
	assert.True(t, reserrors.IsNotFound(fmt.Errorf("describing volume, %w", reserrors.ErrVolumeNotFound)))
	assert.False(t, reserrors.IsNotFound(apiError("Throttling")))
	assert.False(t, reserrors.IsNotFound(fmt.Errorf("plain error")))
}

func TestIsThrottled(t *testing.T) {
	assert.False(t, reserrors.IsThrottled(nil))
	assert.True(t, reserrors.IsThrottled(apiError("Throttling")))
	assert.True(t, reserrors.IsThrottled(apiError("RequestLimitExceeded")))
	assert.True(t, reserrors.IsThrottled(fmt.Errorf("creating volume, %w", apiError("EC2ThrottledException"))))
	assert.False(t, reserrors.IsThrottled(apiError("InvalidVolume.NotFound")))
}

func TestIsVolumeInUse(t *testing.T) {
	assert.False(t, reserrors.IsVolumeInUse(nil))
	assert.True(t, reserrors.IsVolumeInUse(apiError("VolumeInUse")))
	assert.True(t, reserrors.IsVolumeInUse(apiError("IncorrectState")))
	assert.False(t, reserrors.IsVolumeInUse(apiError("InvalidVolume.NotFound")))
}

func TestIsInvalidRequest(t *testing.T) {
	assert.False(t, reserrors.IsInvalidRequest(nil))
	assert.True(t, reserrors.IsInvalidRequest(apierrors.NewBadRequest("malformed pod spec")))
	assert.True(t, reserrors.IsInvalidRequest(fmt.Errorf("creating sandbox pod, %w", apierrors.NewBadRequest("malformed pod spec"))))
	assert.True(t, reserrors.IsInvalidRequest(apiError("InvalidParameterCombination")))
	assert.True(t, reserrors.IsInvalidRequest(fmt.Errorf("creating volume, %w", apiError("MissingParameter"))))
	assert.False(t, reserrors.IsInvalidRequest(apiError("Throttling")))
	assert.False(t, reserrors.IsInvalidRequest(fmt.Errorf("dial tcp: connection refused")))
}

func TestIsSerializationFailure(t *testing.T) {
	assert.False(t, reserrors.IsSerializationFailure(nil))
	assert.True(t, reserrors.IsSerializationFailure(&pgconn.PgError{Code: "40001"}))
	assert.True(t, reserrors.IsSerializationFailure(&pgconn.PgError{Code: "40P01"}))
	assert.True(t, reserrors.IsSerializationFailure(fmt.Errorf("saving reservation, %w", &pgconn.PgError{Code: "40001"})))
	assert.False(t, reserrors.IsSerializationFailure(&pgconn.PgError{Code: "23505"}))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, reserrors.IsUniqueViolation(nil))
	assert.True(t, reserrors.IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.True(t, reserrors.IsUniqueViolation(fmt.Errorf("inserting disk, %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, reserrors.IsUniqueViolation(&pgconn.PgError{Code: "40001"}))
}
