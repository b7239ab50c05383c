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

package errors

import (
	"errors"

	"github.com/aws/smithy-go"
	"github.com/jackc/pgx/v5/pgconn"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/util/sets"
)

var (
	// This is not an exhaustive list, add to it as needed
	notFoundErrorCodes = sets.New[string](
		"InvalidVolume.NotFound",
		"InvalidSnapshot.NotFound",
		"InvalidAttachment.NotFound",
		"InvalidParameterValue",
	)
	// throttlingErrorCodes signify the cloud is shedding load; callers back
	// off with jitter and retry.
	throttlingErrorCodes = sets.New[string](
		"Throttling",
		"ThrottlingException",
		"RequestLimitExceeded",
		"RequestThrottled",
		"RequestThrottledException",
		"EC2ThrottledException",
	)
	volumeInUseErrorCodes = sets.New[string](
		"VolumeInUse",
		"IncorrectState",
	)
	// invalidRequestErrorCodes mean the request itself was malformed or not
	// permitted; retrying the same call can never succeed.
	invalidRequestErrorCodes = sets.New[string](
		"InvalidParameterCombination",
		"MissingParameter",
		"UnauthorizedOperation",
		"ValidationError",
	)
	// serializationFailureCodes are the SQLSTATEs postgres raises when
	// concurrent transactions collide; the store retries these.
	serializationFailureCodes = sets.New[string](
		"40001", // serialization_failure
		"40P01", // deadlock_detected
	)
	uniqueViolationCode = "23505"
)

// ErrVolumeNotFound is returned when a describe comes back clean rather than
// with an API error. It satisfies IsNotFound like the coded variants do.
var ErrVolumeNotFound = errors.New("volume not found")

// IsNotFound returns true if the err is an AWS error (even if it's wrapped)
// known to mean "not found" (as opposed to a more serious or unexpected
// error).
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrVolumeNotFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return notFoundErrorCodes.Has(apiErr.ErrorCode())
	}
	return false
}

// IsThrottled returns true if the err is an AWS error that means the request
// rate is temporarily over the limit.
func IsThrottled(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return throttlingErrorCodes.Has(apiErr.ErrorCode())
	}
	return false
}

// IsVolumeInUse returns true if the err means the volume still has an
// attachment the cloud has not released yet.
func IsVolumeInUse(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return volumeInUseErrorCodes.Has(apiErr.ErrorCode())
	}
	return false
}

// IsInvalidRequest returns true if the cluster or the cloud rejected the
// request itself, e.g. a 400 on a pod create or an EC2 parameter error.
// Callers treat these as permanent and surface them instead of redelivering.
func IsInvalidRequest(err error) bool {
	if err == nil {
		return false
	}
	if apierrors.IsBadRequest(err) || apierrors.IsInvalid(err) || apierrors.IsForbidden(err) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return invalidRequestErrorCodes.Has(apiErr.ErrorCode())
	}
	return false
}

// IsSerializationFailure returns true if the err is a postgres serialization
// or deadlock failure that a fresh transaction attempt can resolve.
func IsSerializationFailure(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return serializationFailureCodes.Has(pgErr.Code)
	}
	return false
}

// IsUniqueViolation returns true if the err is a postgres unique constraint
// violation, the store's signal that a concurrent writer won an insert race.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolationCode
	}
	return false
}
