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

// Package errors defines the error taxonomy of the rate limiter and the
// helpers that classify backing-store failures into it. The storage adapter is
// the only place store errors are mapped; everything above it reasons in these
// kinds.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/samber/lo"

	"github.com/dynalimit/dynalimit/pkg/limits"
)

// InfrastructureError wraps network, throttling, timeout, and server-side
// faults. It is the only kind the failure-mode gate converts.
type InfrastructureError struct {
	Err error
}

func NewInfrastructureError(err error) *InfrastructureError {
	return &InfrastructureError{Err: err}
}

func (e *InfrastructureError) Error() string { return e.Err.Error() }
func (e *InfrastructureError) Unwrap() error { return e.Err }

func IsInfrastructure(err error) bool {
	if err == nil {
		return false
	}
	var ie *InfrastructureError
	return errors.As(err, &ie)
}

// ConflictError indicates a conditional-write precondition failed, including
// any transaction cancelled by a condition. It is retried transparently and
// never surfaced to callers.
type ConflictError struct {
	Err error
}

func NewConflictError(err error) *ConflictError {
	return &ConflictError{Err: err}
}

func (e *ConflictError) Error() string { return e.Err.Error() }
func (e *ConflictError) Unwrap() error { return e.Err }

func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	var ce *ConflictError
	return errors.As(err, &ce)
}

// NotFoundError indicates a required record is absent (an entity, a config
// record fetched directly, the schema record).
type NotFoundError struct {
	Key string
}

func NewNotFoundError(key string) *NotFoundError {
	return &NotFoundError{Key: key}
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("record %q not found", e.Key) }

func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nfe *NotFoundError
	return errors.As(err, &nfe)
}

// ValidationError indicates malformed caller input. Never retried.
type ValidationError struct {
	Err error
}

func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Err: fmt.Errorf(format, args...)}
}

func (e *ValidationError) Error() string { return e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	if err == nil {
		return false
	}
	var ve *ValidationError
	return errors.As(err, &ve)
}

// UnavailableError is raised by the failure-mode gate when the store is
// unreachable and the effective policy is BLOCK. It is distinct from the
// underlying InfrastructureError so callers can branch on it directly.
type UnavailableError struct {
	Err error
}

func NewUnavailableError(err error) *UnavailableError {
	return &UnavailableError{Err: err}
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("rate limiter unavailable, %s", e.Err)
}
func (e *UnavailableError) Unwrap() error { return e.Err }

func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// SchemaMismatchError is a fatal startup condition: the deployed table carries
// a schema version this client does not speak.
type SchemaMismatchError struct {
	Want int
	Got  int
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("storage schema version %d is not supported, want %d", e.Got, e.Want)
}

// RateLimitExceededError is the business outcome of a denied admission. It
// carries the status of every limit on every bucket involved, passing and
// failing, and is serializable with stable field names.
type RateLimitExceededError struct {
	Statuses []limits.Status `json:"statuses"`
}

func NewRateLimitExceededError(statuses []limits.Status) *RateLimitExceededError {
	return &RateLimitExceededError{Statuses: statuses}
}

func (e *RateLimitExceededError) Error() string {
	primary := e.PrimaryViolation()
	return fmt.Sprintf("rate limit %q exceeded for entity %q on %q, retry after %dms",
		primary.LimitName, primary.EntityID, primary.Resource, primary.RetryAfterMs)
}

// Violations returns only the exceeded statuses.
func (e *RateLimitExceededError) Violations() []limits.Status {
	return lo.Filter(e.Statuses, func(s limits.Status, _ int) bool { return s.Exceeded })
}

// PrimaryViolation is the violation with the largest retry-after; waiting it
// out clears every other violation as well.
func (e *RateLimitExceededError) PrimaryViolation() limits.Status {
	return lo.MaxBy(e.Violations(), func(a, b limits.Status) bool {
		return a.RetryAfterMs > b.RetryAfterMs
	})
}

// RetryAfterMs is the primary violation's retry-after.
func (e *RateLimitExceededError) RetryAfterMs() int64 {
	return e.PrimaryViolation().RetryAfterMs
}

func IsRateLimitExceeded(err error) bool {
	if err == nil {
		return false
	}
	var re *RateLimitExceededError
	return errors.As(err, &re)
}

func AsRateLimitExceeded(err error) (*RateLimitExceededError, bool) {
	var re *RateLimitExceededError
	ok := errors.As(err, &re)
	return re, ok
}

var throttleErrorCodes = []string{
	"ProvisionedThroughputExceededException",
	"RequestLimitExceeded",
	"ThrottlingException",
	"Throttling",
}

// FromStore maps a raw DynamoDB SDK error into the taxonomy. Condition
// failures become conflicts; throttling, 5xx, transport, and deadline failures
// become infrastructure errors; DynamoDB validation complaints stay validation
// errors.
func FromStore(err error) error {
	if err == nil {
		return nil
	}
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return NewConflictError(err)
	}
	var tcx *types.TransactionCanceledException
	if errors.As(err, &tcx) {
		for _, reason := range tcx.CancellationReasons {
			if lo.FromPtr(reason.Code) == "ConditionalCheckFailed" {
				return NewConflictError(err)
			}
		}
		return NewInfrastructureError(err)
	}
	var conflict *types.TransactionConflictException
	if errors.As(err, &conflict) {
		return NewConflictError(err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewInfrastructureError(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewInfrastructureError(err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if lo.Contains(throttleErrorCodes, apiErr.ErrorCode()) {
			return NewInfrastructureError(err)
		}
		if apiErr.ErrorCode() == "ValidationException" {
			return NewValidationError("store rejected request, %w", err)
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() >= 500 {
		return NewInfrastructureError(err)
	}
	// Anything unrecognized from the store is treated as infrastructure: the
	// failure-mode gate, not the caller, decides what to do with it.
	return NewInfrastructureError(err)
}
