/*
Copyright 2023.

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

// Package reconcile defines the contracts user code implements: the
// reconciler and finalizer entry points, and the result type through which
// they communicate success, failure and requeue intent back to the core.
package reconcile

import (
	"context"
	"time"

	"github.com/opkernel/opkernel/pkg/entity"
)

// Outcome is the coarse result of a single reconciliation.
type Outcome string

const (
	Success Outcome = "Success"
	Failure Outcome = "Failure"
)

// Result is returned by reconcilers and finalizers, and flows back out of
// the dispatcher.
type Result struct {
	Outcome Outcome
	// Message and Cause are only meaningful when Outcome is Failure.
	Message string
	Cause   error
	// RequeueAfter, if non-nil, schedules re-delivery of this entity after
	// the given delay. A Failure result may still carry a RequeueAfter.
	RequeueAfter *time.Duration
}

// Succeeded builds a Result with Outcome Success.
func Succeeded() Result {
	return Result{Outcome: Success}
}

// SucceededWithRequeue builds a Result with Outcome Success and a requeue.
func SucceededWithRequeue(after time.Duration) Result {
	return Result{Outcome: Success, RequeueAfter: &after}
}

// Failed builds a Result with Outcome Failure.
func Failed(cause error) Result {
	return Result{Outcome: Failure, Message: cause.Error(), Cause: cause}
}

// FailedWithRequeue builds a Result with Outcome Failure and a requeue.
func FailedWithRequeue(cause error, after time.Duration) Result {
	return Result{Outcome: Failure, Message: cause.Error(), Cause: cause, RequeueAfter: &after}
}

// IsSuccess reports whether the result's outcome is Success.
func (r Result) IsSuccess() bool {
	return r.Outcome == Success
}

// Reconciler is the single user-supplied entry point for created and
// modified events which pass the generation gate, per entity type.
type Reconciler interface {
	// Reconcile drives observed state towards desired state for one entity.
	Reconcile(ctx context.Context, obj entity.Object) Result
	// Deleted is invoked once an entity is being deleted (after any
	// finalizer processing this core is responsible for has completed).
	Deleted(ctx context.Context, obj entity.Object) Result
}

// Finalizer is a named cleanup routine that must run to completion before
// Kubernetes is allowed to remove an entity permanently.
type Finalizer interface {
	Finalize(ctx context.Context, obj entity.Object) Result
}

// RetriableError marks an error as transient: the dispatcher logs it as a
// Failure (never as an operator-level crash) and, unless the caller already
// specified an explicit RequeueAfter, retries after the duration it carries.
type RetriableError struct {
	err        error
	retryAfter *time.Duration
}

// NewRetriableError wraps err as retriable, optionally pinning the retry
// delay; a nil retryAfter lets the caller's own default apply.
func NewRetriableError(err error, retryAfter *time.Duration) RetriableError {
	return RetriableError{err: err, retryAfter: retryAfter}
}

func (e RetriableError) Error() string { return e.err.Error() }
func (e RetriableError) Unwrap() error { return e.err }
func (e RetriableError) Cause() error  { return e.err }

// RetryAfter returns the explicit retry delay, or nil if the caller's
// default backoff should apply.
func (e RetriableError) RetryAfter() *time.Duration {
	return e.retryAfter
}
