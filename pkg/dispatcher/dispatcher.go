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

package dispatcher

import (
	"context"
	goerrors "errors"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"github.com/sap/go-generics/slices"

	corev1 "k8s.io/api/core/v1"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/opkernel/opkernel/internal/backoff"
	"github.com/opkernel/opkernel/internal/events"
	"github.com/opkernel/opkernel/internal/metrics"
	"github.com/opkernel/opkernel/pkg/cache"
	"github.com/opkernel/opkernel/pkg/entity"
	"github.com/opkernel/opkernel/pkg/kclient"
	"github.com/opkernel/opkernel/pkg/reconcile"
	"github.com/opkernel/opkernel/pkg/requeue"
)

// Dispatcher classifies watch and requeue events for a single entity type
// and drives the registered reconciler, finalizers, or neither, per the
// classification rules of reconcileCreation, reconcileModification and
// reconcileDeletion.
type Dispatcher struct {
	cfg      Config
	cache    cache.GenerationCache
	queue    *requeue.TimedQueue
	client   kclient.Client
	recorder *events.Recorder
	retry    *backoff.Backoff
}

// maxRetryDelay caps the per-uid exponential delay applied to retriable
// failures that carry no explicit retry-after.
const maxRetryDelay = 10 * time.Minute

// New builds a Dispatcher bound to one entity type's generation cache,
// requeue queue and client.
func New(cfg Config, genCache cache.GenerationCache, queue *requeue.TimedQueue, client kclient.Client) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		cache:    genCache,
		queue:    queue,
		client:   client,
		recorder: events.NewRecorder(cfg.Recorder),
		retry:    backoff.NewBackoff(maxRetryDelay),
	}
}

// ReconcileCreation implements reconcileCreation.
func (d *Dispatcher) ReconcileCreation(ctx context.Context, obj entity.Object, trigger entity.TriggerSource) reconcile.Result {
	start := time.Now()
	logger := log.FromContext(ctx).WithValues("name", obj.GetName(), "namespace", obj.GetNamespace())

	d.queue.Remove(obj)

	if !obj.GetDeletionTimestamp().IsZero() {
		logger.V(1).Info("created entity already carries a deletion timestamp; deferring to deletion path")
		return d.finish(obj, reconcile.Succeeded(), start)
	}

	uid := entity.UID(obj)
	if trigger == entity.TriggerAPIServer {
		if _, found, err := d.cache.TryGet(ctx, uid); err != nil {
			return d.finish(obj, reconcile.Failed(errors.Wrap(err, "error reading generation cache")), start)
		} else if found {
			metrics.GenerationCacheHits.WithLabelValues(d.cfg.EntityTypeName).Inc()
			logger.V(1).Info("already cached; skipping reconcile")
			return d.finish(obj, reconcile.Succeeded(), start)
		}
		metrics.GenerationCacheMisses.WithLabelValues(d.cfg.EntityTypeName).Inc()
		if err := d.cache.Set(ctx, uid, obj.GetGeneration()); err != nil {
			return d.finish(obj, reconcile.Failed(errors.Wrap(err, "error writing generation cache")), start)
		}
	}

	if d.cfg.AutoAttachFinalizers {
		attached, err := d.attachFinalizers(ctx, obj)
		if err != nil {
			return d.finish(obj, reconcile.Failed(errors.Wrap(err, "error attaching finalizers")), start)
		}
		if attached {
			// the persisted update will itself surface as a fresh Modified
			// event; nothing further to do on this pass
			return d.finish(obj, reconcile.Succeeded(), start)
		}
	}

	result := d.cfg.Reconciler.Reconcile(ctx, obj)
	d.scheduleRequeue(obj, result, requeue.KindModified, requeue.KindAdded)
	return d.finish(obj, result, start)
}

// ReconcileModification implements reconcileModification.
func (d *Dispatcher) ReconcileModification(ctx context.Context, obj entity.Object, trigger entity.TriggerSource) reconcile.Result {
	start := time.Now()
	logger := log.FromContext(ctx).WithValues("name", obj.GetName(), "namespace", obj.GetNamespace())

	d.queue.Remove(obj)

	var result reconcile.Result
	switch {
	case obj.GetDeletionTimestamp().IsZero():
		uid := entity.UID(obj)
		if trigger == entity.TriggerAPIServer {
			cached, found, err := d.cache.TryGet(ctx, uid)
			if err != nil {
				return d.finish(obj, reconcile.Failed(errors.Wrap(err, "error reading generation cache")), start)
			}
			if found && cached >= obj.GetGeneration() {
				metrics.GenerationCacheHits.WithLabelValues(d.cfg.EntityTypeName).Inc()
				logger.V(1).Info("generation unchanged; skipping reconcile")
				return d.finish(obj, reconcile.Succeeded(), start)
			}
			metrics.GenerationCacheMisses.WithLabelValues(d.cfg.EntityTypeName).Inc()
			generation := obj.GetGeneration()
			if generation == 0 {
				generation = 1
			}
			if err := d.cache.Set(ctx, uid, generation); err != nil {
				return d.finish(obj, reconcile.Failed(errors.Wrap(err, "error writing generation cache")), start)
			}
		}

		if d.cfg.AutoAttachFinalizers {
			attached, err := d.attachFinalizers(ctx, obj)
			if err != nil {
				return d.finish(obj, reconcile.Failed(errors.Wrap(err, "error attaching finalizers")), start)
			}
			if attached {
				return d.finish(obj, reconcile.Succeeded(), start)
			}
		}

		result = d.cfg.Reconciler.Reconcile(ctx, obj)

	case len(obj.GetFinalizers()) > 0:
		result = d.runFinalizer(ctx, obj, logger)

	default:
		result = reconcile.Succeeded()
	}

	d.scheduleRequeue(obj, result, requeue.KindModified, requeue.KindModified)
	return d.finish(obj, result, start)
}

// ReconcileDeletion implements reconcileDeletion.
func (d *Dispatcher) ReconcileDeletion(ctx context.Context, obj entity.Object, trigger entity.TriggerSource) reconcile.Result {
	start := time.Now()

	d.queue.Remove(obj)

	result := d.cfg.Reconciler.Deleted(ctx, obj)
	if result.IsSuccess() {
		if err := d.cache.Remove(ctx, entity.UID(obj)); err != nil {
			return d.finish(obj, reconcile.Failed(errors.Wrap(err, "error evicting generation cache entry")), start)
		}
	}

	d.scheduleRequeue(obj, result, requeue.KindDeleted, requeue.KindDeleted)
	return d.finish(obj, result, start)
}

// runFinalizer implements the finalizer sub-protocol: exactly one
// registered finalizer is invoked per reconciliation pass.
func (d *Dispatcher) runFinalizer(ctx context.Context, obj entity.Object, logger logr.Logger) reconcile.Result {
	id := obj.GetFinalizers()[0]
	fin, ok := d.cfg.Finalizers[id]
	if !ok {
		logger.V(1).Info("finalizer not registered here; leaving to its owning controller", "finalizerID", id)
		return reconcile.Succeeded()
	}

	result := fin.Finalize(ctx, obj)
	if !result.IsSuccess() {
		return result
	}

	if d.cfg.AutoDetachFinalizers {
		remaining := slices.Remove(obj.GetFinalizers(), id)
		obj.SetFinalizers(remaining)
		if _, err := d.client.Update(ctx, obj); err != nil {
			return reconcile.Failed(errors.Wrap(err, "error persisting finalizer removal"))
		}
	}
	return reconcile.Succeeded()
}

// attachFinalizers appends every registered finalizer identifier missing
// from obj's finalizer list and persists the change. It returns true if an
// update was performed, in which case the caller should not also invoke the
// reconciler on this pass.
func (d *Dispatcher) attachFinalizers(ctx context.Context, obj entity.Object) (bool, error) {
	current := obj.GetFinalizers()
	updated := current
	for id := range d.cfg.Finalizers {
		if !slices.Contains(updated, id) {
			updated = append(updated, id)
		}
	}
	if len(updated) == len(current) {
		return false, nil
	}
	obj.SetFinalizers(updated)
	if _, err := d.client.Update(ctx, obj); err != nil {
		return false, err
	}
	return true, nil
}

func (d *Dispatcher) scheduleRequeue(obj entity.Object, result reconcile.Result, kindOnSuccess, kindOnFailure requeue.Kind) {
	uid := entity.UID(obj)
	if result.IsSuccess() {
		d.retry.Forget(uid)
	}

	delay := result.RequeueAfter
	if delay == nil && !result.IsSuccess() {
		// a retriable failure without an explicit retry-after still gets a
		// scheduled retry, at a per-uid exponentially growing delay
		var retriable reconcile.RetriableError
		if goerrors.As(result.Cause, &retriable) {
			if after := retriable.RetryAfter(); after != nil {
				delay = after
			} else {
				next := d.retry.Next(uid, string(kindOnFailure))
				delay = &next
			}
		}
	}
	if delay == nil {
		return
	}

	kind := kindOnSuccess
	if !result.IsSuccess() {
		kind = kindOnFailure
	}
	d.queue.Enqueue(obj, kind, *delay)
}

func (d *Dispatcher) finish(obj entity.Object, result reconcile.Result, start time.Time) reconcile.Result {
	metrics.ReconcileDuration.WithLabelValues(d.cfg.EntityTypeName).Observe(time.Since(start).Seconds())
	metrics.Reconciles.WithLabelValues(d.cfg.EntityTypeName, string(result.Outcome)).Inc()
	if !result.IsSuccess() {
		d.recorder.Eventf(obj, corev1.EventTypeWarning, "ReconciliationFailed", "reconciliation failed: %s", result.Message)
	}
	return result
}
