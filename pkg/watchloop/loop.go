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

package watchloop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"

	"sigs.k8s.io/controller-runtime/pkg/log"

	ibackoff "github.com/opkernel/opkernel/internal/backoff"
	"github.com/opkernel/opkernel/internal/contexts"
	"github.com/opkernel/opkernel/internal/metrics"
	"github.com/opkernel/opkernel/pkg/entity"
	"github.com/opkernel/opkernel/pkg/kclient"
	"github.com/opkernel/opkernel/pkg/reconcile"
	"github.com/opkernel/opkernel/pkg/requeue"
)

var tracer = otel.Tracer("github.com/opkernel/opkernel/pkg/watchloop")

// Loop maintains a single logical subscription for one entity type,
// reconnecting with backoff on transient failures and feeding every
// non-bookmark event to the dispatcher.
type Loop struct {
	cfg Config

	currentResourceVersion string
	reconnect              *ibackoff.Reconnect
}

// New builds a Loop from cfg, with no resume cursor.
func New(cfg Config) *Loop {
	return &Loop{cfg: cfg, reconnect: ibackoff.NewReconnect()}
}

// Run drives the loop until ctx is cancelled. It never returns an error:
// all operational faults are handled internally, per the contract that
// start/stop never surface faults beyond cancellation.
func (l *Loop) Run(ctx context.Context) {
	logger := log.FromContext(ctx).WithValues("entityType", l.cfg.EntityTypeName)
	requeueCh := l.cfg.Queue.Drain(ctx)

	for ctx.Err() == nil {
		correlationID := uuid.NewString()
		loopCtx := contexts.WithCorrelationID(ctx, correlationID)
		loopCtx = contexts.WithEntityTypeName(loopCtx, l.cfg.EntityTypeName)

		w, err := l.openWatch(loopCtx)
		if err != nil {
			logger.V(1).Info("error opening watch; backing off", "error", err)
			l.sleepReconnect(ctx, "open-error")
			continue
		}

		metrics.RequeueQueueDepth.WithLabelValues(l.cfg.EntityTypeName).Set(float64(l.cfg.Queue.Len()))

		brk := l.consume(loopCtx, w, requeueCh)
		w.Stop()
		if brk == breakShutdown {
			return
		}
	}
}

type breakReason int

const (
	breakReconnect breakReason = iota
	breakShutdown
)

// consume processes events from one underlying watch.Interface together
// with operator-origin requeue entries, until the stream ends, a fatal
// error occurs, or ctx is cancelled.
func (l *Loop) consume(ctx context.Context, w watch.Interface, requeueCh <-chan requeue.Entry) breakReason {
	logger := log.FromContext(ctx)
	resultCh := w.ResultChan()

	for {
		select {
		case <-ctx.Done():
			return breakShutdown

		case entry, ok := <-requeueCh:
			if !ok {
				return breakShutdown
			}
			l.dispatchRequeueEntry(ctx, entry)

		case event, ok := <-resultCh:
			if !ok {
				// stream ended naturally (server-side timeout); reconnect
				// without resetting the cursor or the backoff counter
				return breakReconnect
			}
			switch l.handleEvent(ctx, logger, event) {
			case eventOutcomeContinue:
				continue
			case eventOutcomeReconnectNow:
				return breakReconnect
			case eventOutcomeReconnectWithBackoff:
				l.sleepReconnect(ctx, "stream-error")
				return breakReconnect
			}
		}
	}
}

type eventOutcome int

const (
	eventOutcomeContinue eventOutcome = iota
	eventOutcomeReconnectNow
	eventOutcomeReconnectWithBackoff
)

func (l *Loop) handleEvent(ctx context.Context, logger logr.Logger, event watch.Event) eventOutcome {
	if event.Type == watch.Error {
		return l.handleStreamError(logger, event)
	}

	obj, ok := event.Object.(entity.Object)
	if !ok {
		logger.V(1).Info("unsupported event object type; skipping", "eventType", event.Type)
		return eventOutcomeContinue
	}

	eventType := mapEventType(event.Type)
	metrics.WatchEvents.WithLabelValues(l.cfg.EntityTypeName, string(eventType)).Inc()

	correlationID, _ := contexts.CorrelationIDFromContext(ctx)
	spanCtx, span := tracer.Start(ctx, fmt.Sprintf("processing %q event", eventType))
	defer span.End()
	span.SetAttributes(attribute.String("correlationID", correlationID))

	logger = logger.WithValues(
		"correlationID", correlationID,
		"eventType", eventType,
		"kind", obj.GetObjectKind().GroupVersionKind().Kind,
		"name", obj.GetName(),
		"namespace", obj.GetNamespace(),
		"resourceVersion", obj.GetResourceVersion(),
	)
	logger.V(1).Info("received event")

	if eventType == entity.Bookmark {
		l.currentResourceVersion = obj.GetResourceVersion()
		l.reconnect.Reset()
		return eventOutcomeContinue
	}

	var result reconcile.Result
	switch eventType {
	case entity.Added:
		result = l.cfg.Dispatcher.ReconcileCreation(spanCtx, obj, entity.TriggerAPIServer)
	case entity.Modified:
		result = l.cfg.Dispatcher.ReconcileModification(spanCtx, obj, entity.TriggerAPIServer)
	case entity.Deleted:
		result = l.cfg.Dispatcher.ReconcileDeletion(spanCtx, obj, entity.TriggerAPIServer)
	default:
		logger.V(1).Info("unsupported watch event type; skipping")
		return eventOutcomeContinue
	}
	if !result.IsSuccess() {
		logger.V(1).Info("reconciliation failed", "error", result.Cause)
	}

	l.currentResourceVersion = obj.GetResourceVersion()
	l.reconnect.Reset()
	return eventOutcomeContinue
}

func (l *Loop) dispatchRequeueEntry(ctx context.Context, entry requeue.Entry) {
	ctx = contexts.WithTriggerSource(ctx, entity.TriggerOperator)
	switch entry.Kind {
	case requeue.KindAdded:
		l.cfg.Dispatcher.ReconcileCreation(ctx, entry.Object, entity.TriggerOperator)
	case requeue.KindModified:
		l.cfg.Dispatcher.ReconcileModification(ctx, entry.Object, entity.TriggerOperator)
	case requeue.KindDeleted:
		l.cfg.Dispatcher.ReconcileDeletion(ctx, entry.Object, entity.TriggerOperator)
	}
}

// handleStreamError classifies a watch.Error event per the 410/504/benign/
// other table and returns the outcome the caller should act on.
func (l *Loop) handleStreamError(logger logr.Logger, event watch.Event) eventOutcome {
	status, ok := event.Object.(*metav1.Status)
	if !ok {
		logger.V(1).Info("malformed error event; treating as benign")
		return eventOutcomeReconnectNow
	}
	err := apierrors.FromObject(status)

	switch {
	case apierrors.IsResourceExpired(err) || apierrors.IsGone(err):
		logger.V(1).Info("resource version expired; resetting cursor", "error", err)
		metrics.WatchReconnects.WithLabelValues(l.cfg.EntityTypeName, "gone").Inc()
		l.currentResourceVersion = ""
		return eventOutcomeReconnectNow

	case apierrors.IsTimeout(err) || apierrors.IsServerTimeout(err):
		logger.V(1).Info("gateway timeout on watch stream; reconnecting with cursor intact", "error", err)
		metrics.WatchReconnects.WithLabelValues(l.cfg.EntityTypeName, "timeout").Inc()
		return eventOutcomeReconnectNow

	case isBenignStreamError(err):
		logger.V(1).Info("benign stream error; reconnecting", "error", err)
		metrics.WatchReconnects.WithLabelValues(l.cfg.EntityTypeName, "benign").Inc()
		return eventOutcomeReconnectNow

	default:
		logger.V(1).Info("watch stream error; backing off", "error", err)
		metrics.WatchReconnects.WithLabelValues(l.cfg.EntityTypeName, "error").Inc()
		return eventOutcomeReconnectWithBackoff
	}
}

func isBenignStreamError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// mapEventType translates apimachinery's SCREAMING_CASE wire event types
// into this package's entity.EventType constants.
func mapEventType(t watch.EventType) entity.EventType {
	switch t {
	case watch.Added:
		return entity.Added
	case watch.Modified:
		return entity.Modified
	case watch.Deleted:
		return entity.Deleted
	case watch.Bookmark:
		return entity.Bookmark
	case watch.Error:
		return entity.Error
	default:
		return entity.EventType(t)
	}
}

func (l *Loop) sleepReconnect(ctx context.Context, reason string) {
	delay := l.reconnect.Next()
	metrics.WatchReconnects.WithLabelValues(l.cfg.EntityTypeName, reason).Inc()
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}

func (l *Loop) openWatch(ctx context.Context) (watchInterface, error) {
	labelSelector, err := l.cfg.Resolver.Resolve()
	if err != nil {
		return nil, err
	}
	return l.cfg.Client.Watch(ctx, kclient.WatchOptions{
		Namespace:       l.cfg.Namespace,
		ResourceVersion: l.currentResourceVersion,
		LabelSelector:   labelSelector,
		AllowBookmarks:  true,
	})
}

// watchInterface is a narrow local alias so openWatch's signature reads
// without repeating the fully-qualified package name.
type watchInterface = watch.Interface
