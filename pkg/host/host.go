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

// Package host orchestrates the runtime core: it owns one watch loop,
// requeue queue and dispatcher per registered entity type, starts them
// together and tears them down in order on shutdown. Generation cache and
// requeue queues belong to the host (and so survive leadership
// transitions); watch loops are created fresh for every run cycle.
package host

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"k8s.io/client-go/tools/record"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/opkernel/opkernel/pkg/cache"
	"github.com/opkernel/opkernel/pkg/dispatcher"
	"github.com/opkernel/opkernel/pkg/kclient"
	"github.com/opkernel/opkernel/pkg/reconcile"
	"github.com/opkernel/opkernel/pkg/requeue"
	"github.com/opkernel/opkernel/pkg/selector"
	"github.com/opkernel/opkernel/pkg/watchloop"
)

// Registration describes one entity type the host should watch and
// reconcile.
type Registration struct {
	// Name identifies the entity type in logs, traces and metric labels.
	Name string
	// Namespace restricts the watch; empty means all namespaces.
	Namespace  string
	Client     kclient.Client
	Reconciler reconcile.Reconciler
	// Finalizers maps finalizer identifiers (see dispatcher.FinalizerID) to
	// their cleanup routines. May be nil.
	Finalizers dispatcher.FinalizerRegistry
	// Selector produces the label selector for the watch; nil means no
	// selector.
	Selector selector.Resolver
}

// Option customizes a Host.
type Option func(*Host)

// WithGenerationCache replaces the default in-memory generation cache,
// typically with a chained memory+redis cache so observed generations
// survive restarts.
func WithGenerationCache(c cache.GenerationCache) Option {
	return func(h *Host) { h.cache = c }
}

// WithAutoAttachFinalizers makes every dispatcher append registered
// finalizer identifiers to an entity before reconciling spec changes.
func WithAutoAttachFinalizers() Option {
	return func(h *Host) { h.autoAttach = true }
}

// WithAutoDetachFinalizers makes every dispatcher remove a finalizer
// identifier from an entity once that finalizer reports success.
func WithAutoDetachFinalizers() Option {
	return func(h *Host) { h.autoDetach = true }
}

// WithEventRecorder publishes Warning events for failed reconciliations
// through the given recorder.
func WithEventRecorder(recorder record.EventRecorder) Option {
	return func(h *Host) { h.recorder = recorder }
}

type registered struct {
	reg   Registration
	queue *requeue.TimedQueue
	disp  *dispatcher.Dispatcher
}

// Host sequences startup and shutdown of the per-entity-type pipelines.
type Host struct {
	cache      cache.GenerationCache
	autoAttach bool
	autoDetach bool
	recorder   record.EventRecorder

	mu      sync.Mutex
	regs    []*registered
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	stopped bool
}

// New creates an empty Host.
func New(opts ...Option) *Host {
	h := &Host{cache: cache.NewMemoryCache()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds an entity type. Must be called before Start or RunWatchers.
func (h *Host) Register(reg Registration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return errors.New("cannot register entity types after start")
	}
	if reg.Name == "" || reg.Client == nil || reg.Reconciler == nil {
		return errors.New("registration requires a name, a client and a reconciler")
	}
	queue := requeue.New()
	disp := dispatcher.New(dispatcher.Config{
		EntityTypeName:       reg.Name,
		Reconciler:           reg.Reconciler,
		Finalizers:           reg.Finalizers,
		AutoAttachFinalizers: h.autoAttach,
		AutoDetachFinalizers: h.autoDetach,
		Recorder:             h.recorder,
	}, h.cache, queue, reg.Client)
	h.regs = append(h.regs, &registered{reg: reg, queue: queue, disp: disp})
	return nil
}

// RunWatchers runs one watch loop per registered entity type and blocks
// until ctx is cancelled and every loop has exited. This is the entry point
// the leader gate invokes for each period of leadership; each call creates
// fresh loops (and therefore fresh watch cursors), while queues, cache and
// dispatchers are reused.
func (h *Host) RunWatchers(ctx context.Context) {
	h.mu.Lock()
	h.started = true
	regs := h.regs
	h.mu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, r := range regs {
		loop := watchloop.New(watchloop.Config{
			EntityTypeName: r.reg.Name,
			Namespace:      r.reg.Namespace,
			Resolver:       resolverOrNone(r.reg.Selector),
			Client:         r.reg.Client,
			Dispatcher:     r.disp,
			Queue:          r.queue,
		})
		group.Go(func() error {
			loop.Run(groupCtx)
			return nil
		})
	}
	// the loops only return on cancellation, so Wait is the graceful drain:
	// every in-flight reconciliation has completed once it unblocks
	_ = group.Wait()
}

// Start launches RunWatchers in the background and returns once it is
// running. Use Stop to tear the host down.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return errors.New("host already started")
	}
	if h.stopped {
		return errors.New("host already stopped")
	}
	h.started = true

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		h.RunWatchers(runCtx)
	}(h.done)
	return nil
}

// Stop cancels the background watchers, waits for them to drain (bounded by
// ctx) and releases the requeue queues and clients. Calling Stop more than
// once is a no-op.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	cancel, done, regs := h.cancel, h.done, h.regs
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	logger := log.FromContext(ctx)
	for _, r := range regs {
		r.queue.Shutdown()
		if closer, ok := r.reg.Client.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				logger.V(1).Info("error closing client", "entityType", r.reg.Name, "error", err)
			}
		}
	}
	return nil
}

func resolverOrNone(r selector.Resolver) selector.Resolver {
	if r == nil {
		return selector.NewStaticFromString("")
	}
	return r
}
