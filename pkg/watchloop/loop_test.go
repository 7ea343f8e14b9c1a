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

package watchloop_test

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
	apitypes "k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/opkernel/opkernel/internal/testentity"
	"github.com/opkernel/opkernel/pkg/cache"
	"github.com/opkernel/opkernel/pkg/dispatcher"
	"github.com/opkernel/opkernel/pkg/entity"
	"github.com/opkernel/opkernel/pkg/kclient"
	"github.com/opkernel/opkernel/pkg/reconcile"
	"github.com/opkernel/opkernel/pkg/requeue"
	"github.com/opkernel/opkernel/pkg/selector"
	"github.com/opkernel/opkernel/pkg/watchloop"
)

// scriptedWatcher is a watch.Interface the test feeds events into.
type scriptedWatcher struct {
	events   chan watch.Event
	stopOnce sync.Once
}

func newScriptedWatcher() *scriptedWatcher {
	return &scriptedWatcher{events: make(chan watch.Event, 16)}
}

func (w *scriptedWatcher) Emit(event watch.Event) { w.events <- event }

// End simulates the server closing the stream.
func (w *scriptedWatcher) End() { w.Stop() }

func (w *scriptedWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.events) })
}

func (w *scriptedWatcher) ResultChan() <-chan watch.Event { return w.events }

// fakeWatchClient hands out pre-scripted watchers in order, recording the
// options of every connection attempt.
type fakeWatchClient struct {
	mu       sync.Mutex
	opened   []kclient.WatchOptions
	watchers chan *scriptedWatcher
}

func newFakeWatchClient(watchers ...*scriptedWatcher) *fakeWatchClient {
	ch := make(chan *scriptedWatcher, len(watchers))
	for _, w := range watchers {
		ch <- w
	}
	return &fakeWatchClient{watchers: ch}
}

var _ kclient.Client = &fakeWatchClient{}

func (c *fakeWatchClient) Watch(ctx context.Context, opts kclient.WatchOptions) (watch.Interface, error) {
	c.mu.Lock()
	c.opened = append(c.opened, opts)
	c.mu.Unlock()
	select {
	case w := <-c.watchers:
		return w, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeWatchClient) Update(ctx context.Context, obj entity.Object) (entity.Object, error) {
	return obj, nil
}

func (c *fakeWatchClient) Get(ctx context.Context, key apitypes.NamespacedName) (entity.Object, error) {
	return nil, nil
}

func (c *fakeWatchClient) Opened() []kclient.WatchOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]kclient.WatchOptions(nil), c.opened...)
}

// atomicReconciler counts invocations; results are consumed in order, the
// last one repeating.
type atomicReconciler struct {
	mu             sync.Mutex
	results        []reconcile.Result
	reconcileCalls atomic.Int32
	deletedCalls   atomic.Int32
}

func (r *atomicReconciler) next() reconcile.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.results) == 0 {
		return reconcile.Succeeded()
	}
	result := r.results[0]
	if len(r.results) > 1 {
		r.results = r.results[1:]
	}
	return result
}

func (r *atomicReconciler) Reconcile(ctx context.Context, obj entity.Object) reconcile.Result {
	r.reconcileCalls.Add(1)
	return r.next()
}

func (r *atomicReconciler) Deleted(ctx context.Context, obj entity.Object) reconcile.Result {
	r.deletedCalls.Add(1)
	return r.next()
}

func modified(uid string, generation int64, resourceVersion string) watch.Event {
	obj := testentity.New(uid, generation)
	obj.ResourceVersion = resourceVersion
	return watch.Event{Type: watch.Modified, Object: obj}
}

func bookmark(resourceVersion string) watch.Event {
	obj := testentity.New("", 0)
	obj.ResourceVersion = resourceVersion
	return watch.Event{Type: watch.Bookmark, Object: obj}
}

var _ = Describe("Loop", func() {
	var (
		reconciler *atomicReconciler
		queue      *requeue.TimedQueue
		ctx        context.Context
		cancel     context.CancelFunc
		done       chan struct{}
	)

	BeforeEach(func() {
		reconciler = &atomicReconciler{}
		queue = requeue.New()
		ctx, cancel = context.WithCancel(context.Background())
		done = make(chan struct{})
	})

	AfterEach(func() {
		cancel()
		Eventually(done).Should(BeClosed())
		queue.Shutdown()
	})

	startLoop := func(client *fakeWatchClient) {
		d := dispatcher.New(dispatcher.Config{EntityTypeName: "widgets", Reconciler: reconciler}, cache.NewMemoryCache(), queue, client)
		loop := watchloop.New(watchloop.Config{
			EntityTypeName: "widgets",
			Resolver:       selector.NewStaticFromString(""),
			Client:         client,
			Dispatcher:     d,
			Queue:          queue,
		})
		go func() {
			defer close(done)
			loop.Run(ctx)
		}()
	}

	It("updates the cursor from bookmarks and never dispatches them", func() {
		w1, w2 := newScriptedWatcher(), newScriptedWatcher()
		client := newFakeWatchClient(w1, w2)
		startLoop(client)

		w1.Emit(bookmark("v7"))
		w1.End()

		Eventually(func() int { return len(client.Opened()) }).Should(Equal(2))
		Expect(client.Opened()[1].ResourceVersion).To(Equal("v7"))
		Expect(reconciler.reconcileCalls.Load()).To(BeZero())
	})

	It("resets the cursor after the stream reports 410 Gone", func() {
		w1, w2 := newScriptedWatcher(), newScriptedWatcher()
		client := newFakeWatchClient(w1, w2)
		startLoop(client)

		w1.Emit(modified("u1", 1, "v5"))
		w1.Emit(watch.Event{Type: watch.Error, Object: &apierrors.NewResourceExpired("too old resource version").ErrStatus})

		Eventually(func() int { return len(client.Opened()) }).Should(Equal(2))
		Expect(client.Opened()[1].ResourceVersion).To(BeEmpty())
		Expect(reconciler.reconcileCalls.Load()).To(Equal(int32(1)))
	})

	It("keeps the cursor after a gateway timeout", func() {
		w1, w2 := newScriptedWatcher(), newScriptedWatcher()
		client := newFakeWatchClient(w1, w2)
		startLoop(client)

		w1.Emit(modified("u1", 1, "v5"))
		w1.Emit(watch.Event{Type: watch.Error, Object: &apierrors.NewServerTimeout(schema.GroupResource{Resource: "widgets"}, "watch", 1).ErrStatus})

		Eventually(func() int { return len(client.Opened()) }).Should(Equal(2))
		Expect(client.Opened()[1].ResourceVersion).To(Equal("v5"))
	})

	It("re-delivers requeued entities with the operator trigger", func() {
		reconciler.results = []reconcile.Result{
			reconcile.SucceededWithRequeue(50 * time.Millisecond),
			reconcile.Succeeded(),
		}
		w1 := newScriptedWatcher()
		client := newFakeWatchClient(w1)
		startLoop(client)

		w1.Emit(modified("u1", 1, "v1"))

		// the first reconciliation requests a requeue; its re-delivery
		// bypasses the generation gate and reconciles again
		Eventually(func() int32 { return reconciler.reconcileCalls.Load() }).Should(Equal(int32(2)))
		Expect(queue.Len()).To(BeZero())
	})

	It("exits cleanly on cancellation", func() {
		w1 := newScriptedWatcher()
		client := newFakeWatchClient(w1)
		startLoop(client)

		w1.Emit(modified("u1", 1, "v1"))
		Eventually(func() int32 { return reconciler.reconcileCalls.Load() }).Should(Equal(int32(1)))

		cancel()
		Eventually(done).Should(BeClosed())
	})
})
