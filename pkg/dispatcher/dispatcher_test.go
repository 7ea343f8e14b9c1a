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

package dispatcher_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	apitypes "k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/opkernel/opkernel/internal/testentity"
	"github.com/opkernel/opkernel/pkg/cache"
	"github.com/opkernel/opkernel/pkg/dispatcher"
	"github.com/opkernel/opkernel/pkg/entity"
	"github.com/opkernel/opkernel/pkg/kclient"
	"github.com/opkernel/opkernel/pkg/reconcile"
	"github.com/opkernel/opkernel/pkg/requeue"
)

type countingReconciler struct {
	reconcileCalls int
	deletedCalls   int
	result         reconcile.Result
}

func (r *countingReconciler) Reconcile(ctx context.Context, obj entity.Object) reconcile.Result {
	r.reconcileCalls++
	return r.result
}

func (r *countingReconciler) Deleted(ctx context.Context, obj entity.Object) reconcile.Result {
	r.deletedCalls++
	return r.result
}

type countingFinalizer struct {
	calls  int
	result reconcile.Result
}

func (f *countingFinalizer) Finalize(ctx context.Context, obj entity.Object) reconcile.Result {
	f.calls++
	return f.result
}

type fakeClient struct {
	updated []entity.Object
}

var _ kclient.Client = &fakeClient{}

func (c *fakeClient) Watch(ctx context.Context, opts kclient.WatchOptions) (watch.Interface, error) {
	return nil, nil
}

func (c *fakeClient) Update(ctx context.Context, obj entity.Object) (entity.Object, error) {
	c.updated = append(c.updated, obj)
	return obj, nil
}

func (c *fakeClient) Get(ctx context.Context, key apitypes.NamespacedName) (entity.Object, error) {
	return nil, nil
}

var _ = Describe("Dispatcher", func() {
	var (
		genCache    *cache.MemoryCache
		queue       *requeue.TimedQueue
		reconciler  *countingReconciler
		client      *fakeClient
		d           *dispatcher.Dispatcher
		ctx         context.Context
	)

	BeforeEach(func() {
		genCache = cache.NewMemoryCache()
		queue = requeue.New()
		reconciler = &countingReconciler{result: reconcile.Succeeded()}
		client = &fakeClient{}
		ctx = context.Background()
	})

	AfterEach(func() {
		queue.Shutdown()
	})

	It("S1: skips reconcile on a status-only modification", func() {
		Expect(genCache.Set(ctx, "u1", 7)).To(Succeed())
		d = dispatcher.New(dispatcher.Config{EntityTypeName: "widgets", Reconciler: reconciler}, genCache, queue, client)

		obj := testentity.New("u1", 7)
		result := d.ReconcileModification(ctx, obj, entity.TriggerAPIServer)

		Expect(result.IsSuccess()).To(BeTrue())
		Expect(reconciler.reconcileCalls).To(Equal(0))
		gen, found, err := genCache.TryGet(ctx, "u1")
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(gen).To(Equal(int64(7)))
	})

	It("S2: reconciles once when generation has advanced", func() {
		Expect(genCache.Set(ctx, "u1", 7)).To(Succeed())
		d = dispatcher.New(dispatcher.Config{EntityTypeName: "widgets", Reconciler: reconciler}, genCache, queue, client)

		obj := testentity.New("u1", 8)
		result := d.ReconcileModification(ctx, obj, entity.TriggerAPIServer)

		Expect(result.IsSuccess()).To(BeTrue())
		Expect(reconciler.reconcileCalls).To(Equal(1))
		gen, found, err := genCache.TryGet(ctx, "u1")
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(gen).To(Equal(int64(8)))
	})

	It("S3: runs the registered finalizer once and detaches it on success", func() {
		fin := &countingFinalizer{result: reconcile.Succeeded()}
		id := dispatcher.FinalizerID("foo", "bar")
		d = dispatcher.New(dispatcher.Config{
			EntityTypeName:       "widgets",
			Reconciler:           reconciler,
			Finalizers:           dispatcher.FinalizerRegistry{id: fin},
			AutoDetachFinalizers: true,
		}, genCache, queue, client)

		obj := testentity.New("u2", 1)
		now := metav1.Now()
		obj.DeletionTimestamp = &now
		obj.Finalizers = []string{id}

		result := d.ReconcileModification(ctx, obj, entity.TriggerAPIServer)

		Expect(result.IsSuccess()).To(BeTrue())
		Expect(fin.calls).To(Equal(1))
		Expect(client.updated).To(HaveLen(1))
		Expect(client.updated[0].GetFinalizers()).To(BeEmpty())
	})

	It("leaves an unregistered finalizer for its owning controller", func() {
		d = dispatcher.New(dispatcher.Config{EntityTypeName: "widgets", Reconciler: reconciler}, genCache, queue, client)

		obj := testentity.New("u3", 1)
		now := metav1.Now()
		obj.DeletionTimestamp = &now
		obj.Finalizers = []string{"someone-else/their-finalizer"}

		result := d.ReconcileModification(ctx, obj, entity.TriggerAPIServer)

		Expect(result.IsSuccess()).To(BeTrue())
		Expect(client.updated).To(BeEmpty())
	})

	It("schedules a requeue entry when the result carries RequeueAfter", func() {
		reconciler.result = reconcile.SucceededWithRequeue(50 * time.Millisecond)
		d = dispatcher.New(dispatcher.Config{EntityTypeName: "widgets", Reconciler: reconciler}, genCache, queue, client)

		obj := testentity.New("u4", 1)
		d.ReconcileModification(ctx, obj, entity.TriggerAPIServer)

		Expect(queue.Len()).To(Equal(1))
	})

	It("skips creation reconcile when the entity is already cached", func() {
		Expect(genCache.Set(ctx, "u6", 4)).To(Succeed())
		d = dispatcher.New(dispatcher.Config{EntityTypeName: "widgets", Reconciler: reconciler}, genCache, queue, client)

		obj := testentity.New("u6", 4)
		result := d.ReconcileCreation(ctx, obj, entity.TriggerAPIServer)

		Expect(result.IsSuccess()).To(BeTrue())
		Expect(reconciler.reconcileCalls).To(Equal(0))
	})

	It("caches and reconciles a fresh creation", func() {
		d = dispatcher.New(dispatcher.Config{EntityTypeName: "widgets", Reconciler: reconciler}, genCache, queue, client)

		obj := testentity.New("u7", 2)
		result := d.ReconcileCreation(ctx, obj, entity.TriggerAPIServer)

		Expect(result.IsSuccess()).To(BeTrue())
		Expect(reconciler.reconcileCalls).To(Equal(1))
		gen, found, err := genCache.TryGet(ctx, "u7")
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(gen).To(Equal(int64(2)))
	})

	It("short-circuits a creation that already carries a deletion timestamp", func() {
		d = dispatcher.New(dispatcher.Config{EntityTypeName: "widgets", Reconciler: reconciler}, genCache, queue, client)

		obj := testentity.New("u8", 1)
		now := metav1.Now()
		obj.DeletionTimestamp = &now
		result := d.ReconcileCreation(ctx, obj, entity.TriggerAPIServer)

		Expect(result.IsSuccess()).To(BeTrue())
		Expect(reconciler.reconcileCalls).To(Equal(0))
		_, found, err := genCache.TryGet(ctx, "u8")
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeFalse())
	})

	It("evicts the cache entry after a successful deletion", func() {
		Expect(genCache.Set(ctx, "u9", 3)).To(Succeed())
		d = dispatcher.New(dispatcher.Config{EntityTypeName: "widgets", Reconciler: reconciler}, genCache, queue, client)

		obj := testentity.New("u9", 3)
		result := d.ReconcileDeletion(ctx, obj, entity.TriggerAPIServer)

		Expect(result.IsSuccess()).To(BeTrue())
		Expect(reconciler.deletedCalls).To(Equal(1))
		_, found, err := genCache.TryGet(ctx, "u9")
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeFalse())
	})

	It("keeps the cache entry when deletion fails", func() {
		Expect(genCache.Set(ctx, "u10", 3)).To(Succeed())
		reconciler.result = reconcile.Failed(errors.New("cleanup failed"))
		d = dispatcher.New(dispatcher.Config{EntityTypeName: "widgets", Reconciler: reconciler}, genCache, queue, client)

		obj := testentity.New("u10", 3)
		result := d.ReconcileDeletion(ctx, obj, entity.TriggerAPIServer)

		Expect(result.IsSuccess()).To(BeFalse())
		_, found, err := genCache.TryGet(ctx, "u10")
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeTrue())
	})

	It("schedules a retry for a retriable failure without an explicit requeue", func() {
		retryAfter := 100 * time.Millisecond
		reconciler.result = reconcile.Failed(reconcile.NewRetriableError(errors.New("api busy"), &retryAfter))
		d = dispatcher.New(dispatcher.Config{EntityTypeName: "widgets", Reconciler: reconciler}, genCache, queue, client)

		obj := testentity.New("u11", 1)
		result := d.ReconcileModification(ctx, obj, entity.TriggerAPIServer)

		Expect(result.IsSuccess()).To(BeFalse())
		Expect(queue.Len()).To(Equal(1))
	})

	It("does not schedule a retry for a plain failure", func() {
		reconciler.result = reconcile.Failed(errors.New("hard failure"))
		d = dispatcher.New(dispatcher.Config{EntityTypeName: "widgets", Reconciler: reconciler}, genCache, queue, client)

		obj := testentity.New("u12", 1)
		result := d.ReconcileModification(ctx, obj, entity.TriggerAPIServer)

		Expect(result.IsSuccess()).To(BeFalse())
		Expect(queue.Len()).To(Equal(0))
	})

	It("attaches registered finalizers before reconciling when enabled", func() {
		fin := &countingFinalizer{result: reconcile.Succeeded()}
		id := dispatcher.FinalizerID("example.io", "widget")
		d = dispatcher.New(dispatcher.Config{
			EntityTypeName:       "widgets",
			Reconciler:           reconciler,
			Finalizers:           dispatcher.FinalizerRegistry{id: fin},
			AutoAttachFinalizers: true,
		}, genCache, queue, client)

		obj := testentity.New("u13", 1)
		result := d.ReconcileModification(ctx, obj, entity.TriggerAPIServer)

		// the attach pass persists the finalizer and defers reconciliation
		// to the Modified event the update raises
		Expect(result.IsSuccess()).To(BeTrue())
		Expect(reconciler.reconcileCalls).To(Equal(0))
		Expect(client.updated).To(HaveLen(1))
		Expect(client.updated[0].GetFinalizers()).To(ContainElement(id))
	})

	It("enqueuing then removing a requeue entry leaves no pending entry", func() {
		reconciler.result = reconcile.SucceededWithRequeue(time.Hour)
		d = dispatcher.New(dispatcher.Config{EntityTypeName: "widgets", Reconciler: reconciler}, genCache, queue, client)

		obj := testentity.New("u5", 1)
		d.ReconcileModification(ctx, obj, entity.TriggerAPIServer)
		Expect(queue.Len()).To(Equal(1))

		queue.Remove(obj)
		Expect(queue.Len()).To(Equal(0))
	})
})
