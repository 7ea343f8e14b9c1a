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

package kclient

import (
	"context"

	"github.com/pkg/errors"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	apitypes "k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"

	"github.com/opkernel/opkernel/pkg/entity"
)

// RuntimeObject is the combination of entity.Object and runtime.Object that
// real generated custom resource types satisfy; DynamicClient decodes onto
// this so that watch results carry a concrete, typed object rather than a
// bare unstructured.Unstructured.
type RuntimeObject interface {
	entity.Object
	runtime.Object
}

// DynamicClient is the default Client implementation, backed by
// client-go's dynamic.Interface. It is generic over the concrete entity
// type T, decoding each unstructured payload into a fresh T via
// runtime.DefaultUnstructuredConverter.
type DynamicClient[T RuntimeObject] struct {
	resource  dynamic.NamespaceableResourceInterface
	newObject func() T
}

var _ Client = &DynamicClient[RuntimeObject]{}

// NewDynamicClient builds a Client for one entity type, identified by the
// given namespaceable resource interface (typically
// dynamicClient.Resource(gvr)). newObject must return a fresh, empty zero
// value of the concrete type each time it is called.
func NewDynamicClient[T RuntimeObject](resource dynamic.NamespaceableResourceInterface, newObject func() T) *DynamicClient[T] {
	return &DynamicClient[T]{resource: resource, newObject: newObject}
}

func (c *DynamicClient[T]) scopedResource(namespace string) dynamic.ResourceInterface {
	if namespace == "" {
		return c.resource
	}
	return c.resource.Namespace(namespace)
}

func (c *DynamicClient[T]) Watch(ctx context.Context, opts WatchOptions) (watch.Interface, error) {
	listOptions := metav1.ListOptions{
		ResourceVersion:     opts.ResourceVersion,
		LabelSelector:       opts.LabelSelector,
		AllowWatchBookmarks: opts.AllowBookmarks,
	}
	raw, err := c.scopedResource(opts.Namespace).Watch(ctx, listOptions)
	if err != nil {
		return nil, err
	}
	return &decodingWatcher[T]{inner: raw, newObject: c.newObject}, nil
}

func (c *DynamicClient[T]) Update(ctx context.Context, obj entity.Object) (entity.Object, error) {
	u, err := toUnstructured(obj)
	if err != nil {
		return nil, errors.Wrap(err, "error converting object to unstructured for update")
	}
	updated, err := c.scopedResource(obj.GetNamespace()).Update(ctx, u, metav1.UpdateOptions{})
	if err != nil {
		return nil, err
	}
	out, err := fromUnstructured(updated, c.newObject)
	if err != nil {
		return nil, errors.Wrap(err, "error converting updated object from unstructured")
	}
	return out, nil
}

func (c *DynamicClient[T]) Get(ctx context.Context, key apitypes.NamespacedName) (entity.Object, error) {
	u, err := c.scopedResource(key.Namespace).Get(ctx, key.Name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	out, err := fromUnstructured(u, c.newObject)
	if err != nil {
		return nil, errors.Wrap(err, "error converting fetched object from unstructured")
	}
	return out, nil
}

func toUnstructured(obj entity.Object) (*unstructured.Unstructured, error) {
	if u, ok := obj.(*unstructured.Unstructured); ok {
		return u, nil
	}
	data, err := runtime.DefaultUnstructuredConverter.ToUnstructured(obj)
	if err != nil {
		return nil, err
	}
	return &unstructured.Unstructured{Object: data}, nil
}

// fromUnstructured decodes u into a fresh T, short-circuiting when T is
// *unstructured.Unstructured itself (as it is when entities are registered
// without a generated Go type).
func fromUnstructured[T RuntimeObject](u *unstructured.Unstructured, newObject func() T) (T, error) {
	out := newObject()
	if target, ok := any(out).(*unstructured.Unstructured); ok {
		target.Object = u.Object
		return out, nil
	}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(u.Object, out); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// decodingWatcher adapts a dynamic watch.Interface (yielding
// *unstructured.Unstructured) into one yielding concrete T values, so the
// watch loop never has to deal with unstructured payloads directly.
type decodingWatcher[T RuntimeObject] struct {
	inner     watch.Interface
	newObject func() T
}

func (w *decodingWatcher[T]) Stop() {
	w.inner.Stop()
}

func (w *decodingWatcher[T]) ResultChan() <-chan watch.Event {
	out := make(chan watch.Event)
	go func() {
		defer close(out)
		for event := range w.inner.ResultChan() {
			if u, ok := event.Object.(*unstructured.Unstructured); ok {
				obj, err := fromUnstructured(u, w.newObject)
				if err != nil {
					out <- watch.Event{Type: watch.Error, Object: event.Object}
					continue
				}
				out <- watch.Event{Type: event.Type, Object: obj}
				continue
			}
			// bookmarks and status errors are not unstructured maps we need
			// to decode into T; pass them through unchanged
			out <- event
		}
	}()
	return out
}
