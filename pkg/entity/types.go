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

// Package entity defines the structural contract the runtime core uses to
// observe and mutate Kubernetes custom resources, without depending on any
// concrete generated type.
package entity

import (
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	apitypes "k8s.io/apimachinery/pkg/types"
)

// Object is the structural contract that a registered custom resource type
// must satisfy. It is deliberately narrower than client.Object: the core
// reads uid, generation, resourceVersion, deletionTimestamp and finalizers
// (plus kind, name and namespace for logging), and only ever mutates
// finalizers.
//
// Any type generated by controller-gen (embedding metav1.ObjectMeta and
// metav1.TypeMeta) satisfies this interface already.
type Object interface {
	GetObjectKind() schema.ObjectKind
	GetUID() apitypes.UID
	GetName() string
	GetNamespace() string
	GetGeneration() int64
	GetResourceVersion() string
	GetDeletionTimestamp() *metav1.Time
	GetFinalizers() []string
	SetFinalizers([]string)
}

// Key identifies an Object uniquely within a watch stream's scope.
func Key(obj Object) string {
	gvk := obj.GetObjectKind().GroupVersionKind()
	if obj.GetNamespace() == "" {
		return fmt.Sprintf("%s %s", gvk, obj.GetName())
	}
	return fmt.Sprintf("%s %s/%s", gvk, obj.GetNamespace(), obj.GetName())
}

// UID returns the opaque UID used as the cache and requeue-queue key, as a
// plain string; uid survives name reuse, which namespace/name does not.
func UID(obj Object) string {
	return string(obj.GetUID())
}

// EventType enumerates the five kinds of events the watch stream may emit.
type EventType string

const (
	Added    EventType = "Added"
	Modified EventType = "Modified"
	Deleted  EventType = "Deleted"
	Bookmark EventType = "Bookmark"
	Error    EventType = "Error"
)

// WatchEvent is a tagged pair produced by the watch stream.
type WatchEvent struct {
	Type   EventType
	Object Object
}

// TriggerSource distinguishes API-server-origin events from self-scheduled
// (requeue-origin) ones; the dispatcher's classification rules depend on it.
type TriggerSource string

const (
	// TriggerAPIServer marks an event delivered live from the watch stream.
	TriggerAPIServer TriggerSource = "ApiServer"
	// TriggerOperator marks an event re-delivered from the requeue queue.
	TriggerOperator TriggerSource = "Operator"
)
