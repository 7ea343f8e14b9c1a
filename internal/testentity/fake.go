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

// Package testentity provides a minimal entity.Object implementation shared
// by tests across the runtime core's packages, without requiring envtest.
package testentity

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	apitypes "k8s.io/apimachinery/pkg/types"
)

// Fake is a bare-bones stand-in for a generated custom resource type,
// implementing entity.Object.
type Fake struct {
	UID               string
	Name              string
	Namespace         string
	Generation        int64
	ResourceVersion   string
	DeletionTimestamp *metav1.Time
	Finalizers        []string
	GVK               schema.GroupVersionKind
}

func New(uid string, generation int64) *Fake {
	return &Fake{
		UID:        uid,
		Name:       uid,
		Generation: generation,
		GVK:        schema.GroupVersionKind{Group: "example.io", Version: "v1", Kind: "Widget"},
	}
}

func (f *Fake) GetObjectKind() schema.ObjectKind { return &fakeObjectKind{gvk: f.GVK} }
func (f *Fake) GetUID() apitypes.UID             { return apitypes.UID(f.UID) }
func (f *Fake) GetName() string                  { return f.Name }
func (f *Fake) GetNamespace() string             { return f.Namespace }
func (f *Fake) GetGeneration() int64             { return f.Generation }
func (f *Fake) GetResourceVersion() string       { return f.ResourceVersion }
func (f *Fake) GetDeletionTimestamp() *metav1.Time { return f.DeletionTimestamp }
func (f *Fake) GetFinalizers() []string          { return f.Finalizers }
func (f *Fake) SetFinalizers(finalizers []string) { f.Finalizers = finalizers }

// DeepCopy returns a shallow-field copy sufficient for test scenarios.
func (f *Fake) DeepCopy() *Fake {
	cp := *f
	cp.Finalizers = append([]string(nil), f.Finalizers...)
	return &cp
}

// DeepCopyObject makes Fake a runtime.Object, so it can travel inside
// watch.Event values and be addressed by event recorders.
func (f *Fake) DeepCopyObject() runtime.Object {
	return f.DeepCopy()
}

type fakeObjectKind struct {
	gvk schema.GroupVersionKind
}

func (k *fakeObjectKind) SetGroupVersionKind(kind schema.GroupVersionKind) { k.gvk = kind }
func (k *fakeObjectKind) GroupVersionKind() schema.GroupVersionKind       { return k.gvk }
