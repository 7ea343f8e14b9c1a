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

// Package kclient provides the narrow Kubernetes client facade the core
// depends on: typed Watch, Update and Get. Everything else about the
// transport (authentication, REST config, informer caching) is the
// injected collaborator's concern.
package kclient

import (
	"context"

	apitypes "k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/opkernel/opkernel/pkg/entity"
)

// WatchOptions mirror the subset of metav1.ListOptions the watch loop needs
// to open a resumable subscription.
type WatchOptions struct {
	Namespace       string
	ResourceVersion string
	LabelSelector   string
	AllowBookmarks  bool
}

// Client is the facade the core consumes. Implementations must be safe for
// concurrent use; the lifecycle host owns exactly one instance and disposes
// it at shutdown.
type Client interface {
	// Watch opens a subscription that yields entity.Object values wrapped in
	// watch.Event; it is the caller's responsibility to apply opts.
	Watch(ctx context.Context, opts WatchOptions) (watch.Interface, error)
	// Update persists obj (the core only ever mutates .metadata.finalizers
	// through this call).
	Update(ctx context.Context, obj entity.Object) (entity.Object, error)
	// Get fetches a single entity by namespaced name; returns (nil, nil) if
	// not found, mirroring the "cold read" convention used by the cache.
	Get(ctx context.Context, key apitypes.NamespacedName) (entity.Object, error)
}
