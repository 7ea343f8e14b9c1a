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

// Package watchloop implements the per-entity-type watch loop: a resumable
// event subscription with bookmark-based cursor tracking, 410/504-aware
// reconnect handling, and exponential backoff with jitter.
package watchloop

import (
	"github.com/opkernel/opkernel/pkg/dispatcher"
	"github.com/opkernel/opkernel/pkg/kclient"
	"github.com/opkernel/opkernel/pkg/requeue"
	"github.com/opkernel/opkernel/pkg/selector"
)

// Config wires one watch loop instance to its collaborators. Everything
// here is supplied once by the lifecycle host at registration time.
type Config struct {
	// EntityTypeName identifies this loop in logs, traces and metrics.
	EntityTypeName string
	// Namespace restricts the watch to one namespace; empty means all
	// namespaces.
	Namespace  string
	Resolver   selector.Resolver
	Client     kclient.Client
	Dispatcher *dispatcher.Dispatcher
	Queue      *requeue.TimedQueue
}
