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

// Package selector produces the label selector string applied to watch
// subscriptions. Resolution may be dynamic and is re-evaluated
// once per (re)connect by the watch loop; errors propagate to the watch loop
// and trigger reconnect backoff rather than being handled here.
package selector

import (
	"k8s.io/apimachinery/pkg/labels"
)

// Resolver produces the label selector applied to a watch subscription.
type Resolver interface {
	// Resolve returns the label selector string, or an error if it cannot
	// currently be computed.
	Resolve() (string, error)
}

// Static returns a fixed selector, unpacked from a labels.Set for
// correctness (keys/values are validated and ordered deterministically).
type Static struct {
	selector string
}

var _ Resolver = Static{}

// NewStatic builds a Resolver that always returns set.AsSelector().String().
func NewStatic(set labels.Set) Static {
	return Static{selector: set.AsSelector().String()}
}

// NewStaticFromString builds a Resolver that always returns selector
// verbatim, without validation; use NewStatic when building the selector
// from a key/value map.
func NewStaticFromString(selector string) Static {
	return Static{selector: selector}
}

func (s Static) Resolve() (string, error) {
	return s.selector, nil
}

// Func adapts a plain function into a Resolver, for selectors that must be
// recomputed from mutable state (e.g. a ConfigMap-driven allow-list) on
// every (re)connect.
type Func func() (string, error)

var _ Resolver = Func(nil)

func (f Func) Resolve() (string, error) {
	return f()
}
