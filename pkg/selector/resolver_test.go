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

package selector_test

import (
	"errors"
	"testing"

	"k8s.io/apimachinery/pkg/labels"

	"github.com/opkernel/opkernel/pkg/selector"
)

func TestStaticResolverFromSet(t *testing.T) {
	r := selector.NewStatic(labels.Set{"app": "widgets", "tier": "backend"})
	got, err := r.Resolve()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := labels.Set{"app": "widgets", "tier": "backend"}.AsSelector().String()
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestFuncResolverPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	r := selector.Func(func() (string, error) { return "", boom })
	_, err := r.Resolve()
	if !errors.Is(err, boom) {
		t.Fatalf("expected resolver error to propagate, got %v", err)
	}
}

func TestFuncResolverCalledEachTime(t *testing.T) {
	calls := 0
	r := selector.Func(func() (string, error) {
		calls++
		return "app=widgets", nil
	})
	if _, err := r.Resolve(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.Resolve(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected resolver to be invoked on each call, got %d calls", calls)
	}
}
