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

// Package contexts carries per-reconciliation values (entity type name,
// trigger source, reconnect correlation id) through the call chain from the
// watch loop into the dispatcher and user code.
package contexts

import (
	"context"
	"fmt"

	"github.com/opkernel/opkernel/pkg/entity"
)

type entityTypeNameKey struct{}
type triggerSourceKey struct{}
type correlationIDKey struct{}

// WithEntityTypeName returns a derived context carrying the registered name
// of the entity type being processed (used in log scope and metric labels).
func WithEntityTypeName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, entityTypeNameKey{}, name)
}

// EntityTypeNameFromContext retrieves the entity type name set by
// WithEntityTypeName.
func EntityTypeNameFromContext(ctx context.Context) (string, error) {
	if name, ok := ctx.Value(entityTypeNameKey{}).(string); ok {
		return name, nil
	}
	return "", fmt.Errorf("entity type name not found in context")
}

// WithTriggerSource returns a derived context carrying which collaborator
// produced the event being processed.
func WithTriggerSource(ctx context.Context, source entity.TriggerSource) context.Context {
	return context.WithValue(ctx, triggerSourceKey{}, source)
}

// TriggerSourceFromContext retrieves the trigger source set by
// WithTriggerSource.
func TriggerSourceFromContext(ctx context.Context) (entity.TriggerSource, error) {
	if source, ok := ctx.Value(triggerSourceKey{}).(entity.TriggerSource); ok {
		return source, nil
	}
	return "", fmt.Errorf("trigger source not found in context")
}

// WithCorrelationID returns a derived context carrying the correlation id
// generated once per watch-stream connection lifetime, so that log lines
// and trace spans for events delivered on one underlying connection can be
// correlated.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationIDFromContext retrieves the correlation id set by
// WithCorrelationID.
func CorrelationIDFromContext(ctx context.Context) (string, error) {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id, nil
	}
	return "", fmt.Errorf("correlation id not found in context")
}
