package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
)

type (
	// Handler executes tasks whose TaskName equals Name.
	Handler interface {
		Name() string
		Handle(ctx context.Context, payload json.RawMessage) error
	}

	TaskHandlerFunc[T any] func(ctx context.Context, payload T) error
)

// NewTaskHandler registers fn under the qualified type name of T,
// matching the name Enqueue derives for a payload of that type.
func NewTaskHandler[T any](fn TaskHandlerFunc[T]) Handler {
	var payload T
	return NewNamedTaskHandler(TaskName(payload), fn)
}

// NewNamedTaskHandler registers fn under an explicit task name.
func NewNamedTaskHandler[T any](name string, fn TaskHandlerFunc[T]) Handler {
	return &taskHandler[T]{
		name:    name,
		handler: fn,
	}
}

type taskHandler[T any] struct {
	name    string
	handler TaskHandlerFunc[T]
}

func (h *taskHandler[T]) Name() string {
	return h.name
}

func (h *taskHandler[T]) Handle(ctx context.Context, payload json.RawMessage) error {
	var t T
	if err := json.Unmarshal(payload, &t); err != nil {
		// a payload that does not decode will never decode
		return Permanent(fmt.Errorf("failed to decode payload for %s: %w", h.name, err))
	}
	return h.handler(ctx, t)
}

// TaskName returns the package-qualified type name of v, e.g. "notify.ProcessTask".
// Pointers are dereferenced.
func TaskName(v any) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Name() == "" {
		return t.String()
	}
	pkg := t.PkgPath()
	for i := len(pkg) - 1; i >= 0; i-- {
		if pkg[i] == '/' {
			pkg = pkg[i+1:]
			break
		}
	}
	if pkg == "" {
		return t.Name()
	}
	return pkg + "." + t.Name()
}
