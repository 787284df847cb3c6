// Package transforms defines the three shapes an in-flight event
// transformation can take, and the registry the topology engine uses
// to build them.
package transforms

import (
	"context"

	"github.com/tributary-io/tributary/event"
)

// FunctionTransform consumes one event and produces zero or more
// output events, appended to |out|. It is driven in chunks by the
// topology engine and forwards to a single output.
type FunctionTransform interface {
	Transform(out *[]event.Event, e event.Event)
}

// FallibleFunctionTransform additionally routes rejected inputs to a
// named error output.
type FallibleFunctionTransform interface {
	Transform(out, errOut *[]event.Event, e event.Event)
}

// TaskTransform is a stream-to-stream transformation, allowing
// internal buffering and timers. It owns its read loop: it returns
// once |in| is exhausted or |ctx| is done, closing nothing.
type TaskTransform interface {
	Run(ctx context.Context, in <-chan event.Event, out chan<- event.Event) error
}

// Transform is one built transformation of exactly one shape.
type Transform struct {
	Function FunctionTransform
	Fallible FallibleFunctionTransform
	Task     TaskTransform
}

// NewFunction wraps a function transform.
func NewFunction(t FunctionTransform) Transform { return Transform{Function: t} }

// NewFallible wraps a fallible-function transform.
func NewFallible(t FallibleFunctionTransform) Transform { return Transform{Fallible: t} }

// NewTask wraps a task transform.
func NewTask(t TaskTransform) Transform { return Transform{Task: t} }
