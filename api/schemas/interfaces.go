// File: api/schemas/interfaces.go
package schemas

import (
	"context"
	"image"

	"github.com/google/uuid"
)

// -- Core Engine Interfaces --

// Recognizer matches a template against a captured frame. Implementations
// must be deterministic: identical frame and template yield the identical
// location and confidence on every call.
type Recognizer interface {
	// Recognize searches capture for the template. A structurally invalid
	// input (zero-sized template or region outside the capture) returns an
	// INVALID_INPUT error without attempting a match; everything else is
	// reported through the result's status.
	Recognize(ctx context.Context, capture image.Image, tpl *ImageTemplate, params MatchParams) (RecognitionResult, error)
}

// TemplateSource resolves template ids to their current in-memory buffer.
// A missing id fails with TEMPLATE_NOT_FOUND; it must fail only the owning
// action, never the whole script.
type TemplateSource interface {
	Template(id uuid.UUID) (*ImageTemplate, error)
	TemplateByName(name string) (*ImageTemplate, error)
}

// SequenceExecutor walks one action sequence, dispatching each action to the
// HAL, honoring delays and loop counts, and producing a structured result.
type SequenceExecutor interface {
	Execute(ctx context.Context, seq ActionSequence, exCtx *ExecutionContext) ExecutionResult
}

// ConditionEvaluator evaluates a boolean condition expression against the
// current execution context. Unresolved references fail closed: the method
// returns false together with the evaluation error.
type ConditionEvaluator interface {
	EvalCondition(expr string, exCtx *ExecutionContext) (bool, error)
}

// TelemetrySink receives one structured event per controller tick. Emit must
// never block the caller.
type TelemetrySink interface {
	Emit(ev TickEvent)
}
