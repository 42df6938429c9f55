// File: internal/executor/executor.go
// Package executor walks action sequences and turns recorded actions into
// HAL calls. Execution is strictly ordered and fail-fast: a failed action
// stops the sequence and the result carries everything up to the failure.
package executor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ModerRAS/keyforge/api/schemas"
	"github.com/ModerRAS/keyforge/internal/hal"
)

// DefaultPollInterval paces ImageWait re-captures when the caller supplies
// no tighter interval.
const DefaultPollInterval = 50 * time.Millisecond

// maxBranchDepth caps nested branch jumps so mutually referencing sequences
// cannot recurse without bound.
const maxBranchDepth = 16

// SequenceResolver maps a sequence id to its current definition. Branch
// actions jump through it.
type SequenceResolver interface {
	Resolve(id uuid.UUID) (schemas.ActionSequence, bool)
}

// SequenceResolverFunc adapts a function to the SequenceResolver interface.
type SequenceResolverFunc func(id uuid.UUID) (schemas.ActionSequence, bool)

// Resolve implements SequenceResolver.
func (f SequenceResolverFunc) Resolve(id uuid.UUID) (schemas.ActionSequence, bool) { return f(id) }

// Options tunes an Executor.
type Options struct {
	// PollInterval is the delay between ImageWait capture attempts.
	PollInterval time.Duration
	// CaptureRegion bounds ImageWait captures. Zero means full screen.
	CaptureRegion image.Rectangle
}

// Executor implements schemas.SequenceExecutor on top of the HAL injector,
// the recognition engine and the condition evaluator.
type Executor struct {
	injector   *hal.Injector
	capturer   hal.HAL
	recognizer schemas.Recognizer
	templates  schemas.TemplateSource
	evaluator  schemas.ConditionEvaluator
	resolver   SequenceResolver
	logger     *zap.Logger
	opts       Options
}

// New wires an Executor. The injector and logger are required; recognizer,
// templates, evaluator and resolver may be nil when the scripts in play never
// use the action variants that need them.
func New(injector *hal.Injector, capturer hal.HAL, recognizer schemas.Recognizer,
	templates schemas.TemplateSource, evaluator schemas.ConditionEvaluator,
	resolver SequenceResolver, logger *zap.Logger, opts Options) (*Executor, error) {
	if injector == nil {
		return nil, fmt.Errorf("injector cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Executor{
		injector:   injector,
		capturer:   capturer,
		recognizer: recognizer,
		templates:  templates,
		evaluator:  evaluator,
		resolver:   resolver,
		logger:     logger.Named("executor"),
		opts:       opts,
	}, nil
}

var _ schemas.SequenceExecutor = (*Executor)(nil)

// Execute implements schemas.SequenceExecutor. The sequence's actions run in
// recorded order, LoopCount times over; each action's Delay is honored after
// the action completes. The first failure or a context cancellation stops the
// walk immediately.
func (e *Executor) Execute(ctx context.Context, seq schemas.ActionSequence, exCtx *schemas.ExecutionContext) schemas.ExecutionResult {
	return e.execute(ctx, seq, exCtx, 0)
}

func (e *Executor) execute(ctx context.Context, seq schemas.ActionSequence, exCtx *schemas.ExecutionContext, depth int) schemas.ExecutionResult {
	start := time.Now()
	result := schemas.ExecutionResult{
		SequenceID: seq.ID,
		Status:     schemas.ExecutionSuccess,
	}

	loops := seq.LoopCount
	if loops < 1 {
		loops = 1
	}
	for i := 0; i < loops; i++ {
		for _, action := range seq.Actions {
			if err := ctx.Err(); err != nil {
				result.Status = schemas.ExecutionCancelled
				result.Actions = append(result.Actions, schemas.ActionResult{
					ActionSeq: action.Seq,
					Type:      action.Type,
					Status:    schemas.ActionCancelled,
					Error:     err.Error(),
				})
				result.Elapsed = time.Since(start)
				return result
			}

			ar := e.runAction(ctx, action, exCtx, depth)
			result.Actions = append(result.Actions, ar)
			if ar.Status != schemas.ActionSuccess {
				if ar.Status == schemas.ActionCancelled {
					result.Status = schemas.ExecutionCancelled
				} else {
					result.Status = schemas.ExecutionFailed
				}
				result.Elapsed = time.Since(start)
				return result
			}

			if action.Delay > 0 {
				if err := sleepCtx(ctx, action.Delay); err != nil {
					result.Status = schemas.ExecutionCancelled
					result.Elapsed = time.Since(start)
					return result
				}
			}
		}
	}
	result.Elapsed = time.Since(start)
	return result
}

// runAction dispatches one action and records its outcome.
func (e *Executor) runAction(ctx context.Context, action schemas.GameAction, exCtx *schemas.ExecutionContext, depth int) schemas.ActionResult {
	start := time.Now()
	ar := schemas.ActionResult{
		ActionSeq: action.Seq,
		Type:      action.Type,
		Status:    schemas.ActionSuccess,
	}

	var err error
	switch action.Type {
	case schemas.ActionKeyboard:
		err = e.injector.SendKey(ctx, action.Key, action.KeyState)
	case schemas.ActionMouse:
		err = e.runMouse(ctx, action)
	case schemas.ActionImageWait:
		err = e.runImageWait(ctx, action, exCtx)
	case schemas.ActionBranch:
		err = e.runBranch(ctx, action, exCtx, depth)
	case schemas.ActionDelay:
		err = sleepCtx(ctx, action.Duration)
	default:
		err = schemas.NewCodedError(schemas.ErrCodeInvalidInput,
			fmt.Sprintf("unknown action type %q", action.Type))
	}

	ar.Elapsed = time.Since(start)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			ar.Status = schemas.ActionCancelled
		} else {
			ar.Status = schemas.ActionFailed
		}
		ar.Error = err.Error()
		ar.Code = schemas.CodeOf(err)
		e.logger.Warn("Action failed",
			zap.Int64("action_seq", action.Seq),
			zap.String("type", string(action.Type)),
			zap.Error(err),
		)
	}
	return ar
}

func (e *Executor) runMouse(ctx context.Context, action schemas.GameAction) error {
	var pos schemas.Point
	if action.Position != nil {
		pos = *action.Position
	}
	return e.injector.SendMouse(ctx, hal.MouseRequest{
		Position: pos,
		Action:   action.MouseAction,
		Button:   action.Button,
		Scroll:   action.ScrollDelta,
	})
}

// runImageWait polls the screen until the template appears or the action's
// timeout elapses. The wait owns its failure: a missing template or a timeout
// fails this action only.
func (e *Executor) runImageWait(ctx context.Context, action schemas.GameAction, exCtx *schemas.ExecutionContext) error {
	if e.recognizer == nil || e.templates == nil || e.capturer == nil {
		return schemas.NewCodedError(schemas.ErrCodeInvalidInput,
			"image wait requires a recognizer, template source and capture adapter")
	}
	tpl, err := e.templates.Template(action.TemplateID)
	if err != nil {
		return err
	}

	params := tpl.Match
	if action.Threshold > 0 {
		params.Threshold = action.Threshold
	}
	timeout := action.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	region := e.opts.CaptureRegion
	for {
		frame, err := e.capturer.CaptureRegion(waitCtx, region)
		if err == nil {
			res, rerr := e.recognizer.Recognize(waitCtx, frame, tpl, params)
			if rerr != nil {
				return rerr
			}
			if res.Status == schemas.RecognitionSuccess {
				// Later conditions in this tick see the confirmed location.
				exCtx.Recognitions[tpl.Name] = res
				return nil
			}
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return schemas.NewCodedError(schemas.ErrCodeRecognitionTimeout,
				fmt.Sprintf("template %q did not appear within %s", tpl.Name, timeout))
		case <-time.After(e.opts.PollInterval):
		}
	}
}

// runBranch evaluates the condition and executes the selected sequence in
// place. A uuid.Nil arm is a no-op; a failing sub-sequence fails the branch.
func (e *Executor) runBranch(ctx context.Context, action schemas.GameAction, exCtx *schemas.ExecutionContext, depth int) error {
	if e.evaluator == nil || e.resolver == nil {
		return schemas.NewCodedError(schemas.ErrCodeInvalidInput,
			"branch actions require a condition evaluator and sequence resolver")
	}
	if depth >= maxBranchDepth {
		return schemas.NewCodedError(schemas.ErrCodeExecutionFailed,
			fmt.Sprintf("branch nesting exceeded %d levels", maxBranchDepth))
	}

	matched, err := e.evaluator.EvalCondition(action.Condition, exCtx)
	if err != nil {
		return schemas.WrapCoded(schemas.ErrCodeExecutionFailed, "branch condition failed closed", err)
	}
	target := action.ThenSequenceID
	if !matched {
		target = action.ElseSequenceID
	}
	if target == uuid.Nil {
		return nil
	}

	seq, ok := e.resolver.Resolve(target)
	if !ok {
		return schemas.NewCodedError(schemas.ErrCodeDanglingBranch,
			fmt.Sprintf("branch target sequence %s does not exist", target))
	}
	sub := e.execute(ctx, seq, exCtx, depth+1)
	exCtx.PriorResults = append(exCtx.PriorResults, sub.Actions...)
	switch sub.Status {
	case schemas.ExecutionSuccess:
		return nil
	case schemas.ExecutionCancelled:
		return context.Canceled
	default:
		return schemas.NewCodedError(schemas.ErrCodeExecutionFailed,
			fmt.Sprintf("branch sequence %s failed", target))
	}
}

// sleepCtx waits for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
