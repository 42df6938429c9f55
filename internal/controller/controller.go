// File: internal/controller/controller.go
// Package controller runs the closed loop: capture the screen (Sense),
// evaluate rules and the state machine against what was seen (Judge), and
// execute the selected sequence (Act). One tick is one pass through all
// three stages.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ModerRAS/keyforge/api/schemas"
	"github.com/ModerRAS/keyforge/internal/config"
	"github.com/ModerRAS/keyforge/internal/decision"
	"github.com/ModerRAS/keyforge/internal/executor"
	"github.com/ModerRAS/keyforge/internal/hal"
)

// Status is the controller's lifecycle state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// RuleEvaluator evaluates the rule set for one tick and returns the first
// match in priority order.
type RuleEvaluator interface {
	EvaluateAll(rules []schemas.DecisionRule, exCtx *schemas.ExecutionContext) schemas.DecisionResult
}

// Deps bundles the collaborators the controller drives. HAL, Injector,
// Executor, Resolver and Logger are required; the rest degrade gracefully
// when absent (no recognition, no rules, no state machine, no telemetry).
type Deps struct {
	HAL        hal.HAL
	Injector   *hal.Injector
	Recognizer schemas.Recognizer
	Templates  schemas.TemplateSource
	Rules      RuleEvaluator
	Machine    *decision.Machine
	Executor   schemas.SequenceExecutor
	Resolver   executor.SequenceResolver
	Sink       schemas.TelemetrySink
	Logger     *zap.Logger

	// StopCombo is the global emergency-stop hotkey, registered when the
	// adapter supports hotkeys. Empty disables it.
	StopCombo []string
}

// Controller owns the tick loop. All lifecycle methods are safe for
// concurrent use; the loop itself runs on a single goroutine so the three
// stages of a tick never overlap.
type Controller struct {
	cfg   config.LoopConfig
	deps  Deps
	rules []schemas.DecisionRule

	logger *zap.Logger

	mu            sync.Mutex
	status        Status
	cancel        context.CancelFunc
	done          chan struct{}
	runErr        error
	vars          map[string]any
	priorResults  []schemas.ActionResult
	senseFailures int
	tickID        uint64
	history       *Ring
}

// New validates the wiring and returns an idle controller.
func New(cfg config.LoopConfig, rules []schemas.DecisionRule, deps Deps) (*Controller, error) {
	if deps.HAL == nil {
		return nil, fmt.Errorf("hal adapter cannot be nil")
	}
	if deps.Injector == nil {
		return nil, fmt.Errorf("injector cannot be nil")
	}
	if deps.Executor == nil {
		return nil, fmt.Errorf("executor cannot be nil")
	}
	if deps.Resolver == nil {
		return nil, fmt.Errorf("sequence resolver cannot be nil")
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.LoopInterval <= 0 {
		cfg.LoopInterval = 100 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 64
	}
	return &Controller{
		cfg:     cfg,
		deps:    deps,
		rules:   rules,
		logger:  deps.Logger.Named("controller"),
		status:  StatusIdle,
		vars:    make(map[string]any),
		history: NewRing(cfg.HistorySize),
	}, nil
}

// Status returns the current lifecycle state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// History returns the retained tick events, oldest first.
func (c *Controller) History() []schemas.TickEvent {
	return c.history.Events()
}

// SetVar binds a variable visible to condition expressions on subsequent
// ticks.
func (c *Controller) SetVar(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vars[name] = value
}

// Start launches the tick loop. Valid only from Idle or Stopped; once the
// controller has entered Error it refuses to restart until Reset is called,
// so a broken environment is never blindly re-driven.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.status {
	case StatusIdle, StatusStopped:
	case StatusError:
		return schemas.NewCodedError(schemas.ErrCodeIllegalTransition,
			"controller is in error state; call Reset before starting")
	default:
		return schemas.NewCodedError(schemas.ErrCodeIllegalTransition,
			fmt.Sprintf("cannot start from %q", c.status))
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if c.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	c.cancel = cancel
	c.done = make(chan struct{})
	c.runErr = nil
	c.senseFailures = 0
	c.status = StatusRunning

	var hotkey hal.HotkeyRegistration
	if len(c.deps.StopCombo) > 0 && c.deps.HAL.Capabilities().Hotkeys {
		reg, err := c.deps.HAL.RegisterHotkey("emergency-stop", c.deps.StopCombo, func() {
			c.logger.Warn("Emergency stop hotkey pressed")
			cancel()
		})
		if err != nil {
			c.logger.Warn("Failed to register emergency stop hotkey", zap.Error(err))
		} else {
			hotkey = reg
		}
	}

	go func() {
		defer close(c.done)
		defer func() {
			if hotkey != nil {
				hotkey.Unregister()
			}
		}()

		g, gctx := errgroup.WithContext(runCtx)
		g.Go(func() error { return c.loop(gctx) })
		err := g.Wait()
		cancel()

		// Leave no key or button held whatever ended the run.
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), time.Second)
		defer releaseCancel()
		if rerr := c.deps.Injector.ReleaseAll(releaseCtx); rerr != nil {
			c.logger.Warn("Release on shutdown failed", zap.Error(rerr))
		}

		c.mu.Lock()
		c.runErr = err
		if err != nil && c.status != StatusError {
			c.status = StatusError
		} else if c.status != StatusError {
			c.status = StatusStopped
		}
		c.mu.Unlock()
	}()
	return nil
}

// Stop cancels the loop and blocks until it has exited.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Wait blocks until the loop exits and returns its terminal error, if any.
func (c *Controller) Wait() error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runErr
}

// Pause suspends ticking without tearing the run down.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusRunning {
		return schemas.NewCodedError(schemas.ErrCodeIllegalTransition,
			fmt.Sprintf("cannot pause from %q", c.status))
	}
	c.status = StatusPaused
	return nil
}

// Resume continues a paused run.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusPaused {
		return schemas.NewCodedError(schemas.ErrCodeIllegalTransition,
			fmt.Sprintf("cannot resume from %q", c.status))
	}
	c.status = StatusRunning
	return nil
}

// Reset returns an errored or stopped controller to Idle. The tick history
// survives for inspection.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.status {
	case StatusError, StatusStopped, StatusIdle:
	default:
		return schemas.NewCodedError(schemas.ErrCodeIllegalTransition,
			fmt.Sprintf("cannot reset from %q", c.status))
	}
	c.status = StatusIdle
	c.runErr = nil
	c.senseFailures = 0
	c.priorResults = nil
	return nil
}

// loop is the tick pump. The rate limiter anchors tick starts to wall
// clock, so a slow tick does not shift the cadence of the ones after it.
func (c *Controller) loop(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Every(c.cfg.LoopInterval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil // cancelled or deadline: a normal stop
		}
		if c.Status() == StatusPaused {
			continue
		}
		if err := c.tick(ctx); err != nil {
			return err
		}
	}
}

// tick runs one Sense, Judge, Act pass. Only a Sense failure streak is
// fatal; Judge and Act failures are recorded on the tick event and the loop
// carries on.
func (c *Controller) tick(ctx context.Context) error {
	start := time.Now()
	c.mu.Lock()
	c.tickID++
	id := c.tickID
	c.mu.Unlock()

	exCtx := schemas.NewExecutionContext(id)
	c.mu.Lock()
	for k, v := range c.vars {
		exCtx.Vars[k] = v
	}
	exCtx.PriorResults = c.priorResults
	c.mu.Unlock()
	if c.deps.Machine != nil {
		exCtx.State = c.deps.Machine.Current()
	}

	ev := schemas.TickEvent{TickID: id, State: exCtx.State}

	// -- Sense --
	if err := c.sense(ctx, exCtx); err != nil {
		c.mu.Lock()
		c.senseFailures++
		failures := c.senseFailures
		c.mu.Unlock()
		ev.Error = err.Error()
		ev.Duration = time.Since(start)
		c.emit(ev)
		c.logger.Warn("Sense stage failed",
			zap.Uint64("tick", id),
			zap.Int("consecutive_failures", failures),
			zap.Error(err),
		)
		if failures >= c.cfg.MaxRetries {
			c.mu.Lock()
			c.status = StatusError
			c.mu.Unlock()
			return schemas.WrapCoded(schemas.ErrCodeExecutionFailed,
				fmt.Sprintf("sense stage failed %d consecutive times", failures), err)
		}
		return nil
	}
	c.mu.Lock()
	c.senseFailures = 0
	c.mu.Unlock()
	ev.Sense = exCtx.Recognitions

	if err := ctx.Err(); err != nil {
		return nil
	}

	// -- Judge --
	var actSequences []schemas.ActionSequence
	if c.deps.Machine != nil {
		if change, ok := c.deps.Machine.Advance(exCtx); ok {
			exCtx.State = c.deps.Machine.Current()
			ev.State = exCtx.State
			for _, seqID := range change.Sequences() {
				if seq, found := c.deps.Resolver.Resolve(seqID); found {
					actSequences = append(actSequences, seq)
				} else {
					c.logger.Warn("State sequence missing",
						zap.String("state", change.To),
						zap.String("sequence_id", seqID.String()),
					)
				}
			}
		}
	}
	if c.deps.Rules != nil && len(c.rules) > 0 {
		ev.Judge = c.deps.Rules.EvaluateAll(c.rules, exCtx)
		if ev.Judge.Matched {
			if seq, found := c.deps.Resolver.Resolve(ev.Judge.SequenceID); found {
				actSequences = append(actSequences, seq)
			} else {
				ev.Error = fmt.Sprintf("rule %q selected missing sequence %s",
					ev.Judge.RuleName, ev.Judge.SequenceID)
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil
	}

	// -- Act --
	var prior []schemas.ActionResult
	for _, seq := range actSequences {
		res := c.deps.Executor.Execute(ctx, seq, exCtx)
		ev.Act = &res
		prior = append(prior, res.Actions...)
		if res.Status != schemas.ExecutionSuccess {
			c.logger.Warn("Sequence execution did not complete",
				zap.Uint64("tick", id),
				zap.String("sequence_id", seq.ID.String()),
				zap.String("status", string(res.Status)),
			)
			break
		}
	}
	c.mu.Lock()
	c.priorResults = prior
	c.mu.Unlock()

	ev.Duration = time.Since(start)
	c.emit(ev)
	return nil
}

// sense captures the configured region once and runs recognition for every
// template the enabled rules reference.
func (c *Controller) sense(ctx context.Context, exCtx *schemas.ExecutionContext) error {
	if !c.deps.HAL.Capabilities().Capture {
		return nil
	}
	frame, err := c.deps.HAL.CaptureRegion(ctx, c.cfg.ScreenRegion.ToImageRect())
	if err != nil {
		return err
	}
	exCtx.Frame = frame
	exCtx.CapturedAt = time.Now()

	if c.deps.Recognizer == nil || c.deps.Templates == nil {
		return nil
	}
	// A recognition error (broken template, unknown reference) means the
	// Sense stage could not deliver what Judge needs, so it counts toward
	// the failure streak. A plain no-match Failed result does not; the
	// pattern being absent is a normal tick outcome.
	var senseErr error
	for _, name := range c.templateRefs() {
		tpl, terr := c.deps.Templates.TemplateByName(name)
		if terr != nil {
			c.logger.Warn("Rule references unknown template", zap.String("template", name))
			exCtx.Recognitions[name] = schemas.RecognitionResult{Status: schemas.RecognitionFailed}
			if senseErr == nil {
				senseErr = terr
			}
			continue
		}
		res, rerr := c.deps.Recognizer.Recognize(ctx, frame, tpl, tpl.Match)
		if rerr != nil {
			c.logger.Warn("Recognition failed",
				zap.String("template", name),
				zap.Error(rerr),
			)
			exCtx.Recognitions[name] = schemas.RecognitionResult{Status: schemas.RecognitionFailed}
			if senseErr == nil {
				senseErr = rerr
			}
			continue
		}
		exCtx.Recognitions[name] = res
	}
	return senseErr
}

// templateRefs returns the deduplicated template names the enabled rules
// read.
func (c *Controller) templateRefs() []string {
	seen := make(map[string]struct{})
	var names []string
	for _, r := range c.rules {
		if !r.Enabled {
			continue
		}
		for _, name := range r.TemplateRefs {
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	return names
}

func (c *Controller) emit(ev schemas.TickEvent) {
	c.history.Emit(ev)
	if c.deps.Sink != nil {
		c.deps.Sink.Emit(ev)
	}
}
