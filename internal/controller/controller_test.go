// File: internal/controller/controller_test.go
package controller

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/ModerRAS/keyforge/api/schemas"
	"github.com/ModerRAS/keyforge/internal/config"
	"github.com/ModerRAS/keyforge/internal/decision"
	"github.com/ModerRAS/keyforge/internal/executor"
	"github.com/ModerRAS/keyforge/internal/hal"
	"github.com/ModerRAS/keyforge/internal/recognition"
)

// fixture assembles a full closed-loop stack over the in-memory adapter.
type fixture struct {
	mem      *hal.Memory
	cache    *recognition.Cache
	ctrl     *Controller
	attackID uuid.UUID
}

func patternImage() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			v := uint8((x*31 + y*17) % 256)
			img.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

func frameWithPattern() *image.RGBA {
	frame := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			frame.Set(x, y, color.RGBA{R: 100, G: 100, B: 100, A: 255})
		}
	}
	p := patternImage()
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			frame.Set(20+x, 12+y, p.At(x, y))
		}
	}
	return frame
}

func newFixture(t *testing.T, cfg config.LoopConfig) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	mem := hal.NewMemory()

	cache := recognition.NewCache()
	cache.Put(schemas.ImageTemplate{
		ID:     uuid.New(),
		Name:   "enemy",
		Pixels: patternImage(),
		Match:  schemas.MatchParams{Threshold: 0.95},
	})

	attack := schemas.NewActionSequence("attack", 0, 1,
		schemas.NewKeyboardAction("1", schemas.KeyTap, 0))
	resolver := executor.SequenceResolverFunc(func(id uuid.UUID) (schemas.ActionSequence, bool) {
		if id == attack.ID {
			return attack, true
		}
		return schemas.ActionSequence{}, false
	})

	recognizer := recognition.NewEngine(logger)
	decider, err := decision.NewEngine(logger)
	require.NoError(t, err)
	injector := hal.NewInjector(mem, logger)
	exec, err := executor.New(injector, mem, recognizer, cache, decider, resolver, logger,
		executor.Options{PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)

	rules := []schemas.DecisionRule{{
		ID:             uuid.New(),
		Name:           "attack-on-sight",
		Condition:      `recognition["enemy"].matched`,
		ThenSequenceID: attack.ID,
		Priority:       1,
		Enabled:        true,
		TemplateRefs:   []string{"enemy"},
	}}

	ctrl, err := New(cfg, rules, Deps{
		HAL:        mem,
		Injector:   injector,
		Recognizer: recognizer,
		Templates:  cache,
		Rules:      decider,
		Executor:   exec,
		Resolver:   resolver,
		Logger:     logger,
	})
	require.NoError(t, err)

	return &fixture{mem: mem, cache: cache, ctrl: ctrl, attackID: attack.ID}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestControllerClosedLoop(t *testing.T) {
	defer goleak.VerifyNone(t)
	fx := newFixture(t, config.LoopConfig{
		LoopInterval: 10 * time.Millisecond,
		MaxRetries:   3,
		HistorySize:  32,
	})
	fx.mem.PushFrame(frameWithPattern())

	require.NoError(t, fx.ctrl.Start(context.Background()))
	waitFor(t, 2*time.Second, func() bool { return len(fx.mem.Events()) >= 1 })
	fx.ctrl.Stop()

	assert.Equal(t, StatusStopped, fx.ctrl.Status())
	events := fx.mem.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, "1", events[0].Key, "the rule's attack sequence must fire")

	history := fx.ctrl.History()
	require.NotEmpty(t, history)
	var matched *schemas.TickEvent
	for i := range history {
		if history[i].Judge.Matched {
			matched = &history[i]
			break
		}
	}
	require.NotNil(t, matched, "at least one tick must record a matched rule")
	assert.Equal(t, "attack-on-sight", matched.Judge.RuleName)
	rec, ok := matched.Sense["enemy"]
	require.True(t, ok)
	assert.Equal(t, schemas.Point{X: 20, Y: 12}, rec.Location)
	require.NotNil(t, matched.Act)
	assert.Equal(t, schemas.ExecutionSuccess, matched.Act.Status)
}

func TestControllerSenseFailureStreakEntersError(t *testing.T) {
	defer goleak.VerifyNone(t)
	fx := newFixture(t, config.LoopConfig{
		LoopInterval: 5 * time.Millisecond,
		MaxRetries:   3,
		HistorySize:  16,
	})
	fx.mem.CaptureErr = errors.New("display gone")

	require.NoError(t, fx.ctrl.Start(context.Background()))
	err := fx.ctrl.Wait()
	require.Error(t, err)
	assert.Equal(t, StatusError, fx.ctrl.Status())
	assert.GreaterOrEqual(t, fx.mem.ReleaseCount(), 1,
		"input devices must be released on a fatal error")

	// A controller in Error refuses to restart until Reset.
	err = fx.ctrl.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, schemas.ErrCodeIllegalTransition, schemas.CodeOf(err))

	require.NoError(t, fx.ctrl.Reset())
	assert.Equal(t, StatusIdle, fx.ctrl.Status())

	fx.mem.CaptureErr = nil
	fx.mem.PushFrame(frameWithPattern())
	require.NoError(t, fx.ctrl.Start(context.Background()))
	fx.ctrl.Stop()
}

func TestControllerRecognitionErrorStreakEntersError(t *testing.T) {
	defer goleak.VerifyNone(t)
	fx := newFixture(t, config.LoopConfig{
		LoopInterval: 5 * time.Millisecond,
		MaxRetries:   3,
		HistorySize:  16,
	})
	// Captures succeed, but the rule's template is larger than the frame,
	// so every recognition attempt errors rather than merely not matching.
	fx.cache.Put(schemas.ImageTemplate{
		ID:     uuid.New(),
		Name:   "enemy",
		Pixels: image.NewRGBA(image.Rect(0, 0, 100, 100)),
		Match:  schemas.MatchParams{Threshold: 0.95},
	})
	fx.mem.PushFrame(frameWithPattern())

	require.NoError(t, fx.ctrl.Start(context.Background()))
	err := fx.ctrl.Wait()
	require.Error(t, err)
	assert.Equal(t, StatusError, fx.ctrl.Status())
	assert.GreaterOrEqual(t, fx.mem.ReleaseCount(), 1)
}

func TestControllerNoMatchIsNotASenseFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	fx := newFixture(t, config.LoopConfig{
		LoopInterval: 5 * time.Millisecond,
		MaxRetries:   3,
		HistorySize:  16,
	})
	// A frame without the pattern: recognition reports Failed every tick,
	// which is a normal outcome and must never trip the failure streak.
	blank := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			blank.Set(x, y, color.RGBA{R: 100, G: 100, B: 100, A: 255})
		}
	}
	fx.mem.PushFrame(blank)

	require.NoError(t, fx.ctrl.Start(context.Background()))
	waitFor(t, 2*time.Second, func() bool { return len(fx.ctrl.History()) >= 5 })
	assert.Equal(t, StatusRunning, fx.ctrl.Status())
	fx.ctrl.Stop()
	assert.Equal(t, StatusStopped, fx.ctrl.Status())
}

func TestControllerTransientSenseFailureRecovers(t *testing.T) {
	defer goleak.VerifyNone(t)
	fx := newFixture(t, config.LoopConfig{
		LoopInterval: 5 * time.Millisecond,
		MaxRetries:   5,
		HistorySize:  16,
	})
	// No CaptureErr, but also no frames yet: captures fail until one is
	// pushed, then the loop recovers.
	require.NoError(t, fx.ctrl.Start(context.Background()))
	time.Sleep(12 * time.Millisecond)
	fx.mem.PushFrame(frameWithPattern())

	waitFor(t, 2*time.Second, func() bool { return len(fx.mem.Events()) >= 1 })
	fx.ctrl.Stop()
	assert.Equal(t, StatusStopped, fx.ctrl.Status())
}

func TestControllerPauseResume(t *testing.T) {
	defer goleak.VerifyNone(t)
	fx := newFixture(t, config.LoopConfig{
		LoopInterval: 5 * time.Millisecond,
		MaxRetries:   3,
		HistorySize:  64,
	})
	fx.mem.PushFrame(frameWithPattern())

	require.NoError(t, fx.ctrl.Start(context.Background()))
	waitFor(t, 2*time.Second, func() bool { return len(fx.ctrl.History()) >= 1 })

	require.NoError(t, fx.ctrl.Pause())
	assert.Equal(t, StatusPaused, fx.ctrl.Status())
	time.Sleep(20 * time.Millisecond)
	paused := len(fx.ctrl.History())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, paused, len(fx.ctrl.History()), "no ticks may run while paused")

	require.NoError(t, fx.ctrl.Resume())
	waitFor(t, 2*time.Second, func() bool { return len(fx.ctrl.History()) > paused })
	fx.ctrl.Stop()

	// Lifecycle guards.
	assert.Error(t, fx.ctrl.Pause(), "pausing a stopped controller must fail")
	assert.Error(t, fx.ctrl.Resume())
}

func TestControllerRunTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	fx := newFixture(t, config.LoopConfig{
		LoopInterval: 5 * time.Millisecond,
		MaxRetries:   3,
		HistorySize:  16,
		Timeout:      50 * time.Millisecond,
	})
	fx.mem.PushFrame(frameWithPattern())

	require.NoError(t, fx.ctrl.Start(context.Background()))
	require.NoError(t, fx.ctrl.Wait(), "hitting the run deadline is a normal stop")
	assert.Equal(t, StatusStopped, fx.ctrl.Status())
}

func TestControllerEmergencyStopHotkey(t *testing.T) {
	defer goleak.VerifyNone(t)
	fx := newFixture(t, config.LoopConfig{
		LoopInterval: 5 * time.Millisecond,
		MaxRetries:   3,
		HistorySize:  16,
	})
	fx.ctrl.deps.StopCombo = []string{"ctrl", "shift", "q"}
	fx.mem.PushFrame(frameWithPattern())

	require.NoError(t, fx.ctrl.Start(context.Background()))
	waitFor(t, 2*time.Second, func() bool { return len(fx.ctrl.History()) >= 1 })
	require.True(t, fx.mem.TriggerHotkey("emergency-stop"))

	require.NoError(t, fx.ctrl.Wait())
	assert.Equal(t, StatusStopped, fx.ctrl.Status())
}

func TestControllerVarsVisibleToConditions(t *testing.T) {
	defer goleak.VerifyNone(t)
	fx := newFixture(t, config.LoopConfig{
		LoopInterval: 5 * time.Millisecond,
		MaxRetries:   3,
		HistorySize:  16,
	})
	fx.mem.PushFrame(frameWithPattern())
	fx.ctrl.SetVar("armed", true)
	// Replace the rule set with one that reads the variable.
	fx.ctrl.rules = []schemas.DecisionRule{{
		ID:             uuid.New(),
		Name:           "armed-only",
		Condition:      `vars["armed"] == true`,
		ThenSequenceID: fx.attackID,
		Enabled:        true,
	}}

	require.NoError(t, fx.ctrl.Start(context.Background()))
	waitFor(t, 2*time.Second, func() bool { return len(fx.mem.Events()) >= 1 })
	fx.ctrl.Stop()
}

func TestRingDropsOldest(t *testing.T) {
	ring := NewRing(3)
	for i := 1; i <= 5; i++ {
		ring.Emit(schemas.TickEvent{TickID: uint64(i)})
	}
	events := ring.Events()
	require.Len(t, events, 3)
	assert.Equal(t, uint64(3), events[0].TickID)
	assert.Equal(t, uint64(5), events[2].TickID)
	assert.Equal(t, uint64(2), ring.Dropped())
}
