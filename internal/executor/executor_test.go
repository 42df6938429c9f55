// File: internal/executor/executor_test.go
package executor

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
	"github.com/ModerRAS/keyforge/internal/hal"
	"github.com/ModerRAS/keyforge/internal/recognition"
)

// stubEval returns a fixed condition outcome.
type stubEval struct {
	result bool
	err    error
}

func (s stubEval) EvalCondition(expr string, exCtx *schemas.ExecutionContext) (bool, error) {
	return s.result, s.err
}

// mapResolver resolves sequences from a fixture map.
type mapResolver map[uuid.UUID]schemas.ActionSequence

func (m mapResolver) Resolve(id uuid.UUID) (schemas.ActionSequence, bool) {
	seq, ok := m[id]
	return seq, ok
}

func newTestExecutor(t *testing.T, mem *hal.Memory, eval schemas.ConditionEvaluator,
	templates schemas.TemplateSource, resolver SequenceResolver) *Executor {
	t.Helper()
	logger := zaptest.NewLogger(t)
	var recognizer schemas.Recognizer
	if templates != nil {
		recognizer = recognition.NewEngine(logger)
	}
	exec, err := New(hal.NewInjector(mem, logger), mem, recognizer, templates,
		eval, resolver, logger, Options{PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	return exec
}

func keyAction(key string) schemas.GameAction {
	return schemas.NewKeyboardAction(key, schemas.KeyTap, 0)
}

func TestExecuteStrictOrder(t *testing.T) {
	defer goleak.VerifyNone(t)
	mem := hal.NewMemory()
	exec := newTestExecutor(t, mem, nil, nil, mapResolver{})

	seq := schemas.NewActionSequence("combo", 0, 1,
		keyAction("a"),
		schemas.NewMouseAction(schemas.Point{X: 10, Y: 20}, schemas.MouseClick, schemas.ButtonLeft, 0, 0),
		keyAction("b"),
	)
	res := exec.Execute(context.Background(), seq, schemas.NewExecutionContext(1))

	require.Equal(t, schemas.ExecutionSuccess, res.Status)
	require.Len(t, res.Actions, 3)
	events := mem.Events()
	require.Len(t, events, 3)
	assert.Equal(t, "a", events[0].Key)
	assert.Equal(t, "mouse", events[1].Kind)
	assert.Equal(t, schemas.Point{X: 10, Y: 20}, events[1].Mouse.Position)
	assert.Equal(t, "b", events[2].Key)
}

func TestExecuteLoopCount(t *testing.T) {
	defer goleak.VerifyNone(t)
	mem := hal.NewMemory()
	exec := newTestExecutor(t, mem, nil, nil, mapResolver{})

	seq := schemas.NewActionSequence("spam", 0, 3, keyAction("x"), keyAction("y"))
	res := exec.Execute(context.Background(), seq, schemas.NewExecutionContext(1))

	assert.Equal(t, schemas.ExecutionSuccess, res.Status)
	assert.Len(t, res.Actions, 6)
	assert.Len(t, mem.Events(), 6)
}

func TestExecuteFailFast(t *testing.T) {
	defer goleak.VerifyNone(t)
	mem := hal.NewMemory()
	mem.SendErr = errors.New("device wedged")
	exec := newTestExecutor(t, mem, nil, nil, mapResolver{})

	seq := schemas.NewActionSequence("doomed", 0, 1, keyAction("a"), keyAction("b"), keyAction("c"))
	res := exec.Execute(context.Background(), seq, schemas.NewExecutionContext(1))

	assert.Equal(t, schemas.ExecutionFailed, res.Status)
	require.Len(t, res.Actions, 1, "execution stops at the first failure")
	assert.Equal(t, schemas.ActionFailed, res.Actions[0].Status)
	assert.Contains(t, res.Actions[0].Error, "device wedged")
	assert.Empty(t, mem.Events())
}

func TestExecuteHonorsDelayAfterAction(t *testing.T) {
	defer goleak.VerifyNone(t)
	mem := hal.NewMemory()
	exec := newTestExecutor(t, mem, nil, nil, mapResolver{})

	seq := schemas.NewActionSequence("slow", 0, 1,
		schemas.NewKeyboardAction("a", schemas.KeyTap, 40*time.Millisecond),
		keyAction("b"),
	)
	start := time.Now()
	res := exec.Execute(context.Background(), seq, schemas.NewExecutionContext(1))

	assert.Equal(t, schemas.ExecutionSuccess, res.Status)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestExecuteCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)
	mem := hal.NewMemory()
	exec := newTestExecutor(t, mem, nil, nil, mapResolver{})

	seq := schemas.NewActionSequence("wait", 0, 1,
		schemas.NewDelayAction(5*time.Second),
		keyAction("never"),
	)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	res := exec.Execute(ctx, seq, schemas.NewExecutionContext(1))

	assert.Equal(t, schemas.ExecutionCancelled, res.Status)
	assert.Less(t, time.Since(start), time.Second, "cancellation must interrupt a pending delay")
	assert.Empty(t, mem.Events())
}

func TestExecuteImageWait(t *testing.T) {
	defer goleak.VerifyNone(t)
	mem := hal.NewMemory()

	pattern := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			v := uint8((x*29 + y*13) % 256)
			pattern.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	blank := image.NewRGBA(image.Rect(0, 0, 64, 48))
	withPattern := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			withPattern.Set(20+x, 12+y, pattern.At(x, y))
		}
	}
	// The template shows up on the second capture.
	mem.PushFrame(blank)
	mem.PushFrame(withPattern)

	cache := recognition.NewCache()
	tpl := cache.Put(schemas.ImageTemplate{
		ID:     uuid.New(),
		Name:   "loot",
		Pixels: pattern,
		Match:  schemas.MatchParams{Threshold: 0.95},
	})

	exec := newTestExecutor(t, mem, nil, cache, mapResolver{})
	seq := schemas.NewActionSequence("pickup", 0, 1,
		keyAction("tab"),
		schemas.NewImageWaitAction(tpl.ID, 0.91, 400*time.Millisecond, 0),
		schemas.NewMouseAction(schemas.Point{X: 20, Y: 12}, schemas.MouseClick, schemas.ButtonLeft, 0, 0),
	)
	exCtx := schemas.NewExecutionContext(1)
	res := exec.Execute(context.Background(), seq, exCtx)

	require.Equal(t, schemas.ExecutionSuccess, res.Status)
	require.Len(t, res.Actions, 3)
	for _, a := range res.Actions {
		assert.Equal(t, schemas.ActionSuccess, a.Status)
	}
	got, ok := exCtx.Recognitions["loot"]
	require.True(t, ok, "a confirmed wait publishes its recognition result")
	assert.Equal(t, schemas.Point{X: 20, Y: 12}, got.Location)
}

func TestExecuteImageWaitTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	mem := hal.NewMemory()
	mem.PushFrame(image.NewRGBA(image.Rect(0, 0, 64, 48)))

	pattern := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := 0; i < 8; i++ {
		pattern.Set(i, i, color.RGBA{R: 255, A: 255})
	}
	cache := recognition.NewCache()
	tpl := cache.Put(schemas.ImageTemplate{
		ID:     uuid.New(),
		Name:   "never-there",
		Pixels: pattern,
	})

	exec := newTestExecutor(t, mem, nil, cache, mapResolver{})
	seq := schemas.NewActionSequence("stuck", 0, 1,
		schemas.NewImageWaitAction(tpl.ID, 0.99, 60*time.Millisecond, 0),
	)
	res := exec.Execute(context.Background(), seq, schemas.NewExecutionContext(1))

	assert.Equal(t, schemas.ExecutionFailed, res.Status)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, schemas.ErrCodeRecognitionTimeout, res.Actions[0].Code)
}

func TestExecuteImageWaitMissingTemplate(t *testing.T) {
	defer goleak.VerifyNone(t)
	mem := hal.NewMemory()
	mem.PushFrame(image.NewRGBA(image.Rect(0, 0, 64, 48)))
	cache := recognition.NewCache()

	exec := newTestExecutor(t, mem, nil, cache, mapResolver{})
	seq := schemas.NewActionSequence("ghost", 0, 1,
		schemas.NewImageWaitAction(uuid.New(), 0.9, 50*time.Millisecond, 0),
	)
	res := exec.Execute(context.Background(), seq, schemas.NewExecutionContext(1))

	assert.Equal(t, schemas.ExecutionFailed, res.Status)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, schemas.ErrCodeTemplateNotFound, res.Actions[0].Code)
}

func TestExecuteBranch(t *testing.T) {
	defer goleak.VerifyNone(t)

	thenSeq := schemas.NewActionSequence("then", 0, 1, keyAction("t"))
	elseSeq := schemas.NewActionSequence("else", 0, 1, keyAction("e"))
	resolver := mapResolver{thenSeq.ID: thenSeq, elseSeq.ID: elseSeq}

	t.Run("condition true takes the then arm", func(t *testing.T) {
		mem := hal.NewMemory()
		exec := newTestExecutor(t, mem, stubEval{result: true}, nil, resolver)
		seq := schemas.NewActionSequence("root", 0, 1,
			schemas.NewBranchAction(`true`, thenSeq.ID, elseSeq.ID))

		res := exec.Execute(context.Background(), seq, schemas.NewExecutionContext(1))
		require.Equal(t, schemas.ExecutionSuccess, res.Status)
		events := mem.Events()
		require.Len(t, events, 1)
		assert.Equal(t, "t", events[0].Key)
	})

	t.Run("condition false takes the else arm", func(t *testing.T) {
		mem := hal.NewMemory()
		exec := newTestExecutor(t, mem, stubEval{result: false}, nil, resolver)
		seq := schemas.NewActionSequence("root", 0, 1,
			schemas.NewBranchAction(`false`, thenSeq.ID, elseSeq.ID))

		res := exec.Execute(context.Background(), seq, schemas.NewExecutionContext(1))
		require.Equal(t, schemas.ExecutionSuccess, res.Status)
		events := mem.Events()
		require.Len(t, events, 1)
		assert.Equal(t, "e", events[0].Key)
	})

	t.Run("nil else arm is a no-op", func(t *testing.T) {
		mem := hal.NewMemory()
		exec := newTestExecutor(t, mem, stubEval{result: false}, nil, resolver)
		seq := schemas.NewActionSequence("root", 0, 1,
			schemas.NewBranchAction(`false`, thenSeq.ID, uuid.Nil))

		res := exec.Execute(context.Background(), seq, schemas.NewExecutionContext(1))
		assert.Equal(t, schemas.ExecutionSuccess, res.Status)
		assert.Empty(t, mem.Events())
	})

	t.Run("dangling target fails the branch", func(t *testing.T) {
		mem := hal.NewMemory()
		exec := newTestExecutor(t, mem, stubEval{result: true}, nil, resolver)
		seq := schemas.NewActionSequence("root", 0, 1,
			schemas.NewBranchAction(`true`, uuid.New(), uuid.Nil))

		res := exec.Execute(context.Background(), seq, schemas.NewExecutionContext(1))
		assert.Equal(t, schemas.ExecutionFailed, res.Status)
		require.Len(t, res.Actions, 1)
		assert.Equal(t, schemas.ErrCodeDanglingBranch, res.Actions[0].Code)
	})

	t.Run("broken condition fails closed", func(t *testing.T) {
		mem := hal.NewMemory()
		exec := newTestExecutor(t, mem, stubEval{err: errors.New("no such key")}, nil, resolver)
		seq := schemas.NewActionSequence("root", 0, 1,
			schemas.NewBranchAction(`bogus`, thenSeq.ID, elseSeq.ID))

		res := exec.Execute(context.Background(), seq, schemas.NewExecutionContext(1))
		assert.Equal(t, schemas.ExecutionFailed, res.Status)
		assert.Empty(t, mem.Events())
	})
}

func TestExecuteBranchRecursionCap(t *testing.T) {
	defer goleak.VerifyNone(t)
	mem := hal.NewMemory()

	// Two sequences branching into each other forever.
	aID, bID := uuid.New(), uuid.New()
	seqA := schemas.ActionSequence{ID: aID, Name: "a", LoopCount: 1,
		Actions: []schemas.GameAction{schemas.NewBranchAction(`true`, bID, uuid.Nil)}}
	seqB := schemas.ActionSequence{ID: bID, Name: "b", LoopCount: 1,
		Actions: []schemas.GameAction{schemas.NewBranchAction(`true`, aID, uuid.Nil)}}
	resolver := mapResolver{aID: seqA, bID: seqB}

	exec := newTestExecutor(t, mem, stubEval{result: true}, nil, resolver)
	res := exec.Execute(context.Background(), seqA, schemas.NewExecutionContext(1))

	assert.Equal(t, schemas.ExecutionFailed, res.Status)
}
