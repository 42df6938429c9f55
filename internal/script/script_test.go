// File: internal/script/script_test.go
package script

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ModerRAS/keyforge/api/schemas"
)

func draftScript(t *testing.T) *schemas.Script {
	t.Helper()
	s := New("farm-run", "opens the map and farms")
	seq := schemas.NewActionSequence("open-map", 0, 1,
		schemas.NewKeyboardAction("m", schemas.KeyTap, 100*time.Millisecond),
		schemas.NewMouseAction(schemas.Point{X: 50, Y: 60}, schemas.MouseClick, schemas.ButtonLeft, 0, 0),
	)
	require.NoError(t, Record(s, seq))
	return s
}

func TestNewScript(t *testing.T) {
	s := New("test", "desc")
	assert.Equal(t, schemas.ScriptDraft, s.Status)
	assert.Equal(t, int64(1), s.Version)
	assert.NotEqual(t, uuid.Nil, s.ID)
}

func TestRecordBumpsVersionAndSortsByOrder(t *testing.T) {
	s := New("test", "")
	second := schemas.NewActionSequence("second", 2, 1, schemas.NewKeyboardAction("b", schemas.KeyTap, 0))
	first := schemas.NewActionSequence("first", 1, 1, schemas.NewKeyboardAction("a", schemas.KeyTap, 0))

	require.NoError(t, Record(s, second))
	require.NoError(t, Record(s, first))

	assert.Equal(t, int64(3), s.Version)
	assert.Equal(t, "first", s.Sequences[0].Name)
	assert.Equal(t, "second", s.Sequences[1].Name)
}

func TestRecordRejectedWhileActive(t *testing.T) {
	s := draftScript(t)
	require.NoError(t, Activate(s))

	err := Record(s, schemas.NewActionSequence("late", 1, 1, schemas.NewKeyboardAction("x", schemas.KeyTap, 0)))
	assert.ErrorIs(t, err, ErrRunInProgress)
}

func TestRemoveSequence(t *testing.T) {
	s := draftScript(t)
	id := s.Sequences[0].ID
	require.NoError(t, RemoveSequence(s, id))
	assert.Empty(t, s.Sequences)
	assert.Error(t, RemoveSequence(s, id), "removing twice must fail")
}

func TestLifecycleTransitions(t *testing.T) {
	s := draftScript(t)

	require.NoError(t, Activate(s))
	assert.Equal(t, schemas.ScriptActive, s.Status)

	require.NoError(t, Pause(s))
	assert.Equal(t, schemas.ScriptPaused, s.Status)

	require.NoError(t, Resume(s))
	assert.Equal(t, schemas.ScriptActive, s.Status)

	require.NoError(t, Stop(s))
	assert.Equal(t, schemas.ScriptStopped, s.Status)

	// Stopped is terminal.
	assert.Error(t, Activate(s))
	assert.Error(t, Pause(s))
	assert.Error(t, Resume(s))
	assert.Error(t, Stop(s))
}

func TestIllegalTransitions(t *testing.T) {
	s := draftScript(t)
	assert.Error(t, Pause(s), "draft cannot pause")
	assert.Error(t, Resume(s), "draft cannot resume")
}

func TestActivateValidatesFirst(t *testing.T) {
	s := New("empty", "")
	err := Activate(s)
	require.Error(t, err)
	assert.Equal(t, schemas.ErrCodeEmptyScript, schemas.CodeOf(err))
	assert.Equal(t, schemas.ScriptDraft, s.Status, "a failed activation must not change status")
}

func TestValidate(t *testing.T) {
	t.Run("invalid loop count", func(t *testing.T) {
		s := New("bad-loop", "")
		seq := schemas.NewActionSequence("zero", 0, 0, schemas.NewKeyboardAction("a", schemas.KeyTap, 0))
		require.NoError(t, Record(s, seq))
		err := Validate(s)
		require.Error(t, err)
		assert.Equal(t, schemas.ErrCodeInvalidLoop, schemas.CodeOf(err))
	})

	t.Run("dangling branch reference", func(t *testing.T) {
		s := New("bad-branch", "")
		seq := schemas.NewActionSequence("root", 0, 1,
			schemas.NewBranchAction(`true`, uuid.New(), uuid.Nil))
		require.NoError(t, Record(s, seq))
		err := Validate(s)
		require.Error(t, err)
		assert.Equal(t, schemas.ErrCodeDanglingBranch, schemas.CodeOf(err))
	})

	t.Run("nil branch arms are fine", func(t *testing.T) {
		s := New("nil-branch", "")
		seq := schemas.NewActionSequence("root", 0, 1,
			schemas.NewBranchAction(`true`, uuid.Nil, uuid.Nil))
		require.NoError(t, Record(s, seq))
		assert.NoError(t, Validate(s))
	})
}

func TestEstimateDuration(t *testing.T) {
	s := New("timed", "")
	seq := schemas.NewActionSequence("main", 0, 2,
		schemas.NewKeyboardAction("a", schemas.KeyTap, 100*time.Millisecond),
		schemas.NewDelayAction(200*time.Millisecond),
	)
	require.NoError(t, Record(s, seq))

	// (100ms delay + 200ms pause) * 2 loops.
	assert.Equal(t, 600*time.Millisecond, EstimateDuration(s))
	assert.Equal(t, 600*time.Millisecond, s.EstimatedDuration)
}

func TestEstimateDurationBranchTakesLongerArm(t *testing.T) {
	s := New("branched", "")
	long := schemas.NewActionSequence("long", 1, 1, schemas.NewDelayAction(500*time.Millisecond))
	short := schemas.NewActionSequence("short", 2, 1, schemas.NewDelayAction(100*time.Millisecond))
	require.NoError(t, Record(s, long))
	require.NoError(t, Record(s, short))

	root := schemas.NewActionSequence("root", 0, 1,
		schemas.NewBranchAction(`true`, long.ID, short.ID))
	require.NoError(t, Record(s, root))

	// long + short standalone, plus root contributing max(long, short).
	assert.Equal(t, 1100*time.Millisecond, EstimateDuration(s))
}

func TestEstimateDurationCycleTerminates(t *testing.T) {
	s := New("cyclic", "")
	aID, bID := uuid.New(), uuid.New()
	a := schemas.ActionSequence{ID: aID, Name: "a", Order: 0, LoopCount: 1,
		Actions: []schemas.GameAction{schemas.NewBranchAction(`true`, bID, uuid.Nil)}}
	b := schemas.ActionSequence{ID: bID, Name: "b", Order: 1, LoopCount: 1,
		Actions: []schemas.GameAction{
			schemas.NewDelayAction(50 * time.Millisecond),
			schemas.NewBranchAction(`true`, aID, uuid.Nil),
		}}
	require.NoError(t, Record(s, a))
	require.NoError(t, Record(s, b))

	// Must return, and count each sequence once per path.
	d := EstimateDuration(s)
	assert.Greater(t, d, time.Duration(0))
}

func TestCodecRoundTrip(t *testing.T) {
	s := draftScript(t)
	img := schemas.NewImageWaitAction(uuid.New(), 0.92, 3*time.Second, 50*time.Millisecond)
	require.NoError(t, Record(s, schemas.NewActionSequence("wait", 1, 1, img)))

	path := filepath.Join(t.TempDir(), "script.json")
	require.NoError(t, Save(path, s))

	loaded, err := Load(path)
	require.NoError(t, err)

	diff := cmp.Diff(s, loaded, cmpopts.EquateEmpty())
	assert.Empty(t, diff, "persisted script must round-trip unchanged")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}
