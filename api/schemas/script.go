// File: api/schemas/script.go
package schemas

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ScriptStatus tracks the lifecycle of a script. The lifecycle is linear:
// Draft -> Active -> Paused/Active -> Stopped. Stopped is terminal; there is
// no legal backward transition out of it.
type ScriptStatus string

const (
	ScriptDraft   ScriptStatus = "draft"
	ScriptActive  ScriptStatus = "active"
	ScriptPaused  ScriptStatus = "paused"
	ScriptStopped ScriptStatus = "stopped"
	ScriptError   ScriptStatus = "error"
)

// ActionType discriminates the GameAction tagged variant.
type ActionType string

const (
	ActionKeyboard  ActionType = "keyboard"
	ActionMouse     ActionType = "mouse"
	ActionImageWait ActionType = "image_wait"
	ActionBranch    ActionType = "branch"
	ActionDelay     ActionType = "delay"
)

// KeyState describes what to do with a keyboard key.
type KeyState string

const (
	KeyDown KeyState = "down"
	KeyUp   KeyState = "up"
	KeyTap  KeyState = "tap"
)

// MouseButton identifies a physical mouse button.
type MouseButton string

const (
	ButtonLeft   MouseButton = "left"
	ButtonRight  MouseButton = "right"
	ButtonMiddle MouseButton = "middle"
)

// MouseActionType describes the kind of mouse gesture to inject.
type MouseActionType string

const (
	MouseMove        MouseActionType = "move"
	MousePress       MouseActionType = "press"
	MouseRelease     MouseActionType = "release"
	MouseClick       MouseActionType = "click"
	MouseDoubleClick MouseActionType = "double_click"
	MouseScroll      MouseActionType = "scroll"
)

// Point is a screen coordinate. It exists (instead of image.Point) so the
// persistence document uses lowercase keys and round-trips byte-stable.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// actionSeq hands out monotonically increasing action identifiers for the
// lifetime of the process. Persisted scripts keep the ids they were recorded
// with.
var actionSeq atomic.Int64

// NextActionSeq returns the next monotonic action id.
func NextActionSeq() int64 { return actionSeq.Add(1) }

// GameAction is the tagged variant for a single recorded input step. Only the
// fields of the active variant are populated; the rest stay at their zero
// value and are omitted from the persisted document. Actions are immutable
// once recorded.
type GameAction struct {
	Seq       int64      `json:"seq"`
	Type      ActionType `json:"type"`
	CreatedAt time.Time  `json:"createdAt"`

	// Delay is honored after the action completes, before the next one runs.
	Delay time.Duration `json:"delay,omitempty"`

	// Keyboard variant.
	Key      string   `json:"key,omitempty"`
	KeyState KeyState `json:"keyState,omitempty"`

	// Mouse variant.
	Position    *Point          `json:"position,omitempty"`
	MouseAction MouseActionType `json:"mouseAction,omitempty"`
	Button      MouseButton     `json:"button,omitempty"`
	ScrollDelta int             `json:"scrollDelta,omitempty"`

	// ImageWait variant.
	TemplateID uuid.UUID     `json:"templateId,omitempty"`
	Threshold  float64       `json:"threshold,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty"`

	// Branch variant.
	Condition      string    `json:"condition,omitempty"`
	ThenSequenceID uuid.UUID `json:"thenSequenceId,omitempty"`
	ElseSequenceID uuid.UUID `json:"elseSequenceId,omitempty"`

	// Delay variant.
	Duration time.Duration `json:"duration,omitempty"`
}

// NewKeyboardAction records a key press/release/tap.
func NewKeyboardAction(key string, state KeyState, delay time.Duration) GameAction {
	return GameAction{
		Seq:       NextActionSeq(),
		Type:      ActionKeyboard,
		CreatedAt: time.Now().UTC(),
		Key:       key,
		KeyState:  state,
		Delay:     delay,
	}
}

// NewMouseAction records a mouse gesture at a screen position.
func NewMouseAction(pos Point, action MouseActionType, button MouseButton, scroll int, delay time.Duration) GameAction {
	p := pos
	return GameAction{
		Seq:         NextActionSeq(),
		Type:        ActionMouse,
		CreatedAt:   time.Now().UTC(),
		Position:    &p,
		MouseAction: action,
		Button:      button,
		ScrollDelta: scroll,
		Delay:       delay,
	}
}

// NewImageWaitAction records a wait-until-template-visible step.
func NewImageWaitAction(templateID uuid.UUID, threshold float64, timeout, delay time.Duration) GameAction {
	return GameAction{
		Seq:        NextActionSeq(),
		Type:       ActionImageWait,
		CreatedAt:  time.Now().UTC(),
		TemplateID: templateID,
		Threshold:  threshold,
		Timeout:    timeout,
		Delay:      delay,
	}
}

// NewBranchAction records a conditional jump to another sequence.
func NewBranchAction(condition string, thenID, elseID uuid.UUID) GameAction {
	return GameAction{
		Seq:            NextActionSeq(),
		Type:           ActionBranch,
		CreatedAt:      time.Now().UTC(),
		Condition:      condition,
		ThenSequenceID: thenID,
		ElseSequenceID: elseID,
	}
}

// NewDelayAction records a pure wait.
func NewDelayAction(d time.Duration) GameAction {
	return GameAction{
		Seq:       NextActionSeq(),
		Type:      ActionDelay,
		CreatedAt: time.Now().UTC(),
		Duration:  d,
	}
}

// ActionSequence is an ordered run of actions executed LoopCount times.
// A sequence is a value: edits construct a new sequence rather than mutating
// one that an in-progress execution may still hold.
type ActionSequence struct {
	ID        uuid.UUID    `json:"id"`
	Name      string       `json:"name,omitempty"`
	Order     int          `json:"order"`
	LoopCount int          `json:"loopCount"`
	Actions   []GameAction `json:"actions"`
}

// NewActionSequence builds a sequence with a fresh identity.
func NewActionSequence(name string, order, loopCount int, actions ...GameAction) ActionSequence {
	return ActionSequence{
		ID:        uuid.New(),
		Name:      name,
		Order:     order,
		LoopCount: loopCount,
		Actions:   actions,
	}
}

// Script is the root aggregate: an ordered list of action sequences plus
// lifecycle metadata. It owns its sequences exclusively; all mutation goes
// through the operations in internal/script, which bump Version and
// UpdatedAt.
type Script struct {
	ID          uuid.UUID         `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Version     int64             `json:"version"`
	Status      ScriptStatus      `json:"status"`
	Sequences   []ActionSequence  `json:"actionSequences"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`

	// EstimatedDuration is re-derived on every structural edit.
	EstimatedDuration time.Duration `json:"estimatedDuration,omitempty"`
}

// SequenceByID returns the sequence with the given id, if present.
func (s *Script) SequenceByID(id uuid.UUID) (ActionSequence, bool) {
	for _, seq := range s.Sequences {
		if seq.ID == id {
			return seq, true
		}
	}
	return ActionSequence{}, false
}
