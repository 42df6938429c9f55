// File: api/schemas/decision.go
package schemas

import (
	"image"
	"time"

	"github.com/google/uuid"
)

// DecisionRule pairs a condition expression with the sequence to run when it
// holds. Rules fire in ascending Priority order; only the first matching
// rule's sequence executes per tick.
type DecisionRule struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	Condition      string    `json:"condition"`
	ThenSequenceID uuid.UUID `json:"thenSequenceId"`
	ElseSequenceID uuid.UUID `json:"elseSequenceId,omitempty"`
	Priority       int       `json:"priority"`
	Enabled        bool      `json:"enabled"`

	// TemplateRefs names the templates this rule's condition reads, so the
	// Sense stage knows what to recognize before the rule is evaluated.
	TemplateRefs []string `json:"templateRefs,omitempty"`
}

// DecisionResult is the outcome of evaluating rules for one tick.
type DecisionResult struct {
	Matched    bool      `json:"matched"`
	RuleID     uuid.UUID `json:"ruleId,omitempty"`
	RuleName   string    `json:"ruleName,omitempty"`
	SequenceID uuid.UUID `json:"sequenceId,omitempty"`
}

// State is a named state with optional entry/exit sequences.
type State struct {
	Name            string    `json:"name"`
	EntrySequenceID uuid.UUID `json:"entrySequenceId,omitempty"`
	ExitSequenceID  uuid.UUID `json:"exitSequenceId,omitempty"`
}

// Transition is an edge of the state machine. Guard is a condition expression
// evaluated against the current execution context; empty means always
// allowed.
type Transition struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Guard string `json:"guard,omitempty"`
}

// StateMachine describes the optional finite state machine driven by the
// Judge stage. Current is always a member of States; a transition is legal
// only if listed, and illegal requests fail closed without changing state.
type StateMachine struct {
	ID          uuid.UUID    `json:"id"`
	Current     string       `json:"current"`
	States      []State      `json:"states"`
	Transitions []Transition `json:"transitions"`
}

// StateByName returns the named state, if declared.
func (m *StateMachine) StateByName(name string) (State, bool) {
	for _, s := range m.States {
		if s.Name == name {
			return s, true
		}
	}
	return State{}, false
}

// ExecutionContext aggregates everything the Judge and Act stages may read
// during one tick: recognition results keyed by template name, variable
// bindings, the state machine's current state, and the previous tick's action
// outcomes. The controller owns it for the duration of one tick and rebuilds
// it from scratch on the next; nothing aliases it across ticks.
type ExecutionContext struct {
	TickID       uint64
	Recognitions map[string]RecognitionResult
	Vars         map[string]any
	State        string
	PriorResults []ActionResult

	// Frame is the capture this tick's recognitions were computed from. The
	// pixel() condition helper reads it.
	Frame      image.Image
	CapturedAt time.Time
}

// NewExecutionContext builds an empty context for a tick.
func NewExecutionContext(tickID uint64) *ExecutionContext {
	return &ExecutionContext{
		TickID:       tickID,
		Recognitions: make(map[string]RecognitionResult),
		Vars:         make(map[string]any),
	}
}
