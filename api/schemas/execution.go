// File: api/schemas/execution.go
package schemas

import (
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ActionStatus is the outcome of a single executed action.
type ActionStatus string

const (
	ActionSuccess   ActionStatus = "success"
	ActionFailed    ActionStatus = "failed"
	ActionCancelled ActionStatus = "cancelled"
)

// ActionResult records what happened to one action during execution.
type ActionResult struct {
	ActionSeq int64         `json:"actionSeq"`
	Type      ActionType    `json:"type"`
	Status    ActionStatus  `json:"status"`
	Error     string        `json:"error,omitempty"`
	Code      ErrorCode     `json:"code,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// ExecutionStatus is the outcome of a whole sequence run.
type ExecutionStatus string

const (
	ExecutionSuccess   ExecutionStatus = "success"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// ExecutionResult is the structured result of executing one sequence. On a
// failed action the executor stops immediately, so Actions holds results only
// up to and including the failure.
type ExecutionResult struct {
	SequenceID uuid.UUID       `json:"sequenceId"`
	Status     ExecutionStatus `json:"status"`
	Actions    []ActionResult  `json:"actions"`
	Elapsed    time.Duration   `json:"elapsed"`
}

// TickEvent is the structured telemetry record emitted once per controller
// tick. The sink must never block the loop; emission is fire-and-forget with
// a bounded drop-oldest buffer.
type TickEvent struct {
	TickID uint64                       `json:"tickId"`
	Sense  map[string]RecognitionResult `json:"sense,omitempty"`
	Judge  DecisionResult               `json:"judge"`
	Act    *ExecutionResult             `json:"act,omitempty"`
	State  string                       `json:"state,omitempty"`
	// Duration is the wall-clock tick time. It serializes as whole
	// milliseconds, see MarshalJSON.
	Duration time.Duration `json:"-"`
	Error    string        `json:"error,omitempty"`
}

// MarshalJSON emits Duration under durationMs in whole milliseconds so sink
// consumers are not handed raw nanosecond counts.
func (e TickEvent) MarshalJSON() ([]byte, error) {
	type plain TickEvent
	return json.Marshal(struct {
		plain
		DurationMs int64 `json:"durationMs"`
	}{plain(e), e.Duration.Milliseconds()})
}
