// File: internal/decision/statemachine.go
package decision

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ModerRAS/keyforge/api/schemas"
)

// Machine runs the optional finite state machine. All transitions go through
// the declared edge list; an undeclared or guard-rejected transition leaves
// the current state untouched and returns ILLEGAL_TRANSITION.
type Machine struct {
	mu      sync.Mutex
	def     schemas.StateMachine
	eval    schemas.ConditionEvaluator
	logger  *zap.Logger
	current string
}

// NewMachine validates the definition and positions the machine on its
// declared current state.
func NewMachine(def schemas.StateMachine, eval schemas.ConditionEvaluator, logger *zap.Logger) (*Machine, error) {
	if eval == nil {
		return nil, fmt.Errorf("condition evaluator cannot be nil")
	}
	if len(def.States) == 0 {
		return nil, schemas.NewCodedError(schemas.ErrCodeValidation, "state machine declares no states")
	}
	if _, ok := def.StateByName(def.Current); !ok {
		return nil, schemas.NewCodedError(schemas.ErrCodeValidation,
			fmt.Sprintf("current state %q is not declared", def.Current))
	}
	for _, t := range def.Transitions {
		if _, ok := def.StateByName(t.From); !ok {
			return nil, schemas.NewCodedError(schemas.ErrCodeValidation,
				fmt.Sprintf("transition references undeclared state %q", t.From))
		}
		if _, ok := def.StateByName(t.To); !ok {
			return nil, schemas.NewCodedError(schemas.ErrCodeValidation,
				fmt.Sprintf("transition references undeclared state %q", t.To))
		}
	}
	return &Machine{
		def:     def,
		eval:    eval,
		logger:  logger.Named("statemachine"),
		current: def.Current,
	}, nil
}

// Current returns the machine's current state name.
func (m *Machine) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// StateChange reports a completed transition: the exit sequence of the
// departed state and the entry sequence of the arrived one, in that order.
type StateChange struct {
	From            string
	To              string
	ExitSequenceID  uuid.UUID
	EntrySequenceID uuid.UUID
}

// Sequences returns the non-nil sequence IDs to execute, exit first.
func (c StateChange) Sequences() []uuid.UUID {
	var ids []uuid.UUID
	if c.ExitSequenceID != uuid.Nil {
		ids = append(ids, c.ExitSequenceID)
	}
	if c.EntrySequenceID != uuid.Nil {
		ids = append(ids, c.EntrySequenceID)
	}
	return ids
}

// TransitionTo moves to the named state. The edge must be declared and its
// guard, if any, must hold against the execution context; otherwise the state
// is unchanged and an ILLEGAL_TRANSITION error is returned.
func (m *Machine) TransitionTo(target string, exCtx *schemas.ExecutionContext) (StateChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.def.StateByName(target); !ok {
		return StateChange{}, schemas.NewCodedError(schemas.ErrCodeIllegalTransition,
			fmt.Sprintf("state %q is not declared", target))
	}
	for _, t := range m.def.Transitions {
		if t.From != m.current || t.To != target {
			continue
		}
		if t.Guard != "" {
			ok, err := m.eval.EvalCondition(t.Guard, exCtx)
			if err != nil {
				m.logger.Warn("Transition guard failed closed",
					zap.String("from", m.current),
					zap.String("to", target),
					zap.Error(err),
				)
				continue
			}
			if !ok {
				continue
			}
		}
		return m.commit(target), nil
	}
	return StateChange{}, schemas.NewCodedError(schemas.ErrCodeIllegalTransition,
		fmt.Sprintf("no legal transition from %q to %q", m.current, target))
}

// Advance scans the declared transitions out of the current state in order
// and takes the first whose guard holds. No eligible edge is not an error;
// the machine simply stays put.
func (m *Machine) Advance(exCtx *schemas.ExecutionContext) (StateChange, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.def.Transitions {
		if t.From != m.current {
			continue
		}
		if t.Guard != "" {
			ok, err := m.eval.EvalCondition(t.Guard, exCtx)
			if err != nil {
				m.logger.Warn("Transition guard failed closed",
					zap.String("from", m.current),
					zap.String("to", t.To),
					zap.Error(err),
				)
				continue
			}
			if !ok {
				continue
			}
		}
		return m.commit(t.To), true
	}
	return StateChange{}, false
}

// commit performs the state swap under the caller's lock.
func (m *Machine) commit(target string) StateChange {
	from, _ := m.def.StateByName(m.current)
	to, _ := m.def.StateByName(target)
	change := StateChange{
		From:            from.Name,
		To:              to.Name,
		ExitSequenceID:  from.ExitSequenceID,
		EntrySequenceID: to.EntrySequenceID,
	}
	m.logger.Debug("State transition",
		zap.String("from", change.From),
		zap.String("to", change.To),
	)
	m.current = target
	return change
}
