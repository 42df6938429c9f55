// File: internal/script/validate.go
package script

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ModerRAS/keyforge/api/schemas"
)

// Validate checks the structural invariants of a script. It runs before any
// Active transition and before execution begins, never mid-execution.
// Failures carry one of the validation ErrorCodes.
func Validate(s *schemas.Script) error {
	if len(s.Sequences) == 0 {
		return schemas.NewCodedError(schemas.ErrCodeEmptyScript,
			fmt.Sprintf("script %q has no action sequences", s.Name))
	}

	ids := make(map[uuid.UUID]bool, len(s.Sequences))
	for _, seq := range s.Sequences {
		ids[seq.ID] = true
	}

	for _, seq := range s.Sequences {
		if seq.LoopCount < 1 {
			return schemas.NewCodedError(schemas.ErrCodeInvalidLoop,
				fmt.Sprintf("sequence %s has loop count %d; must be >= 1", seq.ID, seq.LoopCount))
		}
		for _, a := range seq.Actions {
			if a.Type != schemas.ActionBranch {
				continue
			}
			if a.ThenSequenceID != uuid.Nil && !ids[a.ThenSequenceID] {
				return schemas.NewCodedError(schemas.ErrCodeDanglingBranch,
					fmt.Sprintf("branch action %d references unknown sequence %s", a.Seq, a.ThenSequenceID))
			}
			if a.ElseSequenceID != uuid.Nil && !ids[a.ElseSequenceID] {
				return schemas.NewCodedError(schemas.ErrCodeDanglingBranch,
					fmt.Sprintf("branch action %d references unknown sequence %s", a.Seq, a.ElseSequenceID))
			}
		}
	}
	return nil
}
