// File: internal/script/script.go
// Package script owns mutation, validation and persistence of the Script
// aggregate. All structural edits flow through here so that Version and
// UpdatedAt stay coherent and execution never observes a half-applied edit.
package script

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ModerRAS/keyforge/api/schemas"
)

// ErrRunInProgress rejects structural edits while a run holds the script.
var ErrRunInProgress = fmt.Errorf("script is executing; edits queue until the run stops")

// New creates an empty draft script.
func New(name, description string) *schemas.Script {
	now := time.Now().UTC()
	return &schemas.Script{
		ID:          uuid.New(),
		Name:        name,
		Description: description,
		Version:     1,
		Status:      schemas.ScriptDraft,
		Metadata:    map[string]string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Record appends a sequence and re-derives the estimated duration. The
// script must not be executing.
func Record(s *schemas.Script, seq schemas.ActionSequence) error {
	if s.Status == schemas.ScriptActive {
		return ErrRunInProgress
	}
	s.Sequences = append(s.Sequences, seq)
	sort.SliceStable(s.Sequences, func(i, j int) bool {
		return s.Sequences[i].Order < s.Sequences[j].Order
	})
	touch(s)
	return nil
}

// RemoveSequence deletes the sequence with the given id.
func RemoveSequence(s *schemas.Script, id uuid.UUID) error {
	if s.Status == schemas.ScriptActive {
		return ErrRunInProgress
	}
	for i, seq := range s.Sequences {
		if seq.ID == id {
			s.Sequences = append(s.Sequences[:i], s.Sequences[i+1:]...)
			touch(s)
			return nil
		}
	}
	return fmt.Errorf("sequence %s not found in script %s", id, s.ID)
}

// Activate validates the script and moves it to Active. Validation always
// runs before the transition; an invalid script never becomes Active.
func Activate(s *schemas.Script) error {
	if err := checkTransition(s.Status, schemas.ScriptActive); err != nil {
		return err
	}
	if err := Validate(s); err != nil {
		return err
	}
	s.Status = schemas.ScriptActive
	touch(s)
	return nil
}

// Pause moves an active script to Paused.
func Pause(s *schemas.Script) error {
	if err := checkTransition(s.Status, schemas.ScriptPaused); err != nil {
		return err
	}
	s.Status = schemas.ScriptPaused
	touch(s)
	return nil
}

// Resume moves a paused script back to Active. The script was validated at
// activation and cannot have been edited since, so no re-validation.
func Resume(s *schemas.Script) error {
	if s.Status != schemas.ScriptPaused {
		return fmt.Errorf("cannot resume script in status %q", s.Status)
	}
	s.Status = schemas.ScriptActive
	touch(s)
	return nil
}

// Stop moves the script to its terminal Stopped status.
func Stop(s *schemas.Script) error {
	if err := checkTransition(s.Status, schemas.ScriptStopped); err != nil {
		return err
	}
	s.Status = schemas.ScriptStopped
	touch(s)
	return nil
}

// checkTransition enforces the linear lifecycle. Stopped is terminal.
func checkTransition(from, to schemas.ScriptStatus) error {
	if from == schemas.ScriptStopped {
		return fmt.Errorf("script is stopped; no transition to %q is legal", to)
	}
	legal := map[schemas.ScriptStatus][]schemas.ScriptStatus{
		schemas.ScriptDraft:  {schemas.ScriptActive, schemas.ScriptStopped},
		schemas.ScriptActive: {schemas.ScriptPaused, schemas.ScriptStopped, schemas.ScriptError},
		schemas.ScriptPaused: {schemas.ScriptActive, schemas.ScriptStopped},
		schemas.ScriptError:  {schemas.ScriptStopped, schemas.ScriptDraft},
	}
	for _, s := range legal[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("illegal script transition %q -> %q", from, to)
}

// touch bumps version and timestamp and re-derives the estimate.
func touch(s *schemas.Script) {
	s.Version++
	s.UpdatedAt = time.Now().UTC()
	s.EstimatedDuration = EstimateDuration(s)
}

// EstimateDuration sums per-action delays times loop counts. Conditional
// branches contribute the longer of their then/else sequences, recursively;
// a cycle through branch references is counted once.
func EstimateDuration(s *schemas.Script) time.Duration {
	var total time.Duration
	for _, seq := range s.Sequences {
		total += sequenceDuration(s, seq, map[uuid.UUID]bool{})
	}
	return total
}

func sequenceDuration(s *schemas.Script, seq schemas.ActionSequence, visiting map[uuid.UUID]bool) time.Duration {
	if visiting[seq.ID] {
		return 0
	}
	visiting[seq.ID] = true
	defer delete(visiting, seq.ID)

	var one time.Duration
	for _, a := range seq.Actions {
		one += a.Delay
		switch a.Type {
		case schemas.ActionDelay:
			one += a.Duration
		case schemas.ActionImageWait:
			one += a.Timeout
		case schemas.ActionBranch:
			var thenD, elseD time.Duration
			if target, ok := s.SequenceByID(a.ThenSequenceID); ok {
				thenD = sequenceDuration(s, target, visiting)
			}
			if target, ok := s.SequenceByID(a.ElseSequenceID); ok {
				elseD = sequenceDuration(s, target, visiting)
			}
			if elseD > thenD {
				thenD = elseD
			}
			one += thenD
		}
	}
	loops := seq.LoopCount
	if loops < 1 {
		loops = 1
	}
	return one * time.Duration(loops)
}
