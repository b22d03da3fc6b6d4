// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a phase transition is not allowed.
var ErrInvalidTransition = errors.New("invalid phase transition")

// StateMachine enforces the valid phase transitions of a turn.
//
// The transition table is fixed at construction. The machine itself holds
// no per-turn state, so one instance serves every concurrent turn.
//
// Thread Safety: Safe for concurrent use after construction.
type StateMachine struct {
	transitions map[Phase][]Phase
	reasons     map[Phase]map[Phase]string
}

// PhaseEvent describes one phase transition for history and streaming.
type PhaseEvent struct {
	Type   string `json:"type"`
	Phase  Phase  `json:"phase"`
	Input  string `json:"input"`
	Output string `json:"output"`
}

// NewStateMachine creates a state machine with the turn transition table.
//
// The table encodes the retry design: every synthesis is validated, every
// validated candidate is executed, every failure funnels through RETRY,
// and RETRY is the only phase that can end the turn in FAILURE or escalate
// into fallback. SUCCESS and FAILURE are terminal.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		transitions: map[Phase][]Phase{
			PhaseGenerate:      {PhaseValidate},
			PhaseValidate:      {PhaseExecute, PhaseRetry},
			PhaseExecute:       {PhaseSuccess, PhaseRetry},
			PhaseRetry:         {PhaseGenerate, PhaseFallbackEntry, PhaseFailure},
			PhaseFallbackEntry: {PhaseGenerate},
			PhaseSuccess:       {},
			PhaseFailure:       {},
		},
		reasons: map[Phase]map[Phase]string{
			PhaseGenerate: {
				PhaseValidate: "candidate query synthesized",
			},
			PhaseValidate: {
				PhaseExecute: "static safety checks passed",
				PhaseRetry:   "static safety check rejected the candidate",
			},
			PhaseExecute: {
				PhaseSuccess: "query returned a result set",
				PhaseRetry:   "data store rejected the query",
			},
			PhaseRetry: {
				PhaseGenerate:      "attempt budget remaining, correction hint emitted",
				PhaseFallbackEntry: "normal-mode attempts exhausted, fallback available",
				PhaseFailure:       "all attempt budgets exhausted",
			},
			PhaseFallbackEntry: {
				PhaseGenerate: "fallback armed with a fresh attempt budget",
			},
		},
	}
}

// CanTransition returns true if the transition from -> to is valid.
func (sm *StateMachine) CanTransition(from, to Phase) bool {
	for _, valid := range sm.transitions[from] {
		if valid == to {
			return true
		}
	}
	return false
}

// Transition moves the turn to the target phase.
//
// On an invalid transition it returns an error wrapping
// ErrInvalidTransition and leaves the turn's phase unchanged.
func (sm *StateMachine) Transition(turn *Turn, to Phase) error {
	from := turn.Phase
	if !sm.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	turn.Phase = to
	return nil
}

// ValidTransitionsFrom returns the phases reachable from the given phase.
func (sm *StateMachine) ValidTransitionsFrom(from Phase) []Phase {
	valid := sm.transitions[from]
	out := make([]Phase, len(valid))
	copy(out, valid)
	return out
}

// TransitionReason returns the human-readable reason recorded for a
// transition, or an empty string for an invalid pair.
func (sm *StateMachine) TransitionReason(from, to Phase) string {
	return sm.reasons[from][to]
}

// TransitionEvent builds the history event for a transition.
func (sm *StateMachine) TransitionEvent(from, to Phase) PhaseEvent {
	return PhaseEvent{
		Type:   "phase_transition",
		Phase:  to,
		Input:  from.String(),
		Output: sm.TransitionReason(from, to),
	}
}

// DefaultStateMachine is the shared machine used by the package-level
// convenience functions and by controllers that do not inject their own.
var DefaultStateMachine = NewStateMachine()

// CanTransition checks a transition against the default state machine.
func CanTransition(from, to Phase) bool {
	return DefaultStateMachine.CanTransition(from, to)
}

// Transition moves the turn using the default state machine.
func Transition(turn *Turn, to Phase) error {
	return DefaultStateMachine.Transition(turn, to)
}
