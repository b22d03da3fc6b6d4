// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline implements the self-correcting question-to-SQL loop.
//
// A turn moves through a finite state machine with phases GENERATE,
// VALIDATE, EXECUTE, RETRY, FALLBACK_ENTRY, SUCCESS, and FAILURE. The
// controller synthesizes a candidate query, checks it statically, runs it
// against the data store, and on failure folds a correction hint into the
// next synthesis prompt. After three failed attempts in NORMAL mode it
// switches once to a simplified FALLBACK strategy with a fresh attempt
// budget before giving up, so a turn costs at most six synthesizer calls.
//
// Thread Safety:
//
//	The Controller and StateMachine are safe for concurrent use. A Turn is
//	confined to the goroutine running it and must never be shared.
package pipeline

// Phase represents a state in the turn state machine.
//
// Valid phase transitions are enforced by the state machine. Invalid
// transitions return ErrInvalidTransition.
type Phase string

const (
	// PhaseGenerate invokes the query synthesizer for a fresh candidate.
	PhaseGenerate Phase = "GENERATE"

	// PhaseValidate runs the static safety checks on the candidate.
	PhaseValidate Phase = "VALIDATE"

	// PhaseExecute runs the validated candidate against the data store.
	PhaseExecute Phase = "EXECUTE"

	// PhaseRetry decides whether a failure is retried in the current mode,
	// escalated to fallback, or terminal.
	PhaseRetry Phase = "RETRY"

	// PhaseFallbackEntry arms the simplified fallback strategy with a
	// fresh attempt budget. Entered at most once per turn.
	PhaseFallbackEntry Phase = "FALLBACK_ENTRY"

	// PhaseSuccess indicates the turn produced a masked result set.
	PhaseSuccess Phase = "SUCCESS"

	// PhaseFailure indicates every attempt budget is exhausted.
	PhaseFailure Phase = "FAILURE"
)

// String returns the phase as a string (e.g., "GENERATE", "RETRY").
func (p Phase) String() string {
	return string(p)
}

// IsTerminal returns true if the phase ends the turn (SUCCESS or FAILURE).
func (p Phase) IsTerminal() bool {
	return p == PhaseSuccess || p == PhaseFailure
}

// AllPhases returns all valid phases in pipeline order.
func AllPhases() []Phase {
	return []Phase{
		PhaseGenerate,
		PhaseValidate,
		PhaseExecute,
		PhaseRetry,
		PhaseFallbackEntry,
		PhaseSuccess,
		PhaseFailure,
	}
}

// Mode selects the synthesis strategy for a turn.
//
// A turn starts in NORMAL mode, which allows the synthesizer the full
// analytical surface of the data store. FALLBACK mode restricts it to a
// minimal projection query so that numeric analysis is delegated to the
// downstream analysis runtime instead of the data store.
type Mode string

const (
	// ModeNormal is the full analytical synthesis strategy.
	ModeNormal Mode = "NORMAL"

	// ModeFallback is the single-use simplified strategy entered after
	// NORMAL mode exhausts its attempt budget.
	ModeFallback Mode = "FALLBACK"
)

// String returns the mode as a string (e.g., "NORMAL", "FALLBACK").
func (m Mode) String() string {
	return string(m)
}

// Intent is the classified purpose of a user question.
//
// The classifier emits the lowercase wire values; they are stored as-is
// so results round-trip through the API unchanged.
type Intent string

const (
	// IntentSQL marks a question that requires data retrieval.
	IntentSQL Intent = "sql"

	// IntentGeneral marks a greeting or a question about the assistant
	// itself. General turns never enter the state machine.
	IntentGeneral Intent = "general"
)

// String returns the intent as a string (e.g., "sql", "general").
func (i Intent) String() string {
	return string(i)
}
