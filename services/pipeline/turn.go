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
	"github.com/AleutianAI/AleutianQuery/services/dbexec"
	"github.com/AleutianAI/AleutianQuery/services/feedback"
)

// Turn carries one question through the state machine.
//
// The controller is the only writer. Stages (synthesizer, validator,
// executor, masker) receive inputs from the turn and hand results back as
// return values; none of them mutates the turn. A turn is never shared
// across goroutines, so no locking is needed.
type Turn struct {
	// Question is the user's natural-language question, as received.
	Question string

	// Intent is the classified purpose of the question.
	Intent Intent

	// NeedsAnalysis is true when the question asks for statistics the
	// data store should not compute. It selects the minimal-projection
	// synthesis prompt so the analysis runtime gets raw rows.
	NeedsAnalysis bool

	// Phase is the current state machine phase.
	Phase Phase

	// Mode is the current synthesis strategy.
	Mode Mode

	// AttemptCount is the number of synthesizer calls made in the
	// current mode. It resets to zero on fallback entry.
	AttemptCount int

	// SynthCalls is the number of synthesizer calls made over the whole
	// turn. It never resets; the controller caps it.
	SynthCalls int

	// FallbackUsed latches true on fallback entry. It never clears, so
	// fallback is entered at most once per turn.
	FallbackUsed bool

	// CurrentSQL is the most recent candidate query. Cleared on
	// fallback entry.
	CurrentSQL string

	// Rationale is the synthesizer's reasoning for the current
	// candidate, when it supplied one.
	Rationale string

	// LastHint is the correction hint derived from the most recent
	// failure. Folded into the next synthesis prompt, then replaced.
	LastHint string

	// LastError is the raw text of the most recent failure.
	LastError string

	// Attempts records every failed candidate for diagnostics.
	Attempts []Attempt

	// Masked is the post-masking result set once execution succeeds.
	Masked *dbexec.ResultSet

	// events receives a PhaseEvent after every committed transition.
	// Nil when the caller does not stream progress.
	events func(PhaseEvent)
}

// newTurn starts a turn in GENERATE with the full analytical strategy.
func newTurn(question string) *Turn {
	return &Turn{
		Question: question,
		Intent:   IntentSQL,
		Phase:    PhaseGenerate,
		Mode:     ModeNormal,
	}
}

// recordFailure captures a classified failure and its correction hint.
//
// The failure never propagates as a Go error; the RETRY phase reads it
// from the turn and decides what happens next.
func (t *Turn) recordFailure(fb feedback.Feedback, errText string) {
	t.LastError = errText
	t.LastHint = fb.Hint
	t.Attempts = append(t.Attempts, Attempt{
		Mode:     t.Mode,
		SQL:      t.CurrentSQL,
		Category: fb.Category,
		Error:    errText,
	})
}

// Attempt records one failed candidate query.
type Attempt struct {
	// Mode is the synthesis strategy the candidate was produced under.
	Mode Mode `json:"mode"`

	// SQL is the candidate query that failed.
	SQL string `json:"sql"`

	// Category is the classified failure category.
	Category feedback.Category `json:"category"`

	// Error is the raw failure text the category was derived from.
	Error string `json:"error"`
}

// TurnResult is what a finished turn hands to downstream consumers.
//
// Mode tells a consumer whether rows came from the full analytical path
// or the simplified fallback path. NeedsAnalysis tells the in-browser
// analysis runtime that numeric work was delegated to it.
type TurnResult struct {
	// Question is the user's question, echoed back.
	Question string `json:"question"`

	// Intent is the classified purpose of the question.
	Intent Intent `json:"intent"`

	// Phase is the terminal phase, SUCCESS or FAILURE.
	Phase Phase `json:"phase"`

	// Mode is the synthesis strategy the turn ended in.
	Mode Mode `json:"mode"`

	// NeedsAnalysis is true when numeric analysis is delegated to the
	// downstream analysis runtime.
	NeedsAnalysis bool `json:"needs_analysis"`

	// SQL is the final candidate query (for SUCCESS, the one that ran).
	SQL string `json:"sql,omitempty"`

	// Rationale is the synthesizer's reasoning for the final candidate.
	Rationale string `json:"rationale,omitempty"`

	// Rows is the masked result set (for SUCCESS).
	Rows *dbexec.ResultSet `json:"rows,omitempty"`

	// Answer is the natural-language answer derived from the rows, or
	// the general-conversation reply.
	Answer string `json:"answer,omitempty"`

	// Insight is the additional observation the responder volunteered.
	Insight string `json:"insight,omitempty"`

	// ErrorMessage is the terminal failure text (for FAILURE).
	ErrorMessage string `json:"error,omitempty"`

	// Attempts lists every failed candidate, oldest first.
	Attempts []Attempt `json:"attempts,omitempty"`

	// SynthCalls is the total number of synthesizer invocations.
	SynthCalls int `json:"synth_calls"`

	// FallbackUsed is true if the turn entered fallback mode.
	FallbackUsed bool `json:"fallback_used"`

	// ElapsedMs is the wall-clock duration of the turn.
	ElapsedMs int64 `json:"elapsed_ms"`
}
