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
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianQuery/pkg/logging"
	"github.com/AleutianAI/AleutianQuery/services/dbexec"
	"github.com/AleutianAI/AleutianQuery/services/feedback"
	"github.com/AleutianAI/AleutianQuery/services/llm"
	"github.com/AleutianAI/AleutianQuery/services/mask"
	"github.com/AleutianAI/AleutianQuery/services/schema"
	"github.com/AleutianAI/AleutianQuery/services/sqlguard"
)

// Generation temperatures, one per collaborator role. Classification
// must be deterministic, synthesis nearly so, prose can vary.
const (
	tempIntent  float32 = 0.0
	tempSynth   float32 = 0.1
	tempRespond float32 = 0.7
)

// Default retry budget: three attempts per mode, two modes.
const (
	defaultMaxAttemptsPerMode = 3
	defaultMaxSynthCalls      = 6
)

// QueryRunner executes one validated query against the data store.
//
// *dbexec.Executor satisfies this. Rejected queries must come back as
// *dbexec.ExecError; anything else is treated as an infrastructure
// failure and aborts the turn.
type QueryRunner interface {
	Query(ctx context.Context, query string) (*dbexec.ResultSet, error)
}

// Config bounds a turn's retry budget.
type Config struct {
	// MaxAttemptsPerMode is the synthesizer budget within one mode.
	// Zero means the default of 3.
	MaxAttemptsPerMode int

	// MaxSynthCalls caps synthesizer calls across the whole turn, both
	// modes combined. Zero means the default of 6.
	MaxSynthCalls int
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.MaxAttemptsPerMode <= 0 {
		cfg.MaxAttemptsPerMode = defaultMaxAttemptsPerMode
	}
	if cfg.MaxSynthCalls <= 0 {
		cfg.MaxSynthCalls = defaultMaxSynthCalls
	}
	return cfg
}

// Controller drives questions through the state machine.
//
// Description:
//
//	One Run call is one turn: classify the question, synthesize a
//	candidate query, validate it, execute it, and on failure feed a
//	correction hint back into the next synthesis. The controller is the
//	only component that mutates turn state; every collaborator is pure
//	or externally effectful but stateless between calls.
//
// Thread Safety:
//
//	Safe for concurrent use. Each Run owns its turn; the shared pieces
//	(templates, hint generator, state machine, schema snapshots) are
//	read-only after construction.
type Controller struct {
	llm     llm.LLMClient
	schema  schema.Provider
	runner  QueryRunner
	hints   *feedback.Generator
	machine *StateMachine
	prompts *promptSet
	log     *logging.Logger
	cfg     Config
}

// New creates a Controller.
//
// Inputs:
//
//	client - Synthesizer, classifier, and responder backend. Must not be nil.
//	provider - Schema snapshot source. Must not be nil.
//	runner - Data store executor. Must not be nil.
//	log - Structured logger. Nil falls back to the process default.
//	cfg - Retry budget. Zero values take the defaults.
//
// Outputs:
//
//	*Controller - Ready to serve concurrent Run calls.
//	error - If a dependency is nil or an embedded template is broken.
func New(client llm.LLMClient, provider schema.Provider, runner QueryRunner, log *logging.Logger, cfg Config) (*Controller, error) {
	if client == nil {
		return nil, errors.New("llm client must not be nil")
	}
	if provider == nil {
		return nil, errors.New("schema provider must not be nil")
	}
	if runner == nil {
		return nil, errors.New("query runner must not be nil")
	}
	if log == nil {
		log = logging.Default()
	}
	hints, err := feedback.NewGenerator()
	if err != nil {
		return nil, err
	}
	prompts, err := compilePrompts()
	if err != nil {
		return nil, err
	}
	return &Controller{
		llm:     client,
		schema:  provider,
		runner:  runner,
		hints:   hints,
		machine: NewStateMachine(),
		prompts: prompts,
		log:     log,
		cfg:     applyConfigDefaults(cfg),
	}, nil
}

// Run answers one question.
//
// Description:
//
//	General-conversation questions are answered directly. Data questions
//	run the GENERATE/VALIDATE/EXECUTE machine with up to three attempts
//	in NORMAL mode and, once those are spent, three more in FALLBACK
//	mode. Classified query failures never surface as errors; they end in
//	a TurnResult with Phase FAILURE.
//
// Inputs:
//
//	ctx - Cancels in-flight synthesizer and data store calls.
//	question - The user's natural-language question. Must not be blank.
//
// Outputs:
//
//	*TurnResult - Terminal outcome, SUCCESS or FAILURE, with diagnostics.
//	error - Infrastructure failures only: cancellation, synthesizer
//	outage, connection loss, missing schema.
func (c *Controller) Run(ctx context.Context, question string) (*TurnResult, error) {
	return c.RunWithEvents(ctx, question, nil)
}

// RunWithEvents answers one question like Run, invoking handler after
// every committed phase transition so a streaming caller can show
// progress. The handler runs on the turn's goroutine and must return
// quickly; general-conversation turns never enter the machine and emit
// no events. A nil handler is allowed.
func (c *Controller) RunWithEvents(ctx context.Context, question string, handler func(PhaseEvent)) (*TurnResult, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, errors.New("question must not be empty")
	}
	start := time.Now()

	if c.classifyIntent(ctx, question) == IntentGeneral {
		return c.runGeneral(ctx, question, start)
	}

	// One snapshot serves the whole turn so a concurrent reload cannot
	// shift the schema between synthesis and validation.
	desc, err := c.schema.Descriptor()
	if err != nil {
		return nil, fmt.Errorf("load schema descriptor: %w", err)
	}

	turn := newTurn(question)
	turn.NeedsAnalysis = NeedsAnalysis(question)
	turn.events = handler

	if err := c.runMachine(ctx, turn, desc); err != nil {
		return nil, err
	}
	return c.finish(ctx, turn, start), nil
}

// classifyIntent asks the classifier which path the question takes.
// Classification failures fall back to general conversation rather than
// starting the SQL machine on a guess.
func (c *Controller) classifyIntent(ctx context.Context, question string) Intent {
	prompt, err := c.prompts.renderIntent(question)
	if err != nil {
		c.log.Warn("intent prompt render failed", "error", err)
		return IntentGeneral
	}
	reply, err := c.llm.Generate(ctx, prompt, llm.GenerationParams{
		Temperature: llm.Float32(tempIntent),
	})
	if err != nil {
		c.log.Warn("intent classification failed, treating as general", "error", err)
		return IntentGeneral
	}
	intent, ok := parseIntent(reply)
	if !ok {
		c.log.Warn("unrecognized intent reply, treating as general",
			"reply", strings.TrimSpace(reply),
		)
	}
	c.log.Debug("intent classified", "intent", intent.String())
	return intent
}

// runGeneral answers a greeting or capability question without touching
// the data store.
func (c *Controller) runGeneral(ctx context.Context, question string, start time.Time) (*TurnResult, error) {
	prompt, err := c.prompts.renderGeneral(question)
	if err != nil {
		return nil, err
	}
	reply, err := c.llm.Generate(ctx, prompt, llm.GenerationParams{
		Temperature: llm.Float32(tempRespond),
	})
	if err != nil {
		return nil, fmt.Errorf("general response: %w", err)
	}
	return &TurnResult{
		Question:  question,
		Intent:    IntentGeneral,
		Phase:     PhaseSuccess,
		Mode:      ModeNormal,
		Answer:    strings.TrimSpace(reply),
		ElapsedMs: time.Since(start).Milliseconds(),
	}, nil
}

// runMachine drives the turn until a terminal phase.
//
// Classified failures stay inside the turn. The returned error is
// reserved for problems a different candidate query cannot fix.
func (c *Controller) runMachine(ctx context.Context, turn *Turn, desc *schema.Descriptor) error {
	for !turn.Phase.IsTerminal() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		switch turn.Phase {
		case PhaseGenerate:
			err = c.generate(ctx, turn, desc)
		case PhaseValidate:
			err = c.validate(turn, desc)
		case PhaseExecute:
			err = c.execute(ctx, turn, desc)
		case PhaseRetry:
			err = c.retry(turn)
		case PhaseFallbackEntry:
			err = c.enterFallback(turn)
		default:
			err = fmt.Errorf("unhandled phase %s", turn.Phase)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// transition advances the turn, logs the step, and notifies the turn's
// event handler when one is attached.
func (c *Controller) transition(turn *Turn, to Phase) error {
	from := turn.Phase
	if err := c.machine.Transition(turn, to); err != nil {
		return err
	}
	c.log.Debug("phase transition",
		"from", from.String(),
		"to", to.String(),
		"mode", turn.Mode.String(),
		"attempt", turn.AttemptCount,
		"reason", c.machine.TransitionReason(from, to),
	)
	if turn.events != nil {
		turn.events(c.machine.TransitionEvent(from, to))
	}
	return nil
}

// generate invokes the synthesizer for a fresh candidate query.
//
// The attempt counters increment here, so one synthesizer call is one
// attempt. The previous failure's hint, when present, is appended to
// the prompt and consumed.
func (c *Controller) generate(ctx context.Context, turn *Turn, desc *schema.Descriptor) error {
	turn.AttemptCount++
	turn.SynthCalls++

	prompt, err := c.prompts.renderSQL(turn, desc.Prompt())
	if err != nil {
		return err
	}
	if turn.LastHint != "" {
		prompt += "\n\n" + turn.LastHint
		turn.LastHint = ""
	}

	c.log.Debug("synthesizing query",
		"mode", turn.Mode.String(),
		"attempt", turn.AttemptCount,
		"synth_calls", turn.SynthCalls,
	)
	reply, err := c.llm.Generate(ctx, prompt, llm.GenerationParams{
		Temperature: llm.Float32(tempSynth),
	})
	if err != nil {
		return fmt.Errorf("synthesize query: %w", err)
	}
	turn.CurrentSQL = ExtractSQL(reply)
	turn.Rationale = ExtractReasoning(reply)
	return c.transition(turn, PhaseValidate)
}

// validate runs the static safety checks on the candidate.
func (c *Controller) validate(turn *Turn, desc *schema.Descriptor) error {
	verdict := sqlguard.Validate(turn.CurrentSQL, desc)
	if verdict.OK {
		return c.transition(turn, PhaseExecute)
	}
	fb := c.hints.ForError(verdict.Message, desc.TableNames())
	turn.recordFailure(fb, verdict.Message)
	c.log.Info("candidate rejected by validator",
		"category", string(fb.Category),
		"error", verdict.Message,
	)
	return c.transition(turn, PhaseRetry)
}

// execute runs the validated candidate and masks the rows.
//
// A classified rejection from the data store feeds the retry loop. Any
// other error is infrastructure and aborts the turn.
func (c *Controller) execute(ctx context.Context, turn *Turn, desc *schema.Descriptor) error {
	rs, err := c.runner.Query(ctx, turn.CurrentSQL)
	if err != nil {
		var execErr *dbexec.ExecError
		if !errors.As(err, &execErr) {
			return err
		}
		errText := execErr.Error()
		fb := c.hints.ForError(errText, desc.TableNames())
		turn.recordFailure(fb, errText)
		c.log.Info("query rejected by data store",
			"category", string(fb.Category),
			"error", errText,
		)
		return c.transition(turn, PhaseRetry)
	}
	turn.Masked = mask.Apply(rs, desc)
	return c.transition(turn, PhaseSuccess)
}

// retry picks the next phase after a failure: another attempt in the
// current mode, the one-shot fallback escalation, or terminal failure.
func (c *Controller) retry(turn *Turn) error {
	switch {
	case turn.AttemptCount < c.cfg.MaxAttemptsPerMode && turn.SynthCalls < c.cfg.MaxSynthCalls:
		return c.transition(turn, PhaseGenerate)
	case turn.Mode == ModeNormal && !turn.FallbackUsed && turn.Intent == IntentSQL &&
		turn.SynthCalls < c.cfg.MaxSynthCalls:
		return c.transition(turn, PhaseFallbackEntry)
	default:
		return c.transition(turn, PhaseFailure)
	}
}

// enterFallback arms the simplified strategy with a fresh budget.
//
// The stored failure and candidate are cleared: the fallback synthesis
// starts clean instead of correcting the exhausted strategy's query.
// FallbackUsed latches, so this phase is reachable once per turn.
func (c *Controller) enterFallback(turn *Turn) error {
	turn.Mode = ModeFallback
	turn.FallbackUsed = true
	turn.AttemptCount = 0
	turn.CurrentSQL = ""
	turn.Rationale = ""
	turn.LastHint = ""
	turn.LastError = ""
	c.log.Warn("normal-mode attempts exhausted, entering fallback",
		"synth_calls", turn.SynthCalls,
	)
	return c.transition(turn, PhaseGenerate)
}

// finish builds the TurnResult for a terminal turn, invoking the
// responder on success.
func (c *Controller) finish(ctx context.Context, turn *Turn, start time.Time) *TurnResult {
	result := &TurnResult{
		Question:      turn.Question,
		Intent:        turn.Intent,
		Phase:         turn.Phase,
		Mode:          turn.Mode,
		NeedsAnalysis: turn.NeedsAnalysis,
		SQL:           turn.CurrentSQL,
		Rationale:     turn.Rationale,
		Attempts:      turn.Attempts,
		SynthCalls:    turn.SynthCalls,
		FallbackUsed:  turn.FallbackUsed,
	}
	if turn.Phase == PhaseFailure {
		result.ErrorMessage = failureMessage(turn)
		c.log.Warn("turn failed",
			"synth_calls", turn.SynthCalls,
			"fallback_used", turn.FallbackUsed,
			"error", turn.LastError,
		)
		result.ElapsedMs = time.Since(start).Milliseconds()
		return result
	}
	result.Rows = turn.Masked
	result.Answer, result.Insight = c.respond(ctx, turn)
	c.log.Info("turn succeeded",
		"mode", turn.Mode.String(),
		"rows", len(turn.Masked.Rows),
		"synth_calls", turn.SynthCalls,
		"fallback_used", turn.FallbackUsed,
	)
	result.ElapsedMs = time.Since(start).Milliseconds()
	return result
}

// respond turns the masked rows into a natural-language answer.
//
// An empty result set gets a canned message without a responder call.
// A responder outage leaves the answer empty; the masked rows still
// return to the caller.
func (c *Controller) respond(ctx context.Context, turn *Turn) (answer, insight string) {
	if len(turn.Masked.Rows) == 0 {
		return noDataMessage, ""
	}
	delegated := turn.NeedsAnalysis || turn.Mode == ModeFallback
	data := rowsJSON(turn.Masked)
	if delegated {
		data = summaryJSON(turn.Masked)
	}
	prompt, err := c.prompts.renderRespond(turn.Question, data, delegated)
	if err != nil {
		c.log.Warn("responder prompt render failed", "error", err)
		return "", ""
	}
	reply, err := c.llm.Generate(ctx, prompt, llm.GenerationParams{
		Temperature: llm.Float32(tempRespond),
	})
	if err != nil {
		c.log.Warn("responder call failed, returning rows without prose", "error", err)
		return "", ""
	}
	return ExtractAnswer(reply)
}
