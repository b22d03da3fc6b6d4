// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianQuery/pkg/logging"
	"github.com/AleutianAI/AleutianQuery/pkg/ux"
	"github.com/AleutianAI/AleutianQuery/services/history"
	"github.com/AleutianAI/AleutianQuery/services/pipeline"
)

// turnRunner is the slice of the pipeline controller the REPL needs.
// Tests substitute a fake; production passes *pipeline.Controller.
type turnRunner interface {
	RunWithEvents(ctx context.Context, question string, handler func(pipeline.PhaseEvent)) (*pipeline.TurnResult, error)
}

func runRepl(cmd *cobra.Command, args []string) {
	if err := startRepl(); err != nil && !errors.Is(err, context.Canceled) {
		ux.Error(fmt.Sprintf("REPL failed: %v", err))
		os.Exit(1)
	}
}

// startRepl builds the local pipeline and hands off to the loop.
// Separated from the cobra handler so deferred cleanup runs on every
// exit path.
func startRepl() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	deps, err := buildDeps(ctx, logging.Config{
		Level:   logging.LevelInfo,
		Service: "cadet",
		Quiet:   true,
	})
	if err != nil {
		return err
	}
	defer deps.Close()

	// Every REPL session is one thread, so `cadet history` can replay it.
	thread := history.NewThread(map[string]string{"source": "repl"})
	threadID := thread.ID
	if err := deps.Store.PutThread(ctx, thread); err != nil {
		deps.Log.Warn("History thread not created, turns will not be saved", "error", err)
		threadID = ""
	}

	reader := NewInteractiveInputReader(50)
	return replLoop(ctx, reader, deps.Controller, deps.Store, threadID, replMaxRows)
}

// replLoop drives the question loop until quit, EOF, or cancellation.
func replLoop(ctx context.Context, reader InputReader, runner turnRunner, store *history.Store, threadID string, maxRows int) error {
	ux.Title("Aleutian Cadet")
	ux.Muted("Ask about your data in plain language. q quits.")

	prompt := "> "
	prompting, ok := reader.(PromptingInputReader)
	if ok {
		prompting.SetPrompt(prompt)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !ok {
			// Prompt on stderr so piped stdout stays parseable.
			fmt.Fprint(os.Stderr, prompt)
		}
		line, err := reader.ReadLine()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}
		if isQuitCommand(line) {
			ux.Muted("Fair winds.")
			return nil
		}

		runReplTurn(ctx, runner, store, threadID, line, maxRows)
	}
}

// runReplTurn executes one pipeline turn with a phase-tracking spinner
// and renders the outcome. Turn failures are printed, not returned:
// the next question gets a fresh chance.
func runReplTurn(ctx context.Context, runner turnRunner, store *history.Store, threadID, question string, maxRows int) {
	spinner := ux.NewSpinner("Charting a course").WithType(ux.SpinnerCompass)
	spinner.Start()

	result, err := runner.RunWithEvents(ctx, question, func(ev pipeline.PhaseEvent) {
		if msg := phaseMessage(ev.Phase); msg != "" {
			spinner.UpdateMessage(msg)
		}
	})
	if err != nil {
		spinner.StopWithError("Turn aborted")
		ux.Error(err.Error())
		return
	}

	if result.Phase == pipeline.PhaseSuccess {
		spinner.StopWithSuccess("Answer ready")
	} else {
		spinner.StopWithWarning("No answer this time")
	}

	renderTurn(result, maxRows)

	if store != nil && threadID != "" {
		if _, err := store.AppendTurn(ctx, threadID, result); err != nil {
			ux.Muted(fmt.Sprintf("history not saved: %v", err))
		}
	}
}

// renderTurn prints one finished turn through the personality-gated
// helpers: the query that ran, the result rows, the answer, and the
// effort summary.
func renderTurn(result *pipeline.TurnResult, maxRows int) {
	if result.SQL != "" {
		ux.SQLBlock(result.SQL)
	}
	if result.Rows != nil && len(result.Rows.Columns) > 0 {
		ux.ResultTable(result.Rows.Columns, stringifyRows(result.Rows.Rows), maxRows)
	}
	if result.Phase == pipeline.PhaseFailure {
		message := result.ErrorMessage
		if message == "" {
			message = "the question could not be answered"
		}
		ux.Error(message)
	}
	if result.Answer != "" {
		ux.AnswerBox(result.Answer)
	}
	if result.Insight != "" {
		ux.Muted(result.Insight)
	}

	rows := 0
	if result.Rows != nil {
		rows = len(result.Rows.Rows)
	}
	// Attempts lists only failed candidates; the one that succeeded
	// counts too.
	candidates := len(result.Attempts)
	if result.Phase == pipeline.PhaseSuccess {
		candidates++
	}
	ux.TurnSummary(candidates, result.SynthCalls, rows)
}

// phaseMessage maps a phase transition to a spinner caption. Terminal
// phases return empty: the spinner is about to stop anyway.
func phaseMessage(phase pipeline.Phase) string {
	switch phase {
	case pipeline.PhaseGenerate:
		return "Drafting a query"
	case pipeline.PhaseValidate:
		return "Checking the query"
	case pipeline.PhaseExecute:
		return "Running it against the database"
	case pipeline.PhaseRetry:
		return "Reading the error"
	case pipeline.PhaseFallbackEntry:
		return "Trying a simpler course"
	default:
		return ""
	}
}

// stringifyRows renders driver values for display. NULL prints as an
// empty cell.
func stringifyRows(rows [][]any) [][]string {
	out := make([][]string, len(rows))
	for i, row := range rows {
		cells := make([]string, len(row))
		for j, value := range row {
			if value == nil {
				continue
			}
			cells[j] = fmt.Sprintf("%v", value)
		}
		out[i] = cells
	}
	return out
}
