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
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianQuery/pkg/logging"
	"github.com/AleutianAI/AleutianQuery/pkg/ux"
	"github.com/AleutianAI/AleutianQuery/services/gateway/handlers"
	"github.com/AleutianAI/AleutianQuery/services/history"
	"github.com/AleutianAI/AleutianQuery/services/pipeline"
)

func runHistory(cmd *cobra.Command, args []string) {
	if err := showHistory(); err != nil {
		ux.Error(fmt.Sprintf("History lookup failed: %v", err))
		os.Exit(1)
	}
}

func showHistory() error {
	ctx := context.Background()

	logger := logging.New(logging.Config{Level: logging.LevelInfo, Service: "cadet", Quiet: true})
	defer logger.Close()

	// BadgerDB is single-writer: this fails while a server holds the
	// same directory.
	store, err := history.NewStore(history.DefaultConfig(historyDBPath()), logger)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer store.Close()

	if historyThread != "" {
		return showThreadTurns(ctx, store, historyThread, historyLimit)
	}
	return showThreads(ctx, store, historyLimit)
}

func showThreads(ctx context.Context, store *history.Store, limit int) error {
	threads, err := store.ListThreads(ctx, limit)
	if err != nil {
		return err
	}
	if len(threads) == 0 {
		ux.Muted("No threads yet. Start one with `cadet repl`.")
		return nil
	}

	rows := make([][]string, 0, len(threads))
	for _, t := range threads {
		rows = append(rows, []string{
			t.ID,
			fmt.Sprintf("%d", t.TurnCount),
			t.Status,
			t.Metadata["source"],
			t.UpdatedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	ux.ResultTable([]string{"thread", "turns", "status", "source", "updated"}, rows, 0)
	ux.Muted("cadet history --thread <id> shows the turns.")
	return nil
}

func showThreadTurns(ctx context.Context, store *history.Store, threadID string, limit int) error {
	records, err := store.Turns(ctx, threadID, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		ux.Muted("No turns recorded for this thread.")
		return nil
	}

	// Turns returns newest first; replay oldest first for reading order.
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		icon := ux.IconSuccess
		if rec.Result.Phase == pipeline.PhaseFailure {
			icon = ux.IconError
		}
		ux.PhaseStatus(fmt.Sprintf("turn %d", rec.Seq), icon, rec.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		ux.Muted("  Q: " + rec.Result.Question)
		if rec.Result.SQL != "" {
			ux.Muted("  SQL: " + oneLine(rec.Result.SQL, 120))
		}
		if rec.Result.Answer != "" {
			ux.Info("  A: " + rec.Result.Answer)
		}
		if rec.Result.ErrorMessage != "" {
			ux.Info("  error: " + rec.Result.ErrorMessage)
		}
	}
	return nil
}

// oneLine collapses whitespace runs so a multi-line query reads as a
// single history row, truncated to max runes.
func oneLine(s string, max int) string {
	collapsed := strings.Join(strings.Fields(s), " ")
	runes := []rune(collapsed)
	if len(runes) <= max {
		return collapsed
	}
	return string(runes[:max-1]) + "…"
}

func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("cadet %s\n", handlers.ServiceVersion)
}
