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
	"github.com/AleutianAI/AleutianQuery/pkg/ux"
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	personalityLevel string // UX personality level (full/standard/minimal/machine)
	replMaxRows      int
	historyThread    string
	historyLimit     int
	schemaOutPath    string
	schemaKeysPath   string
	schemaFilePath   string

	rootCmd = &cobra.Command{
		Use:   "cadet",
		Short: "Ask your Postgres database questions in plain language",
		Long: `Cadet turns natural-language questions into validated SQL, runs
				them against your database, and answers in plain language. It
				retries and corrects itself when a generated query fails.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Initialize UX personality from flag or environment
			if personalityLevel != "" {
				ux.SetPersonalityLevel(ux.ParsePersonalityLevel(personalityLevel))
			} else {
				ux.InitPersonality()
			}
		},
	}

	// --- REPL / Serve ---
	replCmd = &cobra.Command{
		Use:   "repl",
		Short: "Start an interactive question loop against the configured database",
		Run:   runRepl, // Defined in cmd_repl.go
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the query gateway HTTP server",
		Run:   runServe, // Defined in cmd_serve.go
	}

	// --- Schema Descriptor ---
	schemaCmd = &cobra.Command{
		Use:   "schema",
		Short: "Manage the schema descriptor the query synthesizer reads",
	}
	schemaGenerateCmd = &cobra.Command{
		Use:   "generate",
		Short: "Introspect the database catalog and write the schema descriptor",
		Run:   runSchemaGenerate, // Defined in cmd_schema.go
	}
	schemaDiscoverPIICmd = &cobra.Command{
		Use:   "discover-pii",
		Short: "Classify personal-data columns and record them in the descriptor",
		Run:   runSchemaDiscoverPII, // Defined in cmd_schema.go
	}

	// --- History ---
	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "List stored conversation threads and their turns",
		Run:   runHistory, // Defined in cmd_history.go
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the cadet version",
		Run:   runVersion, // Defined in cmd_history.go
	}
)

// init runs when the Go program starts
func init() {
	// Global UX personality flag
	rootCmd.PersistentFlags().StringVar(&personalityLevel, "personality", "",
		"Output style: full (default, rich nautical), standard, minimal, or machine (scripting)")

	rootCmd.AddCommand(replCmd)
	replCmd.Flags().IntVar(&replMaxRows, "max-rows", 20, "Rows to display per result table (0 = all)")

	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(schemaCmd)
	schemaCmd.AddCommand(schemaGenerateCmd)
	schemaGenerateCmd.Flags().StringVar(&schemaOutPath, "out", "",
		"Output path for the descriptor JSON (default: $SCHEMA_INFO_PATH or schema_info.json)")
	schemaGenerateCmd.Flags().StringVar(&schemaKeysPath, "keys", "",
		"YAML file of per-table primary/foreign keys to merge into the introspected catalog")
	schemaCmd.AddCommand(schemaDiscoverPIICmd)
	schemaDiscoverPIICmd.Flags().StringVar(&schemaFilePath, "schema", "",
		"Descriptor JSON to classify and rewrite (default: $SCHEMA_INFO_PATH or schema_info.json)")

	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVar(&historyThread, "thread", "", "Show the turns of one thread instead of the thread list")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum threads or turns to list")

	rootCmd.AddCommand(versionCmd)
}
