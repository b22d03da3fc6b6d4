// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dbexec

import (
	"testing"
	"time"
)

func TestConfigFromEnv(t *testing.T) {
	t.Run("reads variables", func(t *testing.T) {
		t.Setenv("DB_USER", "cadet")
		t.Setenv("DB_PASSWORD", "s3cret")
		t.Setenv("DB_HOST", "db.internal")
		t.Setenv("DB_PORT", "6432")
		t.Setenv("DB_NAME", "aleutian")
		t.Setenv("DB_SSLMODE", "require")

		cfg := ConfigFromEnv()
		if cfg.User != "cadet" || cfg.Password != "s3cret" {
			t.Errorf("credentials = %q/%q", cfg.User, cfg.Password)
		}
		if cfg.Host != "db.internal" || cfg.Port != "6432" || cfg.Database != "aleutian" {
			t.Errorf("target = %s:%s/%s", cfg.Host, cfg.Port, cfg.Database)
		}
		if cfg.SSLMode != "require" {
			t.Errorf("sslmode = %q", cfg.SSLMode)
		}
	})

	t.Run("defaults", func(t *testing.T) {
		for _, key := range []string{"DB_USER", "DB_PASSWORD", "DB_HOST", "DB_PORT", "DB_NAME", "DB_SSLMODE"} {
			t.Setenv(key, "")
		}

		cfg := ConfigFromEnv()
		if cfg.Host != "localhost" || cfg.Port != "5432" {
			t.Errorf("default target = %s:%s, want localhost:5432", cfg.Host, cfg.Port)
		}
		if cfg.SSLMode != "disable" {
			t.Errorf("default sslmode = %q, want disable", cfg.SSLMode)
		}
		if cfg.MinConns != 5 || cfg.MaxConns != 15 {
			t.Errorf("pool bounds = %d/%d, want 5/15", cfg.MinConns, cfg.MaxConns)
		}
		if cfg.AcquireTimeout != 30*time.Second {
			t.Errorf("acquire timeout = %s, want 30s", cfg.AcquireTimeout)
		}
	})
}

func TestConfigDSN(t *testing.T) {
	cfg := Config{
		User:     "cadet",
		Password: "s3cret",
		Host:     "db",
		Port:     "5432",
		Database: "aleutian",
		SSLMode:  "disable",
	}
	want := "postgres://cadet:s3cret@db:5432/aleutian?sslmode=disable"
	if got := cfg.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}

	// Credential characters that would break a naive format string.
	cfg.Password = "p@ss/word"
	want = "postgres://cadet:p%40ss%2Fword@db:5432/aleutian?sslmode=disable"
	if got := cfg.DSN(); got != want {
		t.Errorf("DSN() with escaped password = %q, want %q", got, want)
	}
}
