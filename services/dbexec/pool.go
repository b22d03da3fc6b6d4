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
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AleutianAI/AleutianQuery/pkg/logging"
)

// Config holds the data store connection settings.
type Config struct {
	User     string
	Password string
	Host     string
	Port     string
	Database string
	SSLMode  string

	// MinConns connections stay open, MaxConns bounds the pool.
	MinConns int32
	MaxConns int32

	// AcquireTimeout bounds how long a query waits for a free
	// connection when the pool is exhausted. Zero waits as long as
	// the request context allows.
	AcquireTimeout time.Duration
}

// ConfigFromEnv reads the DB_* variables. The password falls back to
// the Podman secret file when the variable is unset.
func ConfigFromEnv() Config {
	cfg := Config{
		User:           os.Getenv("DB_USER"),
		Password:       os.Getenv("DB_PASSWORD"),
		Host:           os.Getenv("DB_HOST"),
		Port:           os.Getenv("DB_PORT"),
		Database:       os.Getenv("DB_NAME"),
		SSLMode:        os.Getenv("DB_SSLMODE"),
		MinConns:       5,
		MaxConns:       15,
		AcquireTimeout: 30 * time.Second,
	}

	if cfg.Password == "" {
		secretPath := "/run/secrets/db_password"
		if content, err := os.ReadFile(secretPath); err == nil {
			cfg.Password = strings.TrimSpace(string(content))
		}
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == "" {
		cfg.Port = "5432"
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	return cfg
}

// DSN renders the pool connection string. Credentials are escaped so
// special characters never break the URL.
func (c Config) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + c.Port,
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + c.SSLMode,
	}
	return u.String()
}

// NewPool opens the connection pool and verifies it with a ping, so a
// bad configuration fails at startup instead of on the first turn.
func NewPool(ctx context.Context, cfg Config, log *logging.Logger) (*pgxpool.Pool, error) {
	if cfg.User == "" {
		return nil, fmt.Errorf("DB_USER is not set")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("DB_NAME is not set")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse data store config: %w", err)
	}
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create data store pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping data store: %w", err)
	}

	log.Info("data store pool ready",
		"host", cfg.Host,
		"port", cfg.Port,
		"database", cfg.Database,
		"min_conns", cfg.MinConns,
		"max_conns", cfg.MaxConns)
	return pool, nil
}
