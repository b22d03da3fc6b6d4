// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/AleutianAI/AleutianQuery/pkg/logging"
	"golang.org/x/sync/singleflight"
)

// Provider hands out the current schema snapshot.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use. Descriptor returns a
//	shared immutable snapshot; callers that need a consistent view across
//	several reads capture it once and keep using that value.
type Provider interface {
	// Descriptor returns the current snapshot. The returned value is shared
	// and must be treated as read-only.
	Descriptor() (*Descriptor, error)

	// Reload rebuilds the snapshot and swaps it in. Concurrent calls are
	// coalesced into one rebuild. In-flight readers keep the snapshot they
	// already hold; a failed reload leaves the previous snapshot serving.
	Reload(ctx context.Context) error
}

// FileProvider serves the schema_info.json artifact written by
// `cadet schema generate`.
//
// The file is read eagerly at construction so a missing or broken artifact
// fails service startup instead of the first user turn.
type FileProvider struct {
	path   string
	log    *logging.Logger
	mu     sync.RWMutex
	desc   *Descriptor
	flight singleflight.Group
}

var _ Provider = (*FileProvider)(nil)

// NewFileProvider loads path and returns a provider serving its contents.
//
// Inputs:
//
//	path - Location of schema_info.json. Must exist and parse.
//	log - Logger for reload events. Must not be nil.
//
// Outputs:
//
//	*FileProvider - Ready provider with a validated descriptor.
//	error - If the file is missing, malformed, or describes no tables.
func NewFileProvider(path string, log *logging.Logger) (*FileProvider, error) {
	p := &FileProvider{path: path, log: log}
	desc, err := p.load()
	if err != nil {
		return nil, err
	}
	p.desc = desc
	log.Info("schema descriptor loaded",
		"path", path,
		"tables", len(desc.Tables),
		"pii_tables", len(desc.PIIColumns))
	return p, nil
}

// Descriptor returns the current snapshot.
func (p *FileProvider) Descriptor() (*Descriptor, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.desc == nil {
		return nil, ErrSchemaNotLoaded
	}
	return p.desc, nil
}

// Reload re-reads the schema artifact from disk.
//
// Used by the gateway's explicit reload endpoint after the artifact has
// been regenerated out of band. Concurrent calls share one disk read via
// singleflight. On failure the previous snapshot keeps serving and the
// error is returned to the caller that requested the reload.
func (p *FileProvider) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err, _ := p.flight.Do("reload", func() (any, error) {
		desc, err := p.load()
		if err != nil {
			p.log.Error("schema reload failed, keeping previous snapshot", "error", err)
			return nil, err
		}

		p.mu.Lock()
		p.desc = desc
		p.mu.Unlock()

		p.log.Info("schema descriptor reloaded",
			"path", p.path,
			"tables", len(desc.Tables))
		return nil, nil
	})
	return err
}

// load reads and validates the artifact without touching provider state.
func (p *FileProvider) load() (*Descriptor, error) {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s not found, run: cadet schema generate: %w", p.path, err)
		}
		return nil, fmt.Errorf("read schema artifact: %w", err)
	}

	var desc Descriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return nil, fmt.Errorf("invalid JSON in schema artifact %s: %w", p.path, err)
	}
	if err := desc.EnsureValid(); err != nil {
		return nil, fmt.Errorf("schema artifact %s: %w", p.path, err)
	}
	return &desc, nil
}
