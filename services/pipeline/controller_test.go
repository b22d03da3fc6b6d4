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
	"strings"
	"sync"
	"testing"

	"github.com/AleutianAI/AleutianQuery/services/dbexec"
	"github.com/AleutianAI/AleutianQuery/services/feedback"
	"github.com/AleutianAI/AleutianQuery/services/llm"
	"github.com/AleutianAI/AleutianQuery/services/schema"
)

// scriptedLLM replays canned replies in order and records every prompt.
type scriptedLLM struct {
	mu      sync.Mutex
	replies []llmReply
	prompts []string
}

type llmReply struct {
	text string
	err  error
}

func (s *scriptedLLM) Generate(_ context.Context, prompt string, _ llm.GenerationParams) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	if len(s.replies) == 0 {
		return "", errors.New("scripted llm: no replies left")
	}
	next := s.replies[0]
	s.replies = s.replies[1:]
	return next.text, next.err
}

// scriptedRunner replays canned results and records every query.
type scriptedRunner struct {
	mu      sync.Mutex
	results []runnerResult
	queries []string
}

type runnerResult struct {
	rs  *dbexec.ResultSet
	err error
}

func (r *scriptedRunner) Query(_ context.Context, query string) (*dbexec.ResultSet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, query)
	if len(r.results) == 0 {
		return nil, errors.New("scripted runner: no results left")
	}
	next := r.results[0]
	r.results = r.results[1:]
	return next.rs, next.err
}

// cancelingRunner cancels the turn's context from inside the execute
// phase and reports a retryable failure.
type cancelingRunner struct {
	cancel context.CancelFunc
}

func (r *cancelingRunner) Query(context.Context, string) (*dbexec.ResultSet, error) {
	r.cancel()
	return nil, &dbexec.ExecError{
		Category: feedback.CategoryGenericSyntax,
		Code:     "42601",
		Message:  "syntax error at or near FROM",
	}
}

type staticProvider struct {
	desc *schema.Descriptor
}

func (p *staticProvider) Descriptor() (*schema.Descriptor, error) { return p.desc, nil }
func (p *staticProvider) Reload(context.Context) error            { return nil }

type brokenProvider struct{}

func (brokenProvider) Descriptor() (*schema.Descriptor, error) {
	return nil, errors.New("schema artifact missing")
}
func (brokenProvider) Reload(context.Context) error { return nil }

func pipelineDescriptor() *schema.Descriptor {
	return &schema.Descriptor{
		Tables: map[string]schema.Table{
			"customers": {
				PrimaryKey: "id",
				Columns: []schema.Column{
					{Name: "id", Type: "bigint"},
					{Name: "customerName", Type: "text"},
					{Name: "country", Type: "text"},
				},
			},
			"transactions": {
				PrimaryKey: "recordID",
				ForeignKeys: []schema.ForeignKey{
					{Column: "customerID", RefTable: "customers", RefColumn: "id"},
				},
				Columns: []schema.Column{
					{Name: "recordID", Type: "bigint"},
					{Name: "customerID", Type: "bigint"},
					{Name: "totalAmount", Type: "numeric"},
					{Name: "dateTime", Type: "text"},
				},
			},
		},
		PIIColumns: map[string][]string{
			"customers": {"customerName"},
		},
	}
}

func newTestController(t *testing.T, client llm.LLMClient, runner QueryRunner, cfg Config) *Controller {
	t.Helper()
	c, err := New(client, &staticProvider{desc: pipelineDescriptor()}, runner, nil, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew_Validation(t *testing.T) {
	client := &scriptedLLM{}
	provider := &staticProvider{desc: pipelineDescriptor()}
	runner := &scriptedRunner{}

	if _, err := New(nil, provider, runner, nil, Config{}); err == nil {
		t.Error("expected error for nil client")
	}
	if _, err := New(client, nil, runner, nil, Config{}); err == nil {
		t.Error("expected error for nil provider")
	}
	if _, err := New(client, provider, nil, nil, Config{}); err == nil {
		t.Error("expected error for nil runner")
	}
	if _, err := New(client, provider, runner, nil, Config{}); err != nil {
		t.Errorf("expected construction to succeed, got %v", err)
	}
}

func TestController_Run_HappyPath(t *testing.T) {
	client := &scriptedLLM{replies: []llmReply{
		{text: "sql"},
		{text: "<reasoning>plain select on customers</reasoning>\n" +
			"<sql>SELECT \"customerName\", \"country\" FROM customers</sql>"},
		{text: "<answer>Person #1 and Person #2 lead.</answer>\n<insight>France dominates.</insight>"},
	}}
	runner := &scriptedRunner{results: []runnerResult{
		{rs: &dbexec.ResultSet{
			Columns: []string{"customerName", "country"},
			Rows: [][]any{
				{"Alice", "FR"},
				{"Bob", "DE"},
				{"Alice", "FR"},
			},
		}},
	}}
	c := newTestController(t, client, runner, Config{})

	result, err := c.Run(context.Background(), "who are my customers?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Phase != PhaseSuccess {
		t.Errorf("phase = %s, want SUCCESS", result.Phase)
	}
	if result.Intent != IntentSQL {
		t.Errorf("intent = %s, want sql", result.Intent)
	}
	if result.Mode != ModeNormal {
		t.Errorf("mode = %s, want NORMAL", result.Mode)
	}
	if result.SynthCalls != 1 {
		t.Errorf("synth_calls = %d, want 1", result.SynthCalls)
	}
	if result.FallbackUsed {
		t.Error("fallback_used should be false")
	}
	if result.SQL != `SELECT "customerName", "country" FROM customers` {
		t.Errorf("sql = %q", result.SQL)
	}
	if result.Rationale != "plain select on customers" {
		t.Errorf("rationale = %q", result.Rationale)
	}
	if result.Answer != "Person #1 and Person #2 lead." {
		t.Errorf("answer = %q", result.Answer)
	}
	if result.Insight != "France dominates." {
		t.Errorf("insight = %q", result.Insight)
	}
	if len(result.Attempts) != 0 {
		t.Errorf("expected no failed attempts, got %d", len(result.Attempts))
	}

	// Flagged column masked with per-value labels, repeats share a label.
	rows := result.Rows.Rows
	if rows[0][0] != "Person #1" || rows[1][0] != "Person #2" || rows[2][0] != "Person #1" {
		t.Errorf("masking wrong: %v", rows)
	}
	if rows[0][1] != "FR" {
		t.Errorf("non-flagged column changed: %v", rows[0][1])
	}

	// One prompt per collaborator: classifier, synthesizer, responder.
	if len(client.prompts) != 3 {
		t.Fatalf("expected 3 llm calls, got %d", len(client.prompts))
	}
	if !strings.Contains(client.prompts[0], "intent classifier") {
		t.Error("first call should be intent classification")
	}
	if !strings.Contains(client.prompts[1], "<database_schema>") ||
		!strings.Contains(client.prompts[1], `"customers"`) {
		t.Error("synthesis prompt should embed the schema")
	}
	if !strings.Contains(client.prompts[2], "data analyst") {
		t.Error("third call should be response generation")
	}
	if len(runner.queries) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(runner.queries))
	}
}

func TestController_Run_GeneralQuestion(t *testing.T) {
	client := &scriptedLLM{replies: []llmReply{
		{text: "general"},
		{text: "Hello! Ask me anything about the connected database."},
	}}
	runner := &scriptedRunner{}
	c := newTestController(t, client, runner, Config{})

	result, err := c.Run(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Intent != IntentGeneral {
		t.Errorf("intent = %s, want general", result.Intent)
	}
	if result.Phase != PhaseSuccess {
		t.Errorf("phase = %s, want SUCCESS", result.Phase)
	}
	if result.Answer == "" {
		t.Error("expected an answer")
	}
	if result.SynthCalls != 0 {
		t.Errorf("synth_calls = %d, want 0", result.SynthCalls)
	}
	if len(runner.queries) != 0 {
		t.Error("general questions must not touch the data store")
	}
}

func TestController_Run_UnrecognizedIntentDefaultsToGeneral(t *testing.T) {
	client := &scriptedLLM{replies: []llmReply{
		{text: "I think this needs a database query."},
		{text: "I can only answer questions based on the database."},
	}}
	runner := &scriptedRunner{}
	c := newTestController(t, client, runner, Config{})

	result, err := c.Run(context.Background(), "show me everything")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Intent != IntentGeneral {
		t.Errorf("intent = %s, want general", result.Intent)
	}
	if len(runner.queries) != 0 {
		t.Error("a failed classification must not start the SQL machine")
	}
}

func TestController_Run_IntentOutageFallsBackToGeneral(t *testing.T) {
	client := &scriptedLLM{replies: []llmReply{
		{err: errors.New("upstream timeout")},
		{text: "Hello!"},
	}}
	c := newTestController(t, client, &scriptedRunner{}, Config{})

	result, err := c.Run(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Intent != IntentGeneral {
		t.Errorf("intent = %s, want general", result.Intent)
	}
}

func TestController_Run_StaticFailureThenCorrected(t *testing.T) {
	client := &scriptedLLM{replies: []llmReply{
		{text: "sql"},
		{text: `<sql>SELECT * FROM custmers</sql>`},
		{text: `<sql>SELECT "id" FROM customers</sql>`},
		{text: "<answer>There are 2 customers.</answer>"},
	}}
	runner := &scriptedRunner{results: []runnerResult{
		{rs: &dbexec.ResultSet{Columns: []string{"id"}, Rows: [][]any{{1}, {2}}}},
	}}
	c := newTestController(t, client, runner, Config{})

	result, err := c.Run(context.Background(), "how many customers?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Phase != PhaseSuccess {
		t.Fatalf("phase = %s, want SUCCESS", result.Phase)
	}
	if result.SynthCalls != 2 {
		t.Errorf("synth_calls = %d, want 2", result.SynthCalls)
	}
	if len(result.Attempts) != 1 {
		t.Fatalf("expected 1 failed attempt, got %d", len(result.Attempts))
	}
	if result.Attempts[0].Category != feedback.CategoryUnknownTable {
		t.Errorf("category = %s, want UNKNOWN_TABLE", result.Attempts[0].Category)
	}
	if !strings.Contains(result.Attempts[0].Error, "{'custmers'}") {
		t.Errorf("failure text = %q", result.Attempts[0].Error)
	}

	// The retry prompt carries the correction hint with the bad name and
	// the allowed tables.
	retryPrompt := client.prompts[2]
	if !strings.Contains(retryPrompt, "used invalid table(s)") {
		t.Error("retry prompt missing the unknown-tables hint")
	}
	if !strings.Contains(retryPrompt, "'custmers'") {
		t.Error("retry prompt missing the offending table name")
	}
	if !strings.Contains(retryPrompt, `"customers"`) {
		t.Error("retry prompt missing the allowed table names")
	}

	// Only the corrected query reached the data store.
	if len(runner.queries) != 1 || runner.queries[0] != `SELECT "id" FROM customers` {
		t.Errorf("executed queries = %v", runner.queries)
	}
}

func TestController_Run_HintReplacedNotAccumulated(t *testing.T) {
	client := &scriptedLLM{replies: []llmReply{
		{text: "sql"},
		{text: `<sql>SELECT * FROM custmers</sql>`},
		{text: `<sql>SELECT "id" FROM customers -- fixed</sql>`},
		{text: `<sql>SELECT "id" FROM customers</sql>`},
		{text: "<answer>Done.</answer>"},
	}}
	runner := &scriptedRunner{results: []runnerResult{
		{rs: &dbexec.ResultSet{Columns: []string{"id"}, Rows: [][]any{{1}}}},
	}}
	c := newTestController(t, client, runner, Config{})

	result, err := c.Run(context.Background(), "count customers")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Phase != PhaseSuccess {
		t.Fatalf("phase = %s, want SUCCESS", result.Phase)
	}

	// Third synthesis sees only the comment hint, not the stale
	// unknown-tables hint from the first failure.
	thirdPrompt := client.prompts[3]
	if !strings.Contains(thirdPrompt, "had SQL comments") {
		t.Error("expected the comment hint in the third synthesis prompt")
	}
	if strings.Contains(thirdPrompt, "used invalid table(s)") {
		t.Error("stale unknown-tables hint leaked into the third synthesis prompt")
	}
}

func TestController_Run_RuntimeFailureThenCorrected(t *testing.T) {
	client := &scriptedLLM{replies: []llmReply{
		{text: "sql"},
		{text: `<sql>SELECT "totalAmount" / "customerID" FROM transactions</sql>`},
		{text: `<sql>SELECT "totalAmount" / NULLIF("customerID", 0) FROM transactions</sql>`},
		{text: "<answer>Ratios computed.</answer>"},
	}}
	runner := &scriptedRunner{results: []runnerResult{
		{err: &dbexec.ExecError{
			Category: feedback.CategoryDivisionByZero,
			Code:     "22012",
			Message:  "division by zero",
		}},
		{rs: &dbexec.ResultSet{Columns: []string{"ratio"}, Rows: [][]any{{2.5}}}},
	}}
	c := newTestController(t, client, runner, Config{})

	result, err := c.Run(context.Background(), "amount per customer id")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Phase != PhaseSuccess {
		t.Fatalf("phase = %s, want SUCCESS", result.Phase)
	}
	if len(result.Attempts) != 1 {
		t.Fatalf("expected 1 failed attempt, got %d", len(result.Attempts))
	}
	if result.Attempts[0].Category != feedback.CategoryDivisionByZero {
		t.Errorf("category = %s, want DIVISION_BY_ZERO", result.Attempts[0].Category)
	}
	if !strings.Contains(client.prompts[2], "NULLIF") {
		t.Error("retry prompt missing the division hint")
	}
	if len(runner.queries) != 2 {
		t.Errorf("expected 2 executions, got %d", len(runner.queries))
	}
}

// The bounded-recovery scenario: three candidates in a row reference a
// nonexistent table, fallback arms on the fourth cycle with a fresh
// budget, three more failures end the turn. Six synthesizer calls total.
func TestController_Run_FallbackScenario(t *testing.T) {
	badNormal := llmReply{text: `<sql>SELECT SUM("totalAmount") FROM it</sql>`}
	badSimple := llmReply{text: `SELECT "totalAmount" FROM it`}
	client := &scriptedLLM{replies: []llmReply{
		{text: "sql"},
		badNormal, badNormal, badNormal,
		badSimple, badSimple, badSimple,
	}}
	runner := &scriptedRunner{}
	c := newTestController(t, client, runner, Config{})

	result, err := c.Run(context.Background(), "aggregate totals from it")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Phase != PhaseFailure {
		t.Fatalf("phase = %s, want FAILURE", result.Phase)
	}
	if result.SynthCalls != 6 {
		t.Errorf("synth_calls = %d, want 6", result.SynthCalls)
	}
	if !result.FallbackUsed {
		t.Error("fallback_used should be true")
	}
	if result.Mode != ModeFallback {
		t.Errorf("mode = %s, want FALLBACK", result.Mode)
	}
	if len(result.Attempts) != 6 {
		t.Fatalf("expected 6 failed attempts, got %d", len(result.Attempts))
	}
	if result.Attempts[2].Mode != ModeNormal || result.Attempts[3].Mode != ModeFallback {
		t.Errorf("attempt modes = %v / %v, want NORMAL / FALLBACK",
			result.Attempts[2].Mode, result.Attempts[3].Mode)
	}

	// Terminal message surfaces the last raw failure and says recovery
	// is exhausted.
	if !strings.Contains(result.ErrorMessage, "Unknown tables in query: {'it'}") {
		t.Errorf("error message = %q", result.ErrorMessage)
	}
	if !strings.Contains(result.ErrorMessage, "attempted and exhausted") {
		t.Errorf("error message = %q", result.ErrorMessage)
	}

	// Nothing invalid ever reached the data store.
	if len(runner.queries) != 0 {
		t.Errorf("executed queries = %v", runner.queries)
	}

	// 7 llm calls: 1 intent + 6 synthesis.
	if len(client.prompts) != 7 {
		t.Fatalf("expected 7 llm calls, got %d", len(client.prompts))
	}

	// Normal-mode retries carry the hint; the second synthesis prompt
	// must reference the alias problem.
	if !strings.Contains(client.prompts[2], "subquery with alias") {
		t.Error("second synthesis prompt missing the alias hint")
	}

	// Fallback entry clears the stored failure: the first fallback
	// prompt is the minimal-projection prompt with no hint attached.
	firstFallback := client.prompts[4]
	if !strings.Contains(firstFallback, "SIMPLE SELECT") {
		t.Error("fallback synthesis should use the minimal-projection prompt")
	}
	if strings.Contains(firstFallback, "subquery with alias") {
		t.Error("stale hint survived fallback entry")
	}

	// Later fallback retries hint again.
	if !strings.Contains(client.prompts[5], "subquery with alias") {
		t.Error("fallback retry prompt missing the hint")
	}
}

func TestController_Run_FallbackSucceeds(t *testing.T) {
	badNormal := llmReply{text: `<sql>SELECT RANK() OVER (ORDER BY "x") FROM custmers</sql>`}
	client := &scriptedLLM{replies: []llmReply{
		{text: "sql"},
		badNormal, badNormal, badNormal,
		{text: `SELECT "customerName" FROM customers`},
		{text: "<answer>The rows are ready for analysis below.</answer>"},
	}}
	runner := &scriptedRunner{results: []runnerResult{
		{rs: &dbexec.ResultSet{
			Columns: []string{"customerName"},
			Rows:    [][]any{{"Alice"}, {"Bob"}},
		}},
	}}
	c := newTestController(t, client, runner, Config{})

	result, err := c.Run(context.Background(), "rank customer totals from custmers")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Phase != PhaseSuccess {
		t.Fatalf("phase = %s, want SUCCESS", result.Phase)
	}
	if result.Mode != ModeFallback {
		t.Errorf("mode = %s, want FALLBACK", result.Mode)
	}
	if !result.FallbackUsed {
		t.Error("fallback_used should be true")
	}
	if result.SynthCalls != 4 {
		t.Errorf("synth_calls = %d, want 4", result.SynthCalls)
	}
	if len(result.Attempts) != 3 {
		t.Errorf("expected 3 failed attempts, got %d", len(result.Attempts))
	}
	if result.Rows == nil || result.Rows.Rows[0][0] != "Person #1" {
		t.Errorf("rows = %+v", result.Rows)
	}

	// Fallback results delegate analysis, so the responder sees the
	// summary form.
	responderPrompt := client.prompts[len(client.prompts)-1]
	if !strings.Contains(responderPrompt, "row_count") {
		t.Error("responder prompt should carry the summary, not raw rows")
	}
}

func TestController_Run_DelegatedAnalysisQuestion(t *testing.T) {
	client := &scriptedLLM{replies: []llmReply{
		{text: "sql"},
		{text: `SELECT "totalAmount", "customerID" FROM transactions`},
		{text: "<answer>2 columns over 3 rows; analysis is running below.</answer>"},
	}}
	runner := &scriptedRunner{results: []runnerResult{
		{rs: &dbexec.ResultSet{
			Columns: []string{"totalAmount", "customerID"},
			Rows:    [][]any{{10.0, 1}, {20.0, 2}, {30.0, 3}},
		}},
	}}
	c := newTestController(t, client, runner, Config{})

	result, err := c.Run(context.Background(), "correlation between totalAmount and customerID")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !result.NeedsAnalysis {
		t.Error("needs_analysis should be true")
	}
	if result.Mode != ModeNormal {
		t.Errorf("mode = %s, want NORMAL (analysis is not fallback)", result.Mode)
	}

	// Analysis questions use the minimal-projection prompt from the
	// first synthesis, and the responder sees the summary.
	if !strings.Contains(client.prompts[1], "SIMPLE SELECT") {
		t.Error("analysis question should use the minimal-projection prompt")
	}
	if !strings.Contains(client.prompts[2], "row_count") {
		t.Error("responder prompt should carry the summary")
	}
}

func TestController_Run_EmptyResultSkipsResponder(t *testing.T) {
	client := &scriptedLLM{replies: []llmReply{
		{text: "sql"},
		{text: `<sql>SELECT "id" FROM customers</sql>`},
	}}
	runner := &scriptedRunner{results: []runnerResult{
		{rs: &dbexec.ResultSet{Columns: []string{"id"}, Rows: [][]any{}}},
	}}
	c := newTestController(t, client, runner, Config{})

	result, err := c.Run(context.Background(), "customers from atlantis")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Answer != noDataMessage {
		t.Errorf("answer = %q, want the no-data message", result.Answer)
	}
	if len(client.prompts) != 2 {
		t.Errorf("expected 2 llm calls (no responder), got %d", len(client.prompts))
	}
}

func TestController_Run_ResponderOutageStillReturnsRows(t *testing.T) {
	client := &scriptedLLM{replies: []llmReply{
		{text: "sql"},
		{text: `<sql>SELECT "id" FROM customers</sql>`},
		{err: errors.New("upstream 503")},
	}}
	runner := &scriptedRunner{results: []runnerResult{
		{rs: &dbexec.ResultSet{Columns: []string{"id"}, Rows: [][]any{{1}}}},
	}}
	c := newTestController(t, client, runner, Config{})

	result, err := c.Run(context.Background(), "list customer ids")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Phase != PhaseSuccess {
		t.Errorf("phase = %s, want SUCCESS", result.Phase)
	}
	if result.Rows == nil || len(result.Rows.Rows) != 1 {
		t.Errorf("rows = %+v", result.Rows)
	}
	if result.Answer != "" {
		t.Errorf("answer = %q, want empty on responder outage", result.Answer)
	}
}

func TestController_Run_InfraErrorAborts(t *testing.T) {
	client := &scriptedLLM{replies: []llmReply{
		{text: "sql"},
		{text: `<sql>SELECT "id" FROM customers</sql>`},
	}}
	runner := &scriptedRunner{results: []runnerResult{
		{err: errors.New("acquire data store connection: pool exhausted")},
	}}
	c := newTestController(t, client, runner, Config{})

	result, err := c.Run(context.Background(), "list customer ids")
	if err == nil {
		t.Fatal("expected an error for infrastructure failure")
	}
	if result != nil {
		t.Errorf("expected nil result, got %+v", result)
	}
	if !strings.Contains(err.Error(), "pool exhausted") {
		t.Errorf("err = %v", err)
	}
}

func TestController_Run_SynthesizerOutageAborts(t *testing.T) {
	client := &scriptedLLM{replies: []llmReply{
		{text: "sql"},
		{err: errors.New("connection refused")},
	}}
	c := newTestController(t, client, &scriptedRunner{}, Config{})

	_, err := c.Run(context.Background(), "count customers")
	if err == nil {
		t.Fatal("expected an error for synthesizer outage")
	}
	if !strings.Contains(err.Error(), "synthesize query") {
		t.Errorf("err = %v", err)
	}
}

func TestController_Run_CancellationStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &scriptedLLM{replies: []llmReply{
		{text: "sql"},
		{text: `<sql>SELECT "id" FROM customers</sql>`},
	}}
	c := newTestController(t, client, &cancelingRunner{cancel: cancel}, Config{})

	_, err := c.Run(ctx, "list customer ids")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}

	// The failure was recorded as retryable, but the loop must not have
	// synthesized again after cancellation.
	if len(client.prompts) != 2 {
		t.Errorf("expected 2 llm calls, got %d", len(client.prompts))
	}
}

func TestController_Run_EmptyQuestion(t *testing.T) {
	c := newTestController(t, &scriptedLLM{}, &scriptedRunner{}, Config{})

	if _, err := c.Run(context.Background(), "   "); err == nil {
		t.Error("expected error for blank question")
	}
}

func TestController_Run_SchemaLoadFailureAborts(t *testing.T) {
	client := &scriptedLLM{replies: []llmReply{{text: "sql"}}}
	c, err := New(client, brokenProvider{}, &scriptedRunner{}, nil, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = c.Run(context.Background(), "count customers")
	if err == nil || !strings.Contains(err.Error(), "schema") {
		t.Errorf("err = %v, want schema load failure", err)
	}
}

func TestController_Run_ConfiguredBudgets(t *testing.T) {
	bad := llmReply{text: `<sql>SELECT * FROM nope_table</sql>`}
	client := &scriptedLLM{replies: []llmReply{
		{text: "sql"},
		bad,
		{text: `SELECT * FROM nope_table`},
	}}
	c := newTestController(t, client, &scriptedRunner{}, Config{
		MaxAttemptsPerMode: 1,
		MaxSynthCalls:      2,
	})

	result, err := c.Run(context.Background(), "totals from nope_table")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Phase != PhaseFailure {
		t.Fatalf("phase = %s, want FAILURE", result.Phase)
	}
	if result.SynthCalls != 2 {
		t.Errorf("synth_calls = %d, want 2", result.SynthCalls)
	}
	if !result.FallbackUsed {
		t.Error("single-attempt budget should still reach fallback once")
	}
}

func TestController_RunWithEvents_StreamsTransitions(t *testing.T) {
	client := &scriptedLLM{replies: []llmReply{
		{text: "sql"},
		{text: `<sql>SELECT * FROM custmers</sql>`},
		{text: `<sql>SELECT "id" FROM customers</sql>`},
		{text: "<answer>Two customers.</answer>"},
	}}
	runner := &scriptedRunner{results: []runnerResult{
		{rs: &dbexec.ResultSet{Columns: []string{"id"}, Rows: [][]any{{1}, {2}}}},
	}}
	c := newTestController(t, client, runner, Config{})

	var events []PhaseEvent
	result, err := c.RunWithEvents(context.Background(), "how many customers?", func(e PhaseEvent) {
		events = append(events, e)
	})
	if err != nil {
		t.Fatalf("RunWithEvents: %v", err)
	}
	if result.Phase != PhaseSuccess {
		t.Fatalf("phase = %s, want SUCCESS", result.Phase)
	}

	// One failed cycle then a clean one:
	// GENERATE>VALIDATE>RETRY>GENERATE>VALIDATE>EXECUTE>SUCCESS.
	want := []Phase{
		PhaseValidate, PhaseRetry, PhaseGenerate,
		PhaseValidate, PhaseExecute, PhaseSuccess,
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i, e := range events {
		if e.Phase != want[i] {
			t.Errorf("event %d phase = %s, want %s", i, e.Phase, want[i])
		}
		if e.Type != "phase_transition" {
			t.Errorf("event %d type = %q", i, e.Type)
		}
		if e.Output == "" {
			t.Errorf("event %d has no reason", i)
		}
	}
	if events[0].Input != PhaseGenerate.String() {
		t.Errorf("first event input = %q, want GENERATE", events[0].Input)
	}
}

func TestController_RunWithEvents_GeneralEmitsNone(t *testing.T) {
	client := &scriptedLLM{replies: []llmReply{
		{text: "general"},
		{text: "Hello!"},
	}}
	c := newTestController(t, client, &scriptedRunner{}, Config{})

	var events []PhaseEvent
	_, err := c.RunWithEvents(context.Background(), "hi", func(e PhaseEvent) {
		events = append(events, e)
	})
	if err != nil {
		t.Fatalf("RunWithEvents: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("general turn emitted %d events, want 0", len(events))
	}
}
