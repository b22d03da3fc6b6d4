// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"bytes"
	"fmt"
	"text/template"
)

// intentPromptTemplate classifies a question as data retrieval or general
// conversation. The reply contract is a single lowercase word; anything
// else is treated as sql, since users mainly want data queries.
const intentPromptTemplate = `You are an intent classifier for a database query assistant. Analyze the user's input carefully.

Classification task: determine if the user wants to query data (sql) or have general conversation (general).

Decision process:
1. A greeting or a meta-question about the system itself is general.
2. A request for data, statistics, analysis, or visualization is sql.
3. When in doubt, default to sql.

Examples:
"Show me top 10 records" is sql
"What is the total count?" is sql
"Which item has the highest value?" is sql
"Compare A and B" is sql
"Hello" is general
"What can you do?" is general

User input: "{{.Question}}"

Return ONLY the word sql or general. No markdown, no explanations, no punctuation.`

// sqlPromptTemplate is the full analytical synthesis prompt. The
// <reasoning> and <sql> output tags are a contract with the extractor.
const sqlPromptTemplate = `You are an expert PostgreSQL query generator. Analyze the question carefully before generating SQL.

<database_schema>
{{.Schema}}
</database_schema>

<user_question>
{{.Question}}
</user_question>

<instructions>
Before writing the query, think through: which tables hold the data,
which foreign key relationships connect them, which columns should be
selected, filtered, or aggregated, and whether the question needs CTEs
or window functions.

RULES:
1. Use EXACT table names from the schema. Never abbreviate or invent.
2. Short table aliases are allowed: FROM transactions t.
3. Quote ALL column names. PostgreSQL is case sensitive: t."columnName".
4. Single query only. No semicolons, no comments, no temp tables.
5. Use CTEs for multi-step logic, not nested subqueries.
6. Simple "top N" questions take ORDER BY with LIMIT. Ranking per group
   takes window functions with PARTITION BY. Running totals take
   SUM() OVER (ORDER BY ...).
7. Date and time columns are stored as TEXT. Cast them with ::timestamp,
   for example EXTRACT(DOW FROM "dateTime"::timestamp). Never parse with
   TO_DATE or TO_TIMESTAMP format strings.
8. Guard every division against zero: x / NULLIF(y, 0).
9. Never reference a column alias at the selection level that defines
   it. Move the alias into a CTE and reference it from the outer query.
10. Honor SQL features the user explicitly asks for.
</instructions>

<output_format>
First write your reasoning inside <reasoning> tags: which tables you
will use, what joins are needed, and the query structure. Then provide
ONLY the SQL query inside <sql> tags.
</output_format>

Now generate your response following the format above:`

// simpleSQLPromptTemplate is the minimal-projection prompt used in
// fallback mode and for delegated-analysis questions. The reply is the
// bare query, no tags.
const simpleSQLPromptTemplate = `You are an expert PostgreSQL query generator. The user wants analysis that will be performed by a downstream analysis runtime, not by the data store.

<database_schema>
{{.Schema}}
</database_schema>

<user_question>
{{.Question}}
</user_question>

TASK: generate one SIMPLE SELECT query that fetches the raw rows the
analysis needs.

RULES:
1. NO statistical calculations (no AVG, STDDEV, percentile functions).
2. NO window functions (no PARTITION BY, RANK).
3. NO date functions (no EXTRACT, TO_DATE, DATE_TRUNC).
4. Select the relevant columns as-is. Quote column names: "columnName".
5. JOINs and WHERE filters are allowed when the question needs them.
6. Keep it simple. The analysis runtime does all computation.

Return ONLY the SQL query. No explanations, no markdown.`

// responsePromptTemplate turns a masked result set into a natural
// language answer. The <answer> and <insight> tags are a contract with
// the extractor.
const responsePromptTemplate = `You are a data analyst converting SQL results into natural language. Think step by step before responding.

Question: {{.Question}}
Data (JSON): {{.Data}}
{{if .Delegated}}
The data is a summary: row_count, the column list, and two sample rows.
Answer from row_count and the columns only. Do not count, average, or
look for patterns in the sample rows; detailed analysis is being
generated in the analysis console below, and your answer should say so.
Keep the insight to one sentence about the data structure, with no
speculative wording.
{{end}}
RULES:
1. Write complete sentences with proper spacing between words and
   numbers. Never concatenate values together.
2. Use bullet points for lists, one item per line.
3. Add thousands separators to numbers: 19,983 not 19983.
4. Escape dollar signs: \$100 not $100.
5. NEVER show individual person names; use the Person #N labels exactly
   as they appear in the data. Organisation, company, and place names
   stay unchanged.

After answering, add one or two insights the user did not ask for:
concentration patterns, outliers, imbalances, or correlations between
fields. Base them only on the data shown and be specific with numbers.
If nothing stands out, write "No significant patterns detected".

Structure your response with XML tags:
<answer>the direct answer to the question</answer>
<insight>the additional observations</insight>`

// generalPromptTemplate answers greetings and capability questions
// without touching the data store.
const generalPromptTemplate = `You are a database query assistant. You ONLY answer questions using the connected database.

User question: "{{.Question}}"

RULES:
1. Answer only from data in the database. Never use general knowledge or
   the web.
2. If asked about capabilities, explain that you analyze data from the
   connected database.
3. For a greeting, respond politely and offer to help with database
   queries.
4. For anything else, respond: "I can only answer questions based on the
   database. Please ask a data-related question."
5. Never show individual person names; replace them with Person #1,
   Person #2, and so on. Organisation names stay unchanged.

Respond briefly and clearly.`

type intentData struct{ Question string }

type sqlData struct {
	Schema   string
	Question string
}

type respondData struct {
	Question  string
	Data      string
	Delegated bool
}

// promptSet holds the pre-compiled prompt templates for one controller.
type promptSet struct {
	intent    *template.Template
	sqlFull   *template.Template
	sqlSimple *template.Template
	respond   *template.Template
	general   *template.Template
}

// compilePrompts parses every prompt template once so a broken template
// fails construction instead of the first user turn.
func compilePrompts() (*promptSet, error) {
	set := &promptSet{}
	for _, p := range []struct {
		name string
		text string
		dst  **template.Template
	}{
		{"intent", intentPromptTemplate, &set.intent},
		{"sql", sqlPromptTemplate, &set.sqlFull},
		{"sql_simple", simpleSQLPromptTemplate, &set.sqlSimple},
		{"respond", responsePromptTemplate, &set.respond},
		{"general", generalPromptTemplate, &set.general},
	} {
		tmpl, err := template.New(p.name).Parse(p.text)
		if err != nil {
			return nil, fmt.Errorf("compile %s prompt template: %w", p.name, err)
		}
		*p.dst = tmpl
	}
	return set, nil
}

func (p *promptSet) renderIntent(question string) (string, error) {
	return render(p.intent, intentData{Question: question})
}

// renderSQL picks the synthesis prompt for the turn's strategy. Fallback
// mode and delegated-analysis questions use the minimal-projection
// prompt; everything else gets the full analytical prompt.
func (p *promptSet) renderSQL(turn *Turn, schemaText string) (string, error) {
	tmpl := p.sqlFull
	if turn.Mode == ModeFallback || turn.NeedsAnalysis {
		tmpl = p.sqlSimple
	}
	return render(tmpl, sqlData{Schema: schemaText, Question: turn.Question})
}

func (p *promptSet) renderRespond(question, dataJSON string, delegated bool) (string, error) {
	return render(p.respond, respondData{Question: question, Data: dataJSON, Delegated: delegated})
}

func (p *promptSet) renderGeneral(question string) (string, error) {
	return render(p.general, intentData{Question: question})
}

func render(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}
