package tools

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"teller-audio/conversation"
	"teller-audio/storage"
)

// SQLToolName is the tool name the assistant calls.
const SQLToolName = "generate_sql_query"

// TextGenerator is the text-generation collaborator contract the tool
// drives for both of its prompts.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error)
}

// SQLToolSchema describes the tool to the assistant.
func SQLToolSchema() conversation.ToolSchema {
	return conversation.ToolSchema{
		Name:        SQLToolName,
		Description: "Generate an SQL query from natural language text, run it, and describe the result.",
		Params: []conversation.Param{
			{
				Name:        "text",
				Type:        "string",
				Description: "Natural language description of the desired SQL query.",
			},
		},
		Required: []string{"text"},
	}
}

// DefaultSchemaText is the fixed schema description embedded in the
// generation prompt when no override is configured.
const DefaultSchemaText = `
Database Schema:
1. CUSTOMERS Table:
   - customer_id (SERIAL PRIMARY KEY)
   - first_name (VARCHAR(50))
   - last_name (VARCHAR(50))
   - email (VARCHAR(100), UNIQUE)
   - phone (VARCHAR(20))
   - created_at (TIMESTAMP)

2. ORDERS Table:
   - order_id (SERIAL PRIMARY KEY)
   - customer_id (INTEGER, FK -> customers)
   - order_date (TIMESTAMP)
   - total_amount (DECIMAL(10,2))
   - status (VARCHAR(20)) [valid values: pending, processing, completed, cancelled]
   - shipping_address (TEXT)

3. PAYMENTS Table:
   - payment_id (SERIAL PRIMARY KEY)
   - order_id (INTEGER, FK -> orders)
   - payment_date (TIMESTAMP)
   - amount (DECIMAL(10,2))
   - payment_method (VARCHAR(50)) [valid values: credit_card, debit_card, bank_transfer, digital_wallet]
   - status (VARCHAR(20)) [valid values: success, pending, failed]
   - transaction_id (VARCHAR(100), UNIQUE)
`

// SQLToolConfig carries the policy knobs of the SQL tool.
type SQLToolConfig struct {
	SchemaText         string
	MaxTokens          int
	QueryTemperature   float64 // 0 for deterministic generation
	SummaryTemperature float64 // low but nonzero
}

// SQLTool turns natural language into a validated query, executes it,
// and answers with a one-sentence plain-language summary.
type SQLTool struct {
	gen TextGenerator
	db  storage.Executor
	cfg SQLToolConfig
	log zerolog.Logger
}

// NewSQLTool wires the generation and storage collaborators together.
func NewSQLTool(gen TextGenerator, db storage.Executor, cfg SQLToolConfig, log zerolog.Logger) *SQLTool {
	if cfg.SchemaText == "" {
		cfg.SchemaText = DefaultSchemaText
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 3000
	}
	return &SQLTool{
		gen: gen,
		db:  db,
		cfg: cfg,
		log: log.With().Str("component", "sqltool").Logger(),
	}
}

// Handle implements the tool handler contract. A validation or execution
// failure comes back as an error for the dispatcher to surface as the
// tool's error payload; an unvalidated query is never executed.
func (t *SQLTool) Handle(ctx context.Context, args map[string]any) (map[string]any, error) {
	text, ok := args["text"].(string)
	if !ok || text == "" {
		return nil, fmt.Errorf("missing required argument: text")
	}

	query, err := t.gen.Generate(ctx, t.queryPrompt(text), t.cfg.QueryTemperature, t.cfg.MaxTokens)
	if err != nil {
		return nil, fmt.Errorf("query generation failed: %w", err)
	}
	t.log.Info().Str("query", query).Msg("SQL query generated")

	if err := ValidateQuery(query); err != nil {
		return nil, err
	}

	rows, err := t.db.Execute(ctx, query)
	if err != nil {
		return nil, err
	}

	summary, err := t.gen.Generate(ctx, t.summaryPrompt(query, rows), t.cfg.SummaryTemperature, t.cfg.MaxTokens)
	if err != nil {
		return nil, fmt.Errorf("summary generation failed: %w", err)
	}
	t.log.Info().Str("summary", summary).Msg("query result summarized")

	return map[string]any{"response": summary}, nil
}

func (t *SQLTool) queryPrompt(text string) string {
	return "You are an expert SQL developer with deep knowledge of relational databases and query optimization.\n" +
		fmt.Sprintf("Here is the database schema:\n%s\n\n", t.cfg.SchemaText) +
		fmt.Sprintf("Write a valid and optimized SQL query that fulfills the following request:\n%s\n\n", text) +
		"Requirements:\n" +
		"1. Use correct table and column names exactly as defined in the schema.\n" +
		"2. Ensure proper JOINs and filtering conditions based on the request.\n" +
		"3. Optimize for clarity and performance.\n" +
		"4. Output only the SQL query—do not include explanations, comments, or extra text."
}

func (t *SQLTool) summaryPrompt(query string, rows storage.Rows) string {
	rendered, err := sonic.MarshalString(rows)
	if err != nil {
		rendered = fmt.Sprintf("%v", rows)
	}
	return "You are an SQL Analyst. Your job is to explain SQL query results to the user " +
		"in a clear, friendly, and natural way. Do not repeat or describe the SQL query itself—" +
		"only focus on summarizing the results in plain language that a non-technical user can understand. " +
		"Do not return any special character in response. Just a single sentence that describes the output.\n\n" +
		fmt.Sprintf("Here is the SQL Query: %s\n\n", query) +
		fmt.Sprintf("SQL Query Output:\n%s\n", rendered)
}
