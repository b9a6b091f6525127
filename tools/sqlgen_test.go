package tools

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teller-audio/storage"
)

// scriptedGenerator returns canned responses in order and records the
// prompts and temperatures it was called with.
type scriptedGenerator struct {
	responses []string
	errs      []error
	prompts   []string
	temps     []float64
}

func (g *scriptedGenerator) Generate(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
	i := len(g.prompts)
	g.prompts = append(g.prompts, prompt)
	g.temps = append(g.temps, temperature)
	if i < len(g.errs) && g.errs[i] != nil {
		return "", g.errs[i]
	}
	if i >= len(g.responses) {
		return "", fmt.Errorf("unexpected generate call %d", i)
	}
	return g.responses[i], nil
}

type fakeExecutor struct {
	rows    storage.Rows
	err     error
	queries []string
}

func (f *fakeExecutor) Execute(ctx context.Context, query string) (storage.Rows, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

func testToolConfig() SQLToolConfig {
	return SQLToolConfig{
		MaxTokens:          3000,
		QueryTemperature:   0.0,
		SummaryTemperature: 0.1,
	}
}

func TestSQLToolHappyPath(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		"SELECT * FROM orders WHERE status = 'completed'",
		"There are three completed orders.",
	}}
	db := &fakeExecutor{rows: storage.Rows{
		{"order_id": 1}, {"order_id": 2}, {"order_id": 3},
	}}
	tool := NewSQLTool(gen, db, testToolConfig(), zerolog.Nop())

	out, err := tool.Handle(context.Background(), map[string]any{"text": "show me all completed orders"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"response": "There are three completed orders."}, out)

	// Exactly one query executed, the generated one.
	require.Equal(t, []string{"SELECT * FROM orders WHERE status = 'completed'"}, db.queries)

	// Deterministic query generation, slightly warmer summarization.
	require.Len(t, gen.temps, 2)
	assert.Equal(t, 0.0, gen.temps[0])
	assert.Equal(t, 0.1, gen.temps[1])

	// The generation prompt carries schema and request, the summary
	// prompt carries query and rows.
	assert.Contains(t, gen.prompts[0], "CUSTOMERS Table")
	assert.Contains(t, gen.prompts[0], "show me all completed orders")
	assert.Contains(t, gen.prompts[1], "SELECT * FROM orders WHERE status = 'completed'")
	assert.Contains(t, gen.prompts[1], "order_id")
}

func TestSQLToolRejectsInvalidQuery(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{"DROP TABLE customers"}}
	db := &fakeExecutor{}
	tool := NewSQLTool(gen, db, testToolConfig(), zerolog.Nop())

	_, err := tool.Handle(context.Background(), map[string]any{"text": "remove the customers table"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsafeOperation)
	assert.Empty(t, db.queries, "an unvalidated query must never reach the database")
}

func TestSQLToolMissingArgument(t *testing.T) {
	tool := NewSQLTool(&scriptedGenerator{}, &fakeExecutor{}, testToolConfig(), zerolog.Nop())

	_, err := tool.Handle(context.Background(), map[string]any{})
	assert.ErrorContains(t, err, "missing required argument")

	_, err = tool.Handle(context.Background(), map[string]any{"text": 42})
	assert.ErrorContains(t, err, "missing required argument")
}

func TestSQLToolGenerationFailure(t *testing.T) {
	gen := &scriptedGenerator{errs: []error{fmt.Errorf("model unavailable")}}
	db := &fakeExecutor{}
	tool := NewSQLTool(gen, db, testToolConfig(), zerolog.Nop())

	_, err := tool.Handle(context.Background(), map[string]any{"text": "anything"})
	assert.ErrorContains(t, err, "query generation failed")
	assert.Empty(t, db.queries)
}

func TestSQLToolExecutionFailure(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{"SELECT * FROM missing_table"}}
	db := &fakeExecutor{err: &storage.QueryError{Query: "SELECT", Err: fmt.Errorf("relation does not exist")}}
	tool := NewSQLTool(gen, db, testToolConfig(), zerolog.Nop())

	_, err := tool.Handle(context.Background(), map[string]any{"text": "anything"})
	require.Error(t, err)
	assert.ErrorContains(t, err, "relation does not exist")
	assert.Len(t, gen.prompts, 1, "no summary attempted after a failed execution")
}

func TestSQLToolSchemaOverride(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		"SELECT * FROM widgets",
		"One widget.",
	}}
	cfg := testToolConfig()
	cfg.SchemaText = "WIDGETS Table: widget_id, name"
	tool := NewSQLTool(gen, &fakeExecutor{}, cfg, zerolog.Nop())

	_, err := tool.Handle(context.Background(), map[string]any{"text": "list widgets"})
	require.NoError(t, err)
	assert.Contains(t, gen.prompts[0], "WIDGETS Table")
	assert.NotContains(t, gen.prompts[0], "CUSTOMERS Table")
}
