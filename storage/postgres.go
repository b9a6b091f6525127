// Package storage is the relational collaborator: it runs already
// validated SQL and describes the schema. It never inspects query intent
// beyond the SELECT/write split.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Rows is an ordered result set of column-name to value mappings.
type Rows []map[string]any

// QueryError wraps a storage execution failure. It is recovered locally
// by the tool layer, never retried here.
type QueryError struct {
	Query string
	Err   error
}

func (e *QueryError) Error() string { return fmt.Sprintf("query execution failed: %v", e.Err) }
func (e *QueryError) Unwrap() error { return e.Err }

// Executor is the narrow contract the tool layer depends on.
type Executor interface {
	Execute(ctx context.Context, query string) (Rows, error)
}

// Postgres executes queries against a pgx connection pool. The pool
// hands each session its own connection, so transactions from two
// sessions never interleave on one connection.
type Postgres struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// Connect opens a pool against the DSN and verifies connectivity.
func Connect(ctx context.Context, dsn string, log zerolog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return &Postgres{
		pool: pool,
		log:  log.With().Str("component", "storage").Logger(),
	}, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Execute runs one statement. SELECTs return their rows in order;
// writes commit and return an empty result set.
func (p *Postgres) Execute(ctx context.Context, query string) (Rows, error) {
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		return p.query(ctx, query)
	}

	tag, err := p.pool.Exec(ctx, query)
	if err != nil {
		return nil, &QueryError{Query: query, Err: err}
	}
	p.log.Debug().Int64("rows_affected", tag.RowsAffected()).Msg("write executed")
	return Rows{}, nil
}

func (p *Postgres) query(ctx context.Context, query string) (Rows, error) {
	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, &QueryError{Query: query, Err: err}
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out Rows
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, &QueryError{Query: query, Err: err}
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			row[fd.Name] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &QueryError{Query: query, Err: err}
	}
	return out, nil
}

// DescribeSchema renders the public schema as text for prompt embedding.
func (p *Postgres) DescribeSchema(ctx context.Context) (string, error) {
	const schemaQuery = `
		SELECT
			t.table_name,
			array_agg(
				c.column_name || ' ' || c.data_type ||
				CASE
					WHEN c.character_maximum_length IS NOT NULL
					THEN '(' || c.character_maximum_length || ')'
					ELSE ''
				END
			) as columns
		FROM
			information_schema.tables t
			JOIN information_schema.columns c ON t.table_name = c.table_name
		WHERE
			t.table_schema = 'public'
		GROUP BY
			t.table_name;
	`

	rows, err := p.pool.Query(ctx, schemaQuery)
	if err != nil {
		return "", &QueryError{Query: schemaQuery, Err: err}
	}
	defer rows.Close()

	var b strings.Builder
	b.WriteString("Database Schema:\n")
	for rows.Next() {
		var table string
		var columns []string
		if err := rows.Scan(&table, &columns); err != nil {
			return "", &QueryError{Query: schemaQuery, Err: err}
		}
		fmt.Fprintf(&b, "\nTable: %s\nColumns:\n", table)
		for _, col := range columns {
			fmt.Fprintf(&b, "  - %s\n", col)
		}
	}
	if err := rows.Err(); err != nil {
		return "", &QueryError{Query: schemaQuery, Err: err}
	}
	return b.String(), nil
}
