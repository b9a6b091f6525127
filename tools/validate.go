package tools

import (
	"errors"
	"strings"
)

// Validation failures are distinct named errors so call sites can report
// exactly what was wrong. ValidateQuery only ever returns nil or one of
// these; there is no boolean form.
var (
	ErrEmptyQuery        = errors.New("empty query received from model")
	ErrInvalidStart      = errors.New("query must start with one of: SELECT, INSERT, UPDATE, DELETE")
	ErrUnsafeOperation   = errors.New("query contains potentially unsafe operations")
	ErrSelectMissingFrom = errors.New("SELECT query must contain FROM clause")
	ErrInsertMissingInto = errors.New("INSERT query must contain INTO clause")
	ErrUpdateMissingSet  = errors.New("UPDATE query must contain SET clause")
	ErrDeleteMissingFrom = errors.New("DELETE query must contain FROM clause")
)

var unsafeKeywords = []string{"DROP", "TRUNCATE", "ALTER", "GRANT", "REVOKE"}

// ValidateQuery checks a generated query against the safety rules. A
// query that fails validation must never reach the database.
func ValidateQuery(query string) error {
	q := strings.ToUpper(strings.TrimSpace(query))
	if q == "" {
		return ErrEmptyQuery
	}

	// Unsafe keywords outrank everything: a DROP is reported as unsafe,
	// not merely as a bad leading keyword.
	for _, keyword := range unsafeKeywords {
		if strings.Contains(q, keyword) {
			return ErrUnsafeOperation
		}
	}

	start := strings.Fields(q)[0]
	switch start {
	case "SELECT", "INSERT", "UPDATE", "DELETE":
	default:
		return ErrInvalidStart
	}

	switch start {
	case "SELECT":
		if !strings.Contains(q, "FROM") {
			return ErrSelectMissingFrom
		}
	case "INSERT":
		if !strings.Contains(q, "INTO") {
			return ErrInsertMissingInto
		}
	case "UPDATE":
		if !strings.Contains(q, "SET") {
			return ErrUpdateMissingSet
		}
	case "DELETE":
		if !strings.Contains(q, "FROM") {
			return ErrDeleteMissingFrom
		}
	}

	return nil
}
