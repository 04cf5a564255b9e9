package db

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed schema.sql
var schema string

// SchemaStatements splits the embedded schema into individual statements.
func SchemaStatements() []string {
	var stmts []string
	for _, part := range strings.Split(schema, ";") {
		stmt := strings.TrimSpace(part)
		if stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

// Migrate applies the schema. Every statement is idempotent.
func Migrate(ctx context.Context, database Querier) error {
	for i, stmt := range SchemaStatements() {
		if _, err := database.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d failed: %w", i+1, err)
		}
	}
	return nil
}
