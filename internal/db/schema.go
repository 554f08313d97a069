package db

import (
	"embed"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// ApplySchema executes the embedded schema files in lexical order.
// Every statement is idempotent (IF NOT EXISTS), so re-applying on
// startup is safe.
func ApplySchema(database *sqlx.DB) error {
	entries, err := schemaFS.ReadDir("schema")
	if err != nil {
		return fmt.Errorf("failed to read schema dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		stmt, err := schemaFS.ReadFile("schema/" + name)
		if err != nil {
			return fmt.Errorf("failed to read schema file %s: %w", name, err)
		}
		if _, err := database.Exec(string(stmt)); err != nil {
			return fmt.Errorf("failed to apply schema file %s: %w", name, err)
		}
	}

	return nil
}
