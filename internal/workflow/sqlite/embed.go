package sqlite

import "embed"

// migrationFiles embeds the golang-migrate schema migrations for the
// workflows, workflow_log, and token_usage tables.
//
//go:embed migrations/*.sql
var migrationFiles embed.FS
