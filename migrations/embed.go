// Package migrations embeds the engine's SQL schema into the binary.
//
// Importing it for side effects registers the files with the database
// package, so Migrate works without them on disk.
package migrations

import (
	"embed"

	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

func init() {
	database.RegisterMigrations(files)
}
