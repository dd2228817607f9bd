// Package database opens the engine's SQLite store and applies its schema.
//
// The store holds run history (script_runs) written by the automation
// recorder. It is opened with a single connection, WAL journaling and a
// busy timeout so API reads and recorder writes do not trip over each
// other's locks.
//
// Schema changes live in the top-level migrations package as paired
// <date>_<time>_<name>.up.sql / .down.sql files, embedded and registered
// at init:
//
//	import _ "github.com/nerrad567/gray-logic-automation/migrations"
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations only add: new columns are nullable or defaulted, and nothing
// is dropped or renamed in place.
package database
