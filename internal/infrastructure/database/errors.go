package database

import "errors"

var (
	ErrOpen             = errors.New("database: open failed")
	ErrUnhealthy        = errors.New("database: health check failed")
	ErrMigration        = errors.New("database: migration failed")
	ErrBadMigrationFile = errors.New("database: bad migration file")
	ErrNoDownMigration  = errors.New("database: migration has no down script")
)
