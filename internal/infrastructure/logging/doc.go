// Package logging builds the engine's structured logger on log/slog.
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// The level is held in a slog.LevelVar, so SIGHUP can raise or lower it
// without rebuilding the logger. Packages that log declare their own small
// Logger interface; *Logger satisfies all of them.
package logging
