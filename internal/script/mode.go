package script

import (
	"fmt"
	"strings"
)

// Mode selects how a script treats a start while runs are active.
type Mode string

const (
	ModeSingle   Mode = "single"
	ModeRestart  Mode = "restart"
	ModeQueued   Mode = "queued"
	ModeParallel Mode = "parallel"
)

// ParseMode accepts a mode name; empty means single.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeSingle, nil
	case ModeSingle, ModeRestart, ModeQueued, ModeParallel:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Severity is the log level used when a start is rejected.
type Severity string

const (
	SeveritySilent  Severity = "silent"
	SeverityDebug   Severity = "debug"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// ParseSeverity accepts a severity name; empty means warning.
func ParseSeverity(s string) (Severity, error) {
	switch v := Severity(strings.ToLower(strings.TrimSpace(s))); v {
	case "":
		return SeverityWarning, nil
	case SeveritySilent, SeverityDebug, SeverityInfo, SeverityWarning, SeverityError:
		return v, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSeverity, s)
	}
}

// Defaults applied by New when the config leaves them zero.
const (
	DefaultMax         = 10
	DefaultMaxExceeded = SeverityWarning
)

func logAt(logger Logger, sev Severity, msg string, args ...any) {
	switch sev {
	case SeveritySilent:
	case SeverityDebug:
		logger.Debug(msg, args...)
	case SeverityInfo:
		logger.Info(msg, args...)
	case SeverityError:
		logger.Error(msg, args...)
	default:
		logger.Warn(msg, args...)
	}
}
