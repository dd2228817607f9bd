package mqttbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/scheduler"
)

// ProgressReport is sent by a protocol bridge as an action moves through
// its lifecycle.
// Topic: graylogic/rasc/{domain}/{object_id}
type ProgressReport struct {
	// Type is start, complete or failed.
	Type string `json:"type"`

	// ActionID echoes the command's correlation id.
	ActionID string `json:"action_id"`

	// CorrelationID is accepted in place of ActionID for bridges that only
	// echo the command payload.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Error is the failure reason when Type is failed.
	Error string `json:"error,omitempty"`
}

// parseReport decodes payload and resolves it against the topic's entity.
func parseReport(target string, payload []byte) (scheduler.Notification, error) {
	var r ProgressReport
	if err := json.Unmarshal(payload, &r); err != nil {
		return scheduler.Notification{}, fmt.Errorf("%w: %w", ErrInvalidReport, err)
	}
	if r.ActionID == "" {
		r.ActionID = r.CorrelationID
	}

	switch r.Type {
	case scheduler.NotifyStart, scheduler.NotifyComplete, scheduler.NotifyFailed:
	default:
		return scheduler.Notification{}, fmt.Errorf("%w: unknown type %q", ErrInvalidReport, r.Type)
	}
	if r.ActionID == "" {
		return scheduler.Notification{}, fmt.Errorf("%w: missing action_id", ErrInvalidReport)
	}

	return scheduler.Notification{
		Type:     r.Type,
		Target:   target,
		ActionID: r.ActionID,
		Error:    r.Error,
	}, nil
}

// ScriptState is the retained running state of one script. It follows the
// script's change notifications, so overlapping runs keep it running until
// the last one ends.
// Topic: graylogic/automation/script/{id}/state
type ScriptState struct {
	State      string    `json:"state"`
	Runs       int       `json:"runs"`
	LastAction string    `json:"last_action,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Script states.
const (
	ScriptRunning = "running"
	ScriptIdle    = "idle"
)

// FiredMessage is published when an automation's triggers and conditions pass.
// Topic: graylogic/automation/automation/{id}/fired
type FiredMessage struct {
	AutomationID  string    `json:"automation_id"`
	Source        string    `json:"source,omitempty"`
	CorrelationID string    `json:"correlation_id"`
	Timestamp     time.Time `json:"timestamp"`
}
