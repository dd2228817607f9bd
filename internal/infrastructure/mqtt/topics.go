package mqtt

import (
	"fmt"
	"strings"
)

// Topic roots. Bridges publish and consume under the flat scheme
// graylogic/{category}/{domain}/{object_id}; the engine publishes its own
// lifecycle traffic under graylogic/automation.
const (
	TopicPrefix           = "graylogic"
	TopicPrefixAutomation = "graylogic/automation"
	TopicPrefixSystem     = "graylogic/system"
)

// Topics provides builders for the topics the automation engine uses.
//
//	topics := mqtt.Topics{}
//	topics.Command("light", "kitchen")
//	// Returns: "graylogic/command/light/kitchen"
type Topics struct{}

// Command returns the topic a bridge listens on for actions against an entity.
//
// Example: graylogic/command/light/kitchen
func (Topics) Command(domain, objectID string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, domain, objectID)
}

// Ack returns the topic a bridge answers a command on.
//
// Example: graylogic/ack/light/kitchen
func (Topics) Ack(domain, objectID string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, domain, objectID)
}

// State returns the topic a bridge reports entity state on.
//
// Example: graylogic/state/sensor/outdoor_temp
func (Topics) State(domain, objectID string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, domain, objectID)
}

// RASC returns the topic a bridge reports action progress on
// (acknowledged, started, completed, failed).
//
// Example: graylogic/rasc/cover/garage
func (Topics) RASC(domain, objectID string) string {
	return fmt.Sprintf("%s/rasc/%s/%s", TopicPrefix, domain, objectID)
}

// Event returns the topic an engine lifecycle event is mirrored to.
//
// Example: graylogic/automation/event/script_run_finished
func (Topics) Event(eventType string) string {
	return fmt.Sprintf("%s/event/%s", TopicPrefixAutomation, eventType)
}

// ScriptState returns the retained topic carrying a script's running state.
//
// Example: graylogic/automation/script/morning/state
func (Topics) ScriptState(scriptID string) string {
	return fmt.Sprintf("%s/script/%s/state", TopicPrefixAutomation, scriptID)
}

// AutomationFired returns the topic published when an automation triggers.
//
// Example: graylogic/automation/automation/porch_lights/fired
func (Topics) AutomationFired(automationID string) string {
	return fmt.Sprintf("%s/automation/%s/fired", TopicPrefixAutomation, automationID)
}

// SystemStatus returns the engine online/offline status topic.
//
// Example: graylogic/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllStates matches every entity state update.
//
// Pattern: graylogic/state/+/+
func (Topics) AllStates() string {
	return fmt.Sprintf("%s/state/+/+", TopicPrefix)
}

// AllAcks matches every command acknowledgement.
//
// Pattern: graylogic/ack/+/+
func (Topics) AllAcks() string {
	return fmt.Sprintf("%s/ack/+/+", TopicPrefix)
}

// AllRASC matches every action progress report.
//
// Pattern: graylogic/rasc/+/+
func (Topics) AllRASC() string {
	return fmt.Sprintf("%s/rasc/+/+", TopicPrefix)
}

// AllEvents matches every mirrored engine event.
//
// Pattern: graylogic/automation/event/+
func (Topics) AllEvents() string {
	return fmt.Sprintf("%s/event/+", TopicPrefixAutomation)
}

// SplitEntityTopic extracts domain and object ID from a
// graylogic/{category}/{domain}/{object_id} topic.
func SplitEntityTopic(topic string) (category, domain, objectID string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != TopicPrefix || parts[2] == "" || parts[3] == "" {
		return "", "", "", false
	}
	return parts[1], parts[2], parts[3], true
}
