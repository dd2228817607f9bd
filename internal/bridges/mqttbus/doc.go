// Package mqttbus bridges the engine's event bus and the MQTT broker.
//
// # Architecture
//
//	┌──────────────┐  graylogic/rasc/+/+        ┌──────────────┐
//	│  protocol    │ ─────────────────────────▶ │              │ rasc_response
//	│  bridges     │                            │   Bridge     │ ────────────▶ event.Bus
//	│  (KNX, ...)  │ ◀───────────────────────── │  (this pkg)  │ ◀──────────── lifecycle events
//	└──────────────┘  graylogic/automation/...  └──────────────┘
//
// # Key Responsibilities
//
//   - Turn action progress reports from protocol bridges into rasc_response
//     events for the dependency scheduler
//   - Mirror script lifecycle events to graylogic/automation/event/{type}
//   - Keep a retained running/idle state per script, fed by the registry's
//     change listener through ScriptChanged
//   - Publish a message when an automation fires
package mqttbus
