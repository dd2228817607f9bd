// Package automation owns the automations and named scripts loaded from
// the routines file.
//
// Automations are trigger-driven: when one of their triggers fires and
// their conditions pass, their actions run as a script. Named scripts have
// the same shape without triggers and are started by the API or by
// script.turn_on calls from other routines.
//
// Architecture:
//
//	┌───────────────────────────────────────────────────────────┐
//	│                  Registry (registry.go)                    │
//	│  ┌────────────┐   ┌──────────────┐   ┌─────────────────┐  │
//	│  │  triggers  │──▶│  conditions  │──▶│ script.Script   │  │
//	│  └────────────┘   └──────────────┘   │  (sequential)   │  │
//	│                                      ├─────────────────┤  │
//	│                                      │ scheduler (dag) │  │
//	│                                      └─────────────────┘  │
//	└───────────────────────────────────────────────────────────┘
//	        │ lifecycle events
//	        ▼
//	┌──────────────────────┐    ┌───────────────────────────┐
//	│ Recorder (recorder)  │───▶│ SQLite script_runs        │
//	│                      │───▶│ InfluxDB script_run       │
//	└──────────────────────┘    └───────────────────────────┘
//
// # Key Types
//
//   - Definition: one automation or script as written in the routines file
//   - Registry: owns the loaded definitions and their supervisors; also the
//     capability handler for the script and automation domains and the
//     dispatcher for the dependency scheduler
//   - Recorder: writes RunRecord history from lifecycle events
//   - Repository: run history persistence
//
// # Thread Safety
//
// Registry and Recorder are safe for concurrent use from multiple goroutines.
//
// # Usage
//
//	defs, err := automation.LoadFile(cfg.Engine.RoutinesFile)
//	if err != nil {
//	    return err
//	}
//
//	registry := automation.NewRegistry(deps, automation.Options{ShutdownMaxWait: time.Minute})
//	registry.SetLogger(log)
//	router.Register(automation.DomainScript, registry)
//	router.Register(automation.DomainAutomation, registry)
//
//	if err := registry.Load(ctx, defs); err != nil {
//	    return err
//	}
//	runID, err := registry.Run(ctx, "morning_lights", nil, event.NewContext("user-1"))
package automation
