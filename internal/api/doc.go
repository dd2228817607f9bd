// Package api implements the HTTP control API and WebSocket event stream for
// the automation engine.
//
// This package provides:
//   - REST endpoints to list scripts and automations, start and stop runs,
//     read run history and preview dependency graphs
//   - WebSocket event stream relaying bus events to filtered subscribers
//   - Optional HS256 bearer-token authentication; the token subject becomes
//     the user id on every run started through the API
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Event stream
//
// Clients on /api/v1/ws send subscribe frames naming event types
// ("script_run_started", "rasc_response", or "*" for all) and optionally
// script ids to narrow the stream:
//
//	{"type":"subscribe","id":"1","data":{"events":["*"],"scripts":["lock_up"]}}
//
// A client that falls behind loses frames rather than stalling the bus;
// the loss is counted in /api/v1/metrics.
//
// # Graceful Degradation
//
// Run history endpoints answer 503 when no repository is configured; the
// rest of the API keeps working. /api/v1/health also answers 503, with a
// per-component breakdown, while any registered Prober is failing.
package api
