// Package gateway orchestrates the coven-messenger server components.
//
// # Overview
//
// The gateway owns the conversation store, the presence manager and the live
// hub, and serves all of them from a single HTTP server.
//
// # HTTP Surface
//
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (database ping, online counts)
//   - GET /ws - Live protocol; token via Authorization header or ?token=
//   - /api/... - REST variants of every conversation operation
//
// Every /api route requires a bearer JWT whose subject is the user id. REST
// calls go straight to the store and never fan out to live connections.
//
// # Errors
//
// Store errors map to HTTP statuses by their code:
//
//	not_found       404
//	forbidden       403
//	blocked         403
//	invalid_input   400
//	already_deleted 409
//	internal        500
//
// Error bodies are {"error": "...", "code": "..."}.
//
// # Lifecycle
//
// Run listens on server.http_addr and blocks until its context is canceled.
// Shutdown stops the HTTP server, closes live sessions with code 1001 and then
// closes the store.
package gateway
