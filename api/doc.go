// Package api defines the request and response bodies of the cdpdriver
// control API.
//
// # API Overview
//
// The control API drives the discovery and injection engine:
//   - Start and stop the engine, or request an immediate rescan
//   - List sessions and probe endpoint availability
//   - Aggregate stats, session summaries and away actions across sessions
//   - Broadcast focus state and remove the background overlay
//   - Inspect and reload configuration
//
// # Authentication
//
// When API keys are configured, /api/ endpoints require the X-API-Key
// header. When a JWT secret is configured, an HS256 bearer token is
// accepted as well:
//
//	X-API-Key: your-api-key
//	Authorization: Bearer <token>
//
// Health, readiness and version endpoints are never authenticated.
//
// # Base URL
//
//	http://localhost:8080/api/v1
package api
