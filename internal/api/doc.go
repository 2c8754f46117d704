// Package api hosts the dispatcher's admin HTTP server. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET and POST /v1/targets to inspect and register crawl targets.
//   - GET /v1/workers and the /v1/workers/{id}/... operator commands.
//   - POST /v1/fleet/status and /v1/fleet/shutdown for broadcasts.
package api
