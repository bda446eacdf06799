// Package api hosts the HTTP server, middleware, and REST handlers.
// Notable routes:
//   - GET /healthz and /readyz for probes, GET /metrics for Prometheus.
//   - POST /v1/scrape submits a URL, optionally waiting for the outcome.
//   - GET /v1/jobs/{id} reports a job's status and result.
//   - /v1/admin/... exposes queue counts, job listing, retry, clean, the
//     proxy pool, and recent completion events.
package api
