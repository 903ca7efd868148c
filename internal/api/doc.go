// Package api hosts the admin HTTP server. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET and POST /v1/queue/{project} to inspect and feed a work queue.
//   - GET, DELETE and POST .../retry on /v1/queue/items/{id}.
//   - GET /v1/spiders and /v1/evasion/blocked for operator visibility.
package api
