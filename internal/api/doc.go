// Package api hosts the status server that runs alongside an extraction run.
// Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/run for the live run summary and renderer pool stats.
//   - GET /v1/runs, /v1/runs/{run_id} and /v1/runs/{run_id}/sites for run
//     history via the store.RunRepository interface.
package api
