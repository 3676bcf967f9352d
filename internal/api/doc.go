// Package api hosts the local operations HTTP surface of the client. Routes:
//   - GET /healthz and /readyz; readyz reports 200 only while the progress
//     channel is open.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/session for the channel's client id, state, and active job.
//   - GET /v1/jobs and /v1/jobs/{run_id} for job history via the
//     HistoryRepository interface.
package api
