// Command mdimg submits Markdown documents and images to an mdimg conversion
// backend and follows each job over the backend's progress WebSocket.
//
// Overview:
//   - cmd: cobra commands (upload, convert, history, inspect). Configuration
//     comes from Viper (mdimg.yaml plus MDIMG_* environment variables).
//   - internal/app: builds the services for one process and runs a job
//     end to end: validate, submit, bind the job to the progress channel,
//     wait for the terminal frame, then archive the artifact.
//   - internal/channel: the reconnecting WebSocket session with exponential
//     backoff (1s doubling, five retries by default).
//   - internal/progress: lifecycle events batched to sinks that feed
//     Prometheus, job history (memory or Postgres), and completion
//     notifications (Pub/Sub or AMQP).
//   - internal/api: optional ops HTTP surface (--ops-addr) with health,
//     readiness, metrics, and job history.
package main

import (
	"github.com/JakeFAU/mdimg-client/cmd"
)

func main() {
	cmd.Execute()
}
