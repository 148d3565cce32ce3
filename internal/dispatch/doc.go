// Package dispatch turns audio windows and finished calls into analysis jobs.
//
// Windows are handed to Dispatch without blocking and submitted by a small
// worker pool. Each submission leases a slot in one of two advisory
// resource pools: interactive for per-window work and batch for end-of-call
// work. When the interactive pool is saturated, windows are degraded to
// transcription-only jobs and the skipped analyses are deferred to the
// end-of-call job. Leases are released when the job's completion arrives or
// after a timeout.
package dispatch
