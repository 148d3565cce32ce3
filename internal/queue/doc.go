// Package queue is the submit side of the distributed analysis job queue.
// Jobs are fire-and-forget: Submit returns an opaque handle and the result
// comes back later as a Completion through the service's callback surface.
// HTTPQueue posts jobs to a worker gateway, pgqueue inserts them into a
// PostgreSQL table, and Memory records them in-process.
package queue
