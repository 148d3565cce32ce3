// Package session owns the lifecycle of call sessions.
//
// The Registry is the authoritative in-memory map from call identifier to
// Session for this process, mirrored to a shared store so analysis workers
// and other ingestion processes can see the same calls. Reads go to memory
// first and fall back to the store; writes go to both, and a failed store
// write during an active call degrades to memory-only operation.
//
// Job completions arrive from outside the process and are delivered into the
// registry as messages (Deliver) that a single consumer goroutine (Run)
// applies. The Reaper ends sessions whose last activity is older than the
// idle timeout.
package session
