// Package audio turns a connection's PCM frame stream into fixed-duration,
// optionally overlapping analysis windows, and handles the sample conversions
// and WAV wrapping needed to ship those windows to analysis workers.
package audio
