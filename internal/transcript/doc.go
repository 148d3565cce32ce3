// Package transcript merges incremental transcript fragments into a call's
// cumulative transcript without repeating words that consecutive, overlapping
// audio windows both recognized.
package transcript
