// Package vad provides an energy-based voice activity gate for analysis
// windows. It scores each window with a speech probability derived from its
// RMS energy so silent windows can be tagged or skipped before dispatch.
package vad
