// Package server implements the TCP listener that receives call audio from
// the telephony switch and the HTTP API used for monitoring, explicit call
// end signals and analysis job completions.
package server
