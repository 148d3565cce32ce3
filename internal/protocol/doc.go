// Package protocol implements the switch-to-service stream protocol.
// A connection opens with a delimiter-terminated call identifier, after which
// every byte is fixed-size 16-bit PCM frames until the stream closes.
package protocol
