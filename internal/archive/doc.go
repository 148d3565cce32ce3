// Package archive keeps finalized call sessions, and the end-of-call insights
// that arrive after them, in a local badger database with a retention TTL.
package archive
