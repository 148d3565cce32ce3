// Package store defines the shared session store contract: a per-call record
// of named fields, refreshed with an expiry on every write, plus a companion
// set of the call identifiers that are currently active. Subpackages provide
// Redis and PostgreSQL backends; Memory serves tests and single-node runs.
package store
