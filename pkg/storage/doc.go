// Package storage persists registration records and dead letters in a
// BoltDB file. The journal FSM materializes committed records into it and
// rebuilds it from snapshots; the registry reads dead letters back from it.
package storage
