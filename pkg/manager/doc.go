/*
Package manager assembles a mailroom node from its components and runs it.

A Manager owns, in dependency order:

	┌──────────────────────── MAILROOM NODE ────────────────────────┐
	│                                                                 │
	│  storage.BoltStore   <dataDir>/mailroom.db                      │
	│        ▲   registrations materialized by the journal FSM,       │
	│        │   dead letters written by the registry                 │
	│  journal.Journal     <dataDir>/raft/                            │
	│        ▲   single-voter raft log, snapshots on checkpoint       │
	│        │                                                         │
	│  registry.Registry ──── eventlog.Factory  <dataDir>/logs/<id>/  │
	│        │                   └── streampool.Pool                   │
	│        ├── reaper goroutine        (lease expiration)            │
	│        ├── checkpointer goroutine  (journal snapshots)           │
	│        └── delivery.Engine         (push tasks, worker pool)     │
	│                                                                 │
	│  events.Broker ── lifecycle events, logged at debug              │
	│  MetricsCollector ── state gauges every 15s                      │
	└─────────────────────────────────────────────────────────────────┘

NewManager opens the store and the journal, which replays the latest
snapshot and the committed raft log into the store. Start hands the
recovered records to Registry.Recover, which reopens each registration's
event log, re-resolves push targets and schedules registrations that still
have events to deliver. Records whose lease ran out while the node was
down are cancelled during recovery.

Shutdown stops the delivery engine first so in-flight tasks hand their
registrations back, then the reaper and checkpointer, and finally takes a
snapshot and closes the journal, the logs and the store. Event logs are
left on disk; the next Start resumes them.
*/
package manager
