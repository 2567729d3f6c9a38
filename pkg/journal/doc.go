/*
Package journal records registry operations durably.

It runs a single-voter hashicorp/raft node with raft-boltdb log and
stable stores. Records (register, renew, cancel, set-mode, unknown-event)
are queued by Append and applied in order by one writer goroutine. The FSM
materializes them into a storage.Store; Snapshot compacts the raft log and
Restore rebuilds the store from a snapshot. Registrations returns the
materialized records for recovery.
*/
package journal
