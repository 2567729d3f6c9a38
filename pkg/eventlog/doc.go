/*
Package eventlog stores the undelivered events of each registration.

An EventLog is a FIFO with two read protocols over the same sequence.
Push delivery uses Next and Remove: Next returns the head event until
Remove commits it. Pull delivery uses ReadAhead and MoveAhead: ReadAhead
returns a batch with a Cursor per event, and MoveAhead later commits every
event up to one of those cursors. Both protocols may be used on one log.

# Implementations

MemoryLog keeps events in a slice and loses them on restart. DurableLog
keeps them on disk:

	<dir>/log.ctl    control block: write/read counts and offsets
	<dir>/0.log      entries 0 .. capacity-1
	<dir>/1.log      entries capacity .. 2*capacity-1

Each chunk holds length-delimited frames (see package logstream). The
control block is rewritten after every append and commit, and only bytes
covered by it are trusted on restart. Fully consumed chunks are deleted.
An undecodable entry is skipped and an unreadable chunk is abandoned up to
the next chunk boundary; both are counted in mailroom_events_dropped_total.

# Cursors

A cursor is the pair (count, offset) printed as "count.offset". Pull
clients hand cursors back verbatim, so DurableLog verifies that a cursor
lands on a frame boundary before committing it.

Factory creates one log per registration and caches it; an empty
directory selects memory logs.
*/
package eventlog
