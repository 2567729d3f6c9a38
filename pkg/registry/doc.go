/*
Package registry implements the registration directory.

A registration is a lease on a mailbox: an event log plus a delivery mode
(disabled, push or pull). The Registry owns every registration and
serializes all directory changes under one lock.

# Leases

Register and Renew ask a lease.Policy for the expiration. RunReaper sleeps
until the earliest expiration and removes registrations whose lease ran
out, deleting their logs. Cancel removes a registration immediately.

# Push delivery

A push-enabled registration with undelivered events is in exactly one of
two sets: pending (waiting for a worker) or active (a task is running).
The delivery engine takes work with WaitPending, walks the log with
NextDelivery and ResolveDelivery, and returns the registration with
FinishTask. Outcomes:

	Delivered   remove the event, continue
	Benign      remove the event, continue
	Rejected    remove and blacklist the event, continue
	Fatal       disable push delivery, keep the event
	Transient   keep the event; the engine retries or abandons the task

A head event abandoned DeadLetterAfter times in a row is moved to the
dead-letter store.

# Pull delivery

PullSnapshot switches a registration to pull mode and returns a token.
PullBatch acknowledges up to a cursor and returns the next batch, waiting
for new events when the log is empty. Every mode change bumps the
registration's generation, which invalidates outstanding tokens and
in-flight deliveries.

# Persistence

State changes are appended to a Journal; RunCheckpointer snapshots it after
CheckpointThreshold records and Recover rebuilds the directory at startup.
*/
package registry
