/*
Package api implements the mailroom gRPC API server.

The Mailbox service is the only external interface of a mailroom daemon.
Producers call Notify to store events for a registration; consumers
register, keep their lease alive with Renew, and receive events either by
push (EnableDelivery) or by pulling them (PullSnapshot, PullBatch).

# Architecture

	┌──────────────── CLIENT (CLI / pkg/client) ────────────────┐
	│  grpc.ClientConn, content subtype "json"                    │
	└──────────────────────┬─────────────────────────────────────┘
	                       │ gRPC (default 127.0.0.1:7070)
	┌──────────────────────▼───── DAEMON ────────────────────────┐
	│  Interceptors: recovery -> metrics -> logging               │
	│                       │                                      │
	│  Server (pkg/api) ── validates ids, events, cursors          │
	│                       │                                      │
	│  Registry (pkg/registry) ── leases, event logs, delivery     │
	└──────────────────────────────────────────────────────────────┘

# Wire Format

The service is described by a hand-written grpc.ServiceDesc and its
messages are plain Go structs marshaled as JSON. The codec is registered
with google.golang.org/grpc/encoding under the name "json", so clients
must call with grpc.CallContentSubtype(CodecName). No generated protobuf
code is involved.

# Methods

  - Register, Renew, Cancel: lease lifecycle
  - EnableDelivery, DisableDelivery: push delivery control
  - Notify: store an event
  - PullSnapshot, PullBatch: pull delivery with acknowledgement cursors
  - GetRegistration, ListRegistrations, ListDeadLetters: read-only views

PullBatch waits for events up to the requested timeout, capped at
MaxPullTimeout.

# Errors

Registry errors are mapped to status codes by ToStatus:

	ErrUnknownLease     -> NotFound
	ErrInvalidIterator  -> FailedPrecondition
	ErrUnknownEvent     -> InvalidArgument
	ErrObjectGone       -> Aborted
	ErrInvalidTarget    -> InvalidArgument
	ErrClosed           -> Unavailable

Status messages start with a fixed reason so FromStatus can restore the
registry sentinel on the client side, keeping errors.Is usable across the
wire.

# Health

HealthServer exposes /health, /ready, /live and /metrics over plain HTTP
for probes and Prometheus scraping. Only GET is accepted.
*/
package api
