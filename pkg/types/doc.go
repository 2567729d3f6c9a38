/*
Package types defines the data model shared by every mailroom package.

# Core Types

  - Event: a notification identified by (Source, SeqID). Two events with
    the same identity are the same logical event, which is how blacklisting
    and duplicate suppression work.
  - RegistrationID: a UUID naming one registration.
  - Lease: the grant returned by Register.
  - DeliveryMode: disabled, push or pull.
  - TargetSpec: the URL and headers a push target is resolved from.
  - RegistrationInfo: the read-only view served by the API.
  - RegistrationRecord: the persisted registration state, without events.
  - DeadLetter: an event removed after repeated delivery abandonment.

All types marshal to JSON; the API and the journal both rely on it.
*/
package types
