/*
Package metrics defines the Prometheus metrics and health endpoints of the
mailroom daemon.

All metrics are package-level variables registered with the default
Prometheus registry at init, so any package can update them without
plumbing. Gauges that describe directory state (registrations by mode,
pending events, open stream handles, applied journal index) are refreshed
periodically by the manager's collector; counters and histograms are
updated inline by the code that observes the event.

# Metrics Catalog

Registrations:

	mailroom_registrations_total{mode}          gauge    live registrations by delivery mode
	mailroom_registrations_expired_total        counter  registrations removed by the reaper
	mailroom_pending_events                     gauge    undelivered events across all logs

Event logs:

	mailroom_events_appended_total              counter  events appended by Notify
	mailroom_events_rejected_total              counter  notifications refused as blacklisted
	mailroom_events_dropped_total{reason}       counter  entries skipped (io, decode)
	mailroom_stream_handles{state}              gauge    pooled handles (available, in_use)

Delivery:

	mailroom_delivery_attempts_total{outcome}   counter  target invocations by class
	mailroom_delivery_latency_seconds           histogram
	mailroom_delivery_tasks_active              gauge
	mailroom_delivery_tasks_abandoned_total     counter
	mailroom_dead_letters_total                 counter

Journal and API:

	mailroom_journal_records_total{op}          counter
	mailroom_journal_snapshots_total            counter
	mailroom_raft_applied_index                 gauge
	mailroom_api_requests_total{method,status}  counter
	mailroom_api_request_duration_seconds{method} histogram

# Health

HealthChecker tracks named components. /health is unhealthy when any
registered component is; /ready additionally requires every critical
component (journal, delivery, api) to be registered. /live always answers
200 while the process runs.

	checker := metrics.DefaultHealthChecker()
	checker.Update(metrics.ComponentJournal, true, "")
	http.ListenAndServe(":9090", checker.Mux())

# Timing

	timer := metrics.NewTimer()
	err := target.Deliver(ctx, ev)
	timer.ObserveDuration(metrics.DeliveryLatency)
*/
package metrics
