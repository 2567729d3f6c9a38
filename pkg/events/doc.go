/*
Package events provides an in-process pub/sub broker for registration
lifecycle events.

The registry publishes an Event when a registration is created, renewed,
canceled or expired, when its delivery mode changes, and when an event is
blacklisted or dead-lettered. Publishing never blocks: a full broker queue
or a slow subscriber drops the event and counts it in
mailroom_lifecycle_events_dropped_total.

Subscribe takes an optional list of event types; with none the subscriber
receives everything.

	sub := broker.Subscribe(events.EventRegistrationExpired, events.EventDeadLettered)
	defer broker.Unsubscribe(sub)
	for ev := range sub {
		logger.Info().Str("type", string(ev.Type)).Msg(ev.Message)
	}
*/
package events
