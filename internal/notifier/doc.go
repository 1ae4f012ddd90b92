// Package notifier tells an operator chat when a schedule fires.
//
// The service subscribes to schedule.firing and schedule.fired events on
// the event bus, formats a short message, and hands it to a worker that
// delivers it through a transport.Sender (the Telegram adapter in
// production). Delivery is rate limited and retried with backoff.
// Messages for the same rule and minute stamp are deduplicated within a
// window, so a restarted engine that re-fires cannot spam the chat.
//
// The engine never waits on the notifier: events are consumed from a
// buffered subscription and a full queue drops the message.
//
// # History
//
// For operator visibility, the service keeps a small in-memory history of
// recently sent notifications.
package notifier
