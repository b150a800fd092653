/*
Package events distributes lifecycle events inside the daemon and, when
configured, to NATS.

The Broker is an in-process fan-out: Publish enqueues without blocking,
a single goroutine copies each event to every subscriber's buffered channel,
and slow subscribers miss events rather than stall the lifecycle code.

NATSSink is one such subscriber. It encodes events as JSON and publishes them
on "<prefix>.<type>", so an operator can watch provisioning with

	nats sub 'spawner.instance.>'
*/
package events
