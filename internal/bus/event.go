package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds are dot-separated namespaces:
//
//	conn.*    connection state changes and abandonment
//	update.*  update log events (applied, mutated)
//	chat.*    chat lifecycle (created, deleted, blocked, members, ...)
//	message.* outbox send progress
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
