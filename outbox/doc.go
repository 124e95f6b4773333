// Package outbox implements the transactional outbox: messages are written
// as records in the same database transaction as the domain change that
// produced them, then delivered to the message bus by an eager publish
// with a polling dispatcher as the safety net.
//
// Delivery is at-least-once. The dispatcher and the eager path may race on
// the same record; MarkProcessed resolves the race with a conditional
// claim, and duplicates that still slip onto the bus are the consumers'
// problem to deduplicate.
package outbox
