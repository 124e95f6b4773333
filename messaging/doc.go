// Package messaging defines the message bus abstraction shared by the
// outbox, the saga orchestrator, and command consumers.
//
// Delivery semantics are at-least-once with manual acknowledgment;
// consumers are expected to tolerate duplicates and reordering within a
// correlation id.
package messaging
