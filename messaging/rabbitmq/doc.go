// Package rabbitmq implements messaging.Bus on RabbitMQ using
// github.com/rabbitmq/amqp091-go.
//
// Topology: one durable topic exchange routed by event type, one durable
// queue per (service, event type) pair, and a shared dead-letter exchange
// and queue. Publishes use confirm mode; consumption uses manual
// acknowledgment with a bounded worker pool.
package rabbitmq
