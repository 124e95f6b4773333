// Package zap provides the production log.Logger implementation backed by
// go.uber.org/zap, with OpenTelemetry trace correlation.
package zap
