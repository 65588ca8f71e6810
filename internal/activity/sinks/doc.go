// Package sinks contains activity.Sink implementations: structured logging,
// Prometheus collectors and durable storage.
package sinks
