// Package logging provides structured logging for the Apollo bridge.
//
// This package wraps Go's standard log/slog package so that every transport
// (broker, hub, control-plane socket) logs with the same shape.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Per-component child loggers (component=hub, component=mqtt, ...)
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Security
//
// Never log hub tokens, supervisor tokens, long-lived access tokens or
// passwords. Log the token's presence or length instead.
package logging
