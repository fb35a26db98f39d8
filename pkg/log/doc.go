// Package log provides structured protocol logging for transport chains.
//
// This package defines the Logger interface and Event types for capturing
// protocol-level events at every layer of a chain (TCP, TLS, proxy,
// WebSocket). It is separate from operational logging (slog) - protocol
// capture provides a complete machine-readable event trace for debugging.
//
// # Basic Usage
//
// Transports accept a Logger in their configuration:
//
//	// For development: log to console via slog
//	cfg.Logger = log.NewSlogAdapter(slog.Default())
//
//	// For production: write to binary file
//	cfg.Logger, _ = log.NewFileLogger("/var/log/chainport/client.clog")
//
//	// Both: use MultiLogger
//	cfg.Logger = log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fileLogger,
//	)
//
// # Event Types
//
// Events are captured per layer:
//   - Frames: WebSocket frame headers and (truncated) payload (FrameEvent)
//   - State: connect, close and destroy transitions (StateChangeEvent)
//   - Control: ping/pong/close frames (ControlMsgEvent)
//   - Errors: failures with the operation that caused them (ErrorEventData)
//
// # File Format
//
// Log files use CBOR encoding with the .clog extension. The chainport CLI
// prints them with "chainport events".
package log
