// Package log provides structured protocol logging for the external
// server.
//
// This package defines the Logger interface and Event types for
// capturing Fleet Protocol events per car session: frame traffic, state
// machine transitions and errors. It is separate from operational
// logging (slog) - protocol capture provides a complete machine-readable
// event trace for debugging a misbehaving car.
//
// # Basic Usage
//
// Sessions are configured with a Logger implementation:
//
//	// For development: log to console via slog
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// For production: write to binary file
//	cfg.ProtocolLogger, _ = log.NewFileLogger("/var/log/external-server/acme_v1.flog")
//
//	// Both: use MultiLogger
//	cfg.ProtocolLogger = log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fileLogger,
//	)
//
// # File Format
//
// Log files are a CBOR event stream with .flog extension; Reader
// iterates and filters them.
package log
