// Package pkg provides shared utilities for the chaindma DMA engine.
//
// This package contains common functionality used across the descriptor
// framework and the SPI chain engine, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error types for descriptor and chain errors
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with engine-specific context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentCache, "cache prefilled", "count", 4)
//
// # Errors
//
// Common engine errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrNoMemory) {
//	    // Handle descriptor exhaustion
//	}
package pkg
