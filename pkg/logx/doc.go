// Package logx configures hvqueue's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured, one event per line
//   - Runtime reconfiguration (level/sinks) without rebuilding component loggers
package logx
