// Package logx configures powersched's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional chat sink (min-level + rate limiting) for WARN/ERROR
//     events such as failed power actions
//
// A Service can be re-applied at runtime (config hot reload); loggers
// derived from it follow the new outputs without being recreated.
package logx
