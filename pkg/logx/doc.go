// Package logx configures bbmess's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - Optional file output JSON-structured
//   - Field helpers shared across packages
package logx
