// Package logger provides a small wrapper around zap to offer:
//   - a global sugared logger with a console encoder suited to device journals,
//   - context helpers (ToContext/FromContext/WithName/WithKV),
//   - level configuration and parsing utilities,
//   - convenience functions (Infof, ErrorKV, etc.).
//
// Every component of the daemon takes a context and extracts the logger from it,
// so cycle-scoped fields such as cycle_id follow the work through the call tree.
package logger
