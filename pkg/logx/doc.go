// Package logx configures feedwatch's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - JSON output for log shippers (stderr or file)
//   - Live reconfiguration through Service.Apply
package logx
