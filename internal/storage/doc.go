// Package storage persists dedup records and per-source prior values.
//
// The only backend is an embedded SQLite database (modernc.org/sqlite, no cgo).
// It holds two tables:
//   - dedup: one row per fingerprint ever delivered, with first/last seen times
//   - last_value: prior values keyed by (source, natural key, field), used by
//     threshold and replace-top-N policies
package storage
