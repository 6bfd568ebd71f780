// Package storage persists task run history so the status endpoint and
// alerts survive daemon restarts.
//
// Two drivers are available:
//   - "file": append-only JSON Lines journal, compacted periodically
//   - "sqlite": a SQLite database (pure Go driver, WAL mode)
package storage
