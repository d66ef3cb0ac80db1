// Package storage persists timer jobs, the executions they are bound to and
// the firing audit trail.
//
// Drivers:
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "memory": process-local state, lost on exit
//   - "file":   memory state snapshotted to JSON on every commit plus an
//     append-only JSON Lines audit log
//
// Every firing runs in a Tx so deleting the fired instance and inserting its
// successor commit or roll back together.
package storage
