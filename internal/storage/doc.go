// Package storage persists the delivery audit trail and the toast dedup
// windows so both survive restarts.
//
// Drivers:
//   - "file": JSON Lines audit plus a dedup snapshot and journal
//   - "sqlite": a single SQLite database (modernc.org/sqlite, no cgo)
package storage
