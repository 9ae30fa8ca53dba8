// Package storage persists the task run history.
//
// Only finished runs are recorded; scheduled tasks themselves live in memory
// and are never persisted. The only backend is SQLite (modernc.org/sqlite,
// pure Go).
package storage
