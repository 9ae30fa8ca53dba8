package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
	// Retention drops runs older than this on periodic pruning. 0 keeps
	// everything.
	Retention time.Duration
}

// RunRecord is one finished task execution.
// Keep it compact and schema-stable.
type RunRecord struct {
	At         time.Time
	TaskID     string
	Name       string
	TookMS     int64
	LatenessMS int64
	Error      string
}

// OK reports whether the run finished without error.
func (r RunRecord) OK() bool { return r.Error == "" }
