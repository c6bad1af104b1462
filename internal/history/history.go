// Package history persists queue status snapshots to analytics backends.
package history

import (
	"context"
	"time"
)

// Record is one persisted status snapshot of a channel.
type Record struct {
	Channel  string    `json:"channel"`
	Driver   string    `json:"driver"`
	TakenAt  time.Time `json:"taken_at"`
	Waiting  int64     `json:"waiting"`
	Reserved int64     `json:"reserved"`
	Delayed  int64     `json:"delayed"`
	Done     int64     `json:"done"`
	Failed   int64     `json:"failed"`
	Total    int64     `json:"total"`
}

// Sink is a destination for snapshot records.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, r Record) error
	Close() error
}

// DefaultTable is the table or index used when a DSN names none.
const DefaultTable = "qmaster_snapshots"
