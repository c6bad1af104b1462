package client

import "time"

// QueueCounts mirrors the per-state job counts of a channel.
type QueueCounts struct {
	Waiting  int64 `json:"waiting"`
	Reserved int64 `json:"reserved"`
	Delayed  int64 `json:"delayed"`
	Done     int64 `json:"done"`
	Failed   int64 `json:"failed"`
	Total    int64 `json:"total"`
}

// Snapshot is the last statistics snapshot taken by the supervisor.
type Snapshot struct {
	QueueCounts
	Channel string    `json:"channel"`
	Driver  string    `json:"driver"`
	TakenAt time.Time `json:"taken_at"`
}

// Status is the body of GET /status.
type Status struct {
	Channel  string           `json:"channel"`
	Running  bool             `json:"running"`
	State    string           `json:"state"`
	Queue    *QueueCounts     `json:"queue,omitempty"`
	Snapshot *Snapshot        `json:"snapshot,omitempty"`
	Workers  map[string]int32 `json:"workers,omitempty"`
}

// ErrorResponse is returned by the server on non-2xx responses.
type ErrorResponse struct {
	Error string `json:"error"`
}
