package model

import "time"

// HistorySnapshot is an immutable copy of the Repositories collection taken
// just before a write that asked for history.
type HistorySnapshot struct {
	ID           string       `json:"id"`
	Timestamp    time.Time    `json:"timestamp"`
	Repositories []Repository `json:"repositories"`
}
