package domain

import (
	"encoding/json"
	"time"
)

// ChainEvent is one decoded contract event from the external event log.
// Rows are write-once: the indexer inserts them, everything else reads.
// ID is the local monotonically increasing position the bridge cursors by.
type ChainEvent struct {
	ID         int64
	BlockHash  string
	TxID       string
	LogIndex   int
	Contract   string
	Name       string
	Args       json.RawMessage
	IngestedAt time.Time
}

// ArgMap decodes the argument bag. Returns an empty map on malformed args
// so handlers can reject by field absence instead of panicking.
func (e *ChainEvent) ArgMap() map[string]any {
	out := make(map[string]any)
	if len(e.Args) > 0 {
		_ = json.Unmarshal(e.Args, &out)
	}
	return out
}
