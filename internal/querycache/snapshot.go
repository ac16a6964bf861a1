package querycache

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/chirp/internal/rpc"
)

// Snapshot is the ordered set of prefetched results shipped with a pre-rendered page.
// Inputs and values carry the tagged encoding of the call boundary.
type Snapshot struct {
	Entries []SnapshotEntry `json:"entries"`
}

type SnapshotEntry struct {
	Procedure rpc.Procedure   `json:"procedure"`
	Input     json.RawMessage `json:"input"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Key returns the cache key the entry hydrates.
func (e SnapshotEntry) Key() rpc.Key {
	return rpc.Call{Procedure: e.Procedure, Input: e.Input}.Key()
}
