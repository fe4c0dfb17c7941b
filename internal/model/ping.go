package model

import (
	"encoding/json"
	"fmt"
)

// PingBatch is the body of a ping report: one entry per measured server.
type PingBatch struct {
	Pings []PingEntry `json:"pings"`
}

// PingEntry is encoded as a [serverId, pingMs] pair.
type PingEntry struct {
	ServerID int64
	PingMs   float64
}

func (p PingEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.ServerID, p.PingMs})
}

func (p *PingEntry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("ping entry must be a [serverId, pingMs] pair, got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &p.ServerID); err != nil {
		return fmt.Errorf("invalid server id: %w", err)
	}
	if err := json.Unmarshal(pair[1], &p.PingMs); err != nil {
		return fmt.Errorf("invalid ping: %w", err)
	}
	return nil
}
