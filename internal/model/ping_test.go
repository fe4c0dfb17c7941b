package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPingBatch_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    []PingEntry
		wantErr bool
	}{
		{name: "pairs", body: `{"pings":[[1,20.5],[3,100]]}`, want: []PingEntry{{1, 20.5}, {3, 100}}},
		{name: "empty", body: `{"pings":[]}`, want: []PingEntry{}},
		{name: "fractional server id", body: `{"pings":[[1.5,20]]}`, wantErr: true},
		{name: "missing ping", body: `{"pings":[[1]]}`, wantErr: true},
		{name: "not a pair", body: `{"pings":[{"id":1}]}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var batch PingBatch
			err := json.Unmarshal([]byte(tt.body), &batch)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, batch.Pings)
		})
	}
}

func TestPingEntry_MarshalJSON(t *testing.T) {
	out, err := json.Marshal(PingBatch{Pings: []PingEntry{{ServerID: 2, PingMs: 31.25}}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"pings":[[2,31.25]]}`, string(out))
}
