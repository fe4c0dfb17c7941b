package activegame

import (
	"github.com/google/go-cmp/cmp"
	"github.com/shieldbattery/shieldbattery/internal/model"
)

// Config is what the launcher is told to start. A config without Setup
// cancels the pending launch.
type Config struct {
	Setup     *GameSetup `json:"setup,omitempty"`
	Settings  Settings   `json:"settings"`
	LocalUser LocalUser  `json:"localUser"`
}

type GameSetup struct {
	Name        string   `json:"name"`
	Map         MapInfo  `json:"map"`
	GameType    string   `json:"gameType"`
	GameSubType int      `json:"gameSubType,omitempty"`
	Slots       []Slot   `json:"slots"`
	Host        Slot     `json:"host"`
	Seed        uint32   `json:"seed"`
	ResultCode  string   `json:"resultCode,omitempty"`
	ServerURL   string   `json:"serverUrl,omitempty"`
	Extra       []string `json:"extra,omitempty"`
}

type MapInfo struct {
	Hash   string `json:"hash"`
	Format string `json:"format"`
	Name   string `json:"name,omitempty"`
}

type Slot struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Name   string `json:"name"`
	Race   string `json:"race"`
	TeamID int    `json:"teamId,omitempty"`
	UserID int64  `json:"userId,omitempty"`
}

type Settings struct {
	Local LocalSettings `json:"local"`
}

type LocalSettings struct {
	StarcraftPath string `json:"starcraftPath"`
}

type LocalUser struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// sameConfig compares by value, two configs decoded from the same request
// are the same.
func sameConfig(a, b Config) bool {
	return cmp.Equal(a, b)
}

// GameRoute is the relay route to one of the other players.
type GameRoute struct {
	For      int64             `json:"for"`
	Server   model.RouteServer `json:"server"`
	RouteID  string            `json:"routeId"`
	PlayerID uint32            `json:"playerId"`
}
