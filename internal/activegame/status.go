package activegame

import (
	"fmt"
)

// GameStatus is the progress of a launched game. The happy path only moves
// forward.
type GameStatus int

const (
	StatusUnknown GameStatus = iota
	StatusLaunching
	StatusConfiguring
	StatusPlaying
	StatusFinished
	StatusError
)

var statusNames = [...]string{
	StatusUnknown:     "unknown",
	StatusLaunching:   "launching",
	StatusConfiguring: "configuring",
	StatusPlaying:     "playing",
	StatusFinished:    "finished",
	StatusError:       "error",
}

func (s GameStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("GameStatus(%d)", int(s))
	}
	return statusNames[s]
}

func (s GameStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *GameStatus) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if name == string(text) {
			*s = GameStatus(i)
			return nil
		}
	}
	return fmt.Errorf("unknown game status %q", text)
}

// Status is reported on every change. Extra carries a state specific
// payload: the setup sub-status while configuring, the error message on
// failure.
type Status struct {
	GameID string     `json:"gameId,omitempty"`
	State  GameStatus `json:"state"`
	Extra  any        `json:"extra,omitempty"`
}
