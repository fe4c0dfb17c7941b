package activegame

import (
	"encoding/json"
)

const (
	EventStatus uint32 = iota + 0x10
	EventResults
	EventReplaySaved
)

// StatusEvent is published on every status change of the active game.
type StatusEvent struct {
	Status Status
}

func (StatusEvent) Type() uint32 { return EventStatus }

// ResultsEvent carries the result the game reported when it ended.
type ResultsEvent struct {
	GameID string
	Result json.RawMessage
}

func (ResultsEvent) Type() uint32 { return EventResults }

type ReplaySavedEvent struct {
	GameID string
	Path   string
}

func (ReplaySavedEvent) Type() uint32 { return EventReplaySaved }

// Commands sent to the game process.
const (
	CommandQuit           = "quit"
	CommandRoutes         = "routes"
	CommandSetupGame      = "setupGame"
	CommandLocalUser      = "localUser"
	CommandSettings       = "settings"
	CommandCleanupAndQuit = "cleanup_and_quit"
)

// Messages sent by the game process.
const (
	MessageSetupProgress = "setupProgress"
	MessageStart         = "start"
	MessageResult        = "result"
	MessageResultSent    = "resultSent"
	MessageFinished      = "finished"
	MessageReplaySave    = "replaySave"
)

// CommandSender delivers a command to the process of a game. It must not
// block; a command for a game that is not connected is dropped.
type CommandSender interface {
	SendCommand(gameID, command string, payload any)
}

// SetupProgress is the sub-status reported while the game configures
// itself.
type SetupProgress struct {
	State string `json:"state"`
	Extra any    `json:"extra,omitempty"`
}
