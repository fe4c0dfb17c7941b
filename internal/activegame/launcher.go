package activegame

import (
	"context"
	"errors"
)

var (
	// ErrLaunch wraps every failure of the launch pipeline.
	ErrLaunch = errors.New("game launch failed")

	ErrUnsupportedPlatform = errors.New("launching the game is only supported on windows")
)

type LaunchRequest struct {
	AppPath    string
	Args       []string
	WorkingDir string
}

// Launcher starts the game process suspended, so code can be injected before
// the game runs its own entry point.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (Process, error)
}

type Process interface {
	// Inject loads the library into the process and calls its init export
	// with the path crash dumps are written to.
	Inject(dllPath, errorDumpPath string) error
	Resume() error
	Terminate() error
	// Wait blocks until the process exits.
	Wait() (exitCode uint32, err error)
}
