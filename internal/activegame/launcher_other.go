//go:build !windows

package activegame

import (
	"context"
)

type nativeLauncher struct{}

// NewNativeLauncher returns the launcher of the platform.
func NewNativeLauncher() Launcher { return nativeLauncher{} }

func (nativeLauncher) Launch(context.Context, LaunchRequest) (Process, error) {
	return nil, ErrUnsupportedPlatform
}
