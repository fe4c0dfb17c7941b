// Package activegame drives the single game launched on this machine, from
// the launch configuration to the exit of the game process.
package activegame

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/kelindar/event"
	"github.com/shieldbattery/shieldbattery/internal/app/logger/logging"
	"github.com/shieldbattery/shieldbattery/internal/metrics"
)

type ManagerConfig struct {
	// InjectDLLPath is the library loaded into the game before it runs.
	InjectDLLPath string
	// ErrorDumpDir receives the crash dumps of the game.
	ErrorDumpDir string
	// ServerPort is where the game connects back to, passed on its command
	// line.
	ServerPort int
}

type Option func(*ManagerConfig)

func WithInjectDLL(path string) Option {
	return func(c *ManagerConfig) { c.InjectDLLPath = path }
}

func WithErrorDumpDir(dir string) Option {
	return func(c *ManagerConfig) { c.ErrorDumpDir = dir }
}

func WithServerPort(port int) Option {
	return func(c *ManagerConfig) { c.ServerPort = port }
}

type activeGame struct {
	id        string
	config    Config
	routes    []GameRoute
	connected bool
}

// Manager holds at most one active game. Every handler first checks that
// the game it is called for is still the active one.
type Manager struct {
	config   ManagerConfig
	launcher Launcher
	maps     MapStore
	commands CommandSender
	bus      *event.Dispatcher
	logger   *slog.Logger
	newID    func() string

	mu     sync.Mutex
	active *activeGame
	status Status
}

func NewManager(launcher Launcher, maps MapStore, commands CommandSender, opts ...Option) *Manager {
	config := ManagerConfig{ServerPort: 5527}
	for _, fn := range opts {
		fn(&config)
	}

	return &Manager{
		config:   config,
		launcher: launcher,
		maps:     maps,
		commands: commands,
		bus:      event.NewDispatcher(),
		logger:   slog.With(slog.String("component", "active-game")),
		newID:    uuid.NewString,
	}
}

// Events publishes StatusEvent, ResultsEvent and ReplaySavedEvent.
func (m *Manager) Events() *event.Dispatcher { return m.bus }

func (m *Manager) Close() error { return m.bus.Close() }

// Status returns the last reported status. It outlives the game it belongs
// to.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// ActiveGameID returns the id of the active game, empty if there is none.
func (m *Manager) ActiveGameID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ""
	}
	return m.active.id
}

func (m *Manager) currentLocked(id string) bool {
	return m.active != nil && m.active.id == id
}

func (m *Manager) setStatusLocked(id string, state GameStatus, extra any) {
	m.status = Status{GameID: id, State: state, Extra: extra}
	metrics.GameStatusTransitions.WithLabelValues(state.String()).Inc()
	m.logger.Debug("Game status changed", logging.GameID(id), "state", state.String())

	event.Publish(m.bus, StatusEvent{Status: m.status})
}

// SetGameConfig launches a game for the config and returns its id without
// waiting for the launch. The same config again is a no-op. Any other
// config asks the running game to quit first; one without a setup only
// cancels.
func (m *Manager) SetGameConfig(config Config) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		if sameConfig(m.active.config, config) {
			return m.active.id
		}
		// TODO: Nothing checks that the superseded process actually exits.
		m.logger.Info("Quitting the previous game", logging.GameID(m.active.id))
		m.commands.SendCommand(m.active.id, CommandQuit, nil)
		m.active = nil
	}

	if config.Setup == nil {
		m.setStatusLocked("", StatusUnknown, nil)
		return ""
	}

	id := m.newID()
	m.active = &activeGame{id: id, config: config}
	m.setStatusLocked(id, StatusLaunching, nil)
	m.logger.Info("Launching game", logging.GameID(id), "map", config.Setup.Map.Name)

	go m.runGame(id, config)
	return id
}

// SetGameRoutes stores the relay routes of the game and sends them when the
// game is connected. Routes for any other game are dropped.
func (m *Manager) SetGameRoutes(id string, routes []GameRoute) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.currentLocked(id) {
		m.logger.Warn("Dropping routes of an inactive game", logging.GameID(id))
		return false
	}
	m.active.routes = routes
	if m.active.connected {
		m.commands.SendCommand(id, CommandRoutes, routes)
	}
	return true
}

func (m *Manager) runGame(id string, config Config) {
	proc, err := m.launchProcess(id, config)
	if err != nil {
		m.handleGameLaunchError(id, err)
		return
	}

	exitCode, err := proc.Wait()
	if err != nil {
		m.logger.Error("Could not wait for the game process", logging.GameID(id), logging.Error(err))
		return
	}
	m.HandleGameExit(id, exitCode)
}

type launchError struct {
	step string
	err  error
}

func (e *launchError) Error() string   { return fmt.Sprintf("%s: %s: %v", ErrLaunch, e.step, e.err) }
func (e *launchError) Unwrap() []error { return []error{ErrLaunch, e.err} }

func (m *Manager) launchProcess(id string, config Config) (Process, error) {
	starcraftPath := config.Settings.Local.StarcraftPath
	if starcraftPath == "" {
		return nil, &launchError{"validate", errors.New("StarCraft path is not set")}
	}
	if err := checkFile(m.config.InjectDLLPath); err != nil {
		return nil, &launchError{"validate", fmt.Errorf("injectable library: %w", err)}
	}
	appPath := filepath.Join(starcraftPath, "StarCraft.exe")
	if err := checkFile(appPath); err != nil {
		return nil, &launchError{"validate", fmt.Errorf("game executable: %w", err)}
	}

	proc, err := m.launcher.Launch(context.Background(), LaunchRequest{
		AppPath:    appPath,
		Args:       []string{"--game-id", id, "--server-port", strconv.Itoa(m.config.ServerPort)},
		WorkingDir: starcraftPath,
	})
	if err != nil {
		return nil, &launchError{"launch", err}
	}

	dumpPath := filepath.Join(m.config.ErrorDumpDir, "game-"+id+".dmp")
	if err := proc.Inject(m.config.InjectDLLPath, dumpPath); err != nil {
		m.terminate(id, proc)
		return nil, &launchError{"inject", err}
	}
	if err := proc.Resume(); err != nil {
		m.terminate(id, proc)
		return nil, &launchError{"resume", err}
	}
	return proc, nil
}

func (m *Manager) terminate(id string, proc Process) {
	if err := proc.Terminate(); err != nil {
		m.logger.Warn("Could not terminate the game process", logging.GameID(id), logging.Error(err))
	}
}

func checkFile(path string) error {
	if path == "" {
		return errors.New("path is not set")
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}

func (m *Manager) handleGameLaunchError(id string, err error) {
	step := "unknown"
	var le *launchError
	if errors.As(err, &le) {
		step = le.step
	}
	metrics.GameLaunchFailures.WithLabelValues(step).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.currentLocked(id) {
		m.logger.Info("Launch of a superseded game failed", logging.GameID(id), logging.Error(err))
		return
	}
	m.logger.Error("Game launch failed", logging.GameID(id), logging.Error(err))
	m.setStatusLocked(id, StatusError, err.Error())
	m.active = nil
}

type setupGamePayload struct {
	GameSetup
	GameID  string `json:"gameId"`
	MapPath string `json:"mapPath"`
}

// HandleGameConnected configures the game that connected back. A process of
// any other game is orphaned and told to quit.
func (m *Manager) HandleGameConnected(id string) {
	m.mu.Lock()
	if !m.currentLocked(id) {
		m.mu.Unlock()
		m.logger.Warn("Orphaned game connected, quitting it", logging.GameID(id))
		m.commands.SendCommand(id, CommandQuit, nil)
		return
	}
	game := m.active
	game.connected = true
	m.setStatusLocked(id, StatusConfiguring, nil)
	setup := *game.config.Setup
	m.mu.Unlock()

	mapPath, err := m.maps.MapPath(setup.Map.Hash, setup.Map.Format)
	if err != nil {
		m.handleGameLaunchError(id, &launchError{"map", err})
		m.commands.SendCommand(id, CommandQuit, nil)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.currentLocked(id) {
		return
	}

	m.commands.SendCommand(id, CommandSettings, game.config.Settings)
	m.commands.SendCommand(id, CommandLocalUser, game.config.LocalUser)
	if len(game.routes) > 0 {
		m.commands.SendCommand(id, CommandRoutes, game.routes)
	}
	m.commands.SendCommand(id, CommandSetupGame, setupGamePayload{
		GameSetup: setup,
		GameID:    id,
		MapPath:   mapPath,
	})
}

func (m *Manager) HandleSetupProgress(id string, info SetupProgress) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.currentLocked(id) && m.status.State == StatusConfiguring {
		m.setStatusLocked(id, StatusConfiguring, info)
	}
}

func (m *Manager) HandleGameStart(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.currentLocked(id) && m.status.State < StatusPlaying {
		m.setStatusLocked(id, StatusPlaying, nil)
	}
}

// HandleGameResult publishes the result of the game, which has ended.
func (m *Manager) HandleGameResult(id string, result json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.currentLocked(id) {
		return
	}
	if m.status.State < StatusFinished {
		m.setStatusLocked(id, StatusFinished, nil)
	}
	event.Publish(m.bus, ResultsEvent{GameID: id, Result: result})
}

func (m *Manager) HandleResultSent(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.currentLocked(id) && m.status.State == StatusFinished {
		m.setStatusLocked(id, StatusFinished, map[string]bool{"resultSent": true})
	}
}

// HandleGameFinished is called once the game has nothing left to do, it is
// told to clean up and quit.
func (m *Manager) HandleGameFinished(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.currentLocked(id) {
		return
	}
	if m.status.State < StatusFinished {
		m.setStatusLocked(id, StatusFinished, nil)
	}
	m.commands.SendCommand(id, CommandCleanupAndQuit, nil)
}

func (m *Manager) HandleReplaySave(id string, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.currentLocked(id) {
		event.Publish(m.bus, ReplaySavedEvent{GameID: id, Path: path})
	}
}

// HandleGameExit ends the lifecycle of the game. An exit after the game
// started is a lost connection, the result may still count. An exit before
// is a failed launch.
func (m *Manager) HandleGameExit(id string, exitCode uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.currentLocked(id) {
		m.logger.Debug("Superseded game exited", logging.GameID(id), "exitCode", exitCode)
		return
	}

	switch state := m.status.State; {
	case state >= StatusFinished:
	case state >= StatusPlaying:
		m.logger.Warn("Game exited while playing", logging.GameID(id), "exitCode", exitCode)
		m.setStatusLocked(id, StatusUnknown, nil)
	default:
		m.logger.Error("Game exited before it started", logging.GameID(id), "exitCode", exitCode)
		m.setStatusLocked(id, StatusError, fmt.Sprintf("Game exited unexpectedly with code 0x%x", exitCode))
	}
	m.active = nil
}

var ErrGameInactive = errors.New("game is no longer active")

// WaitForActiveGame returns nil once the game is playing and an error if it
// failed or was replaced. There is no timeout, ctx has to carry one.
func WaitForActiveGame(ctx context.Context, m *Manager, id string) error {
	updates := make(chan Status)
	done := make(chan struct{})

	unsubscribe := event.SubscribeTo(m.bus, EventStatus, func(ev StatusEvent) {
		select {
		case updates <- ev.Status:
		case <-done:
		}
	})
	defer unsubscribe()
	// Releases a handler blocked on updates before unsubscribing.
	defer close(done)

	check := func(status Status) (bool, error) {
		switch {
		case status.GameID != id:
			return true, fmt.Errorf("%w: %s", ErrGameInactive, id)
		case status.State == StatusPlaying:
			return true, nil
		case status.State == StatusError:
			return true, fmt.Errorf("%w: %v", ErrLaunch, status.Extra)
		case status.State == StatusUnknown || status.State == StatusFinished:
			return true, fmt.Errorf("%w: %s", ErrGameInactive, id)
		}
		return false, nil
	}

	if finished, err := check(m.Status()); finished {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case status := <-updates:
			if finished, err := check(status); finished {
				return err
			}
		}
	}
}
