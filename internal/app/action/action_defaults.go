package action

import "time"

var (
	// Console
	defaultConsoleAddr = "localhost:5555"
	defaultConsoleURL  = "http://localhost:5555"
	defaultSessionTTL  = 24 * time.Hour

	// SQLite config
	defaultDatabasePath = "shieldbattery.sqlite"
	defaultDatabaseType = "memory"
)

var (
	// Relay
	defaultRelayAddr        = ":14098"
	defaultDevRelayAddr     = "127.0.0.1:14098"
	defaultRouteCreatorAddr = ":0"
	defaultRouteTimeout     = 5 * time.Second
	defaultRouteIdleTimeout = 5 * time.Minute
)

var (
	// Client
	defaultPingInterval = 10 * time.Second
	defaultProbeTimeout = 2 * time.Second
)

var (
	// Active game
	defaultGameAddr       = "127.0.0.1:5527"
	defaultGameServerPort = 5527
	defaultMapsDir        = "maps"
	defaultInjectDLL      = "shieldbattery.dll"
)
