package logging

import (
	"log/slog"
)

func Error(err error) slog.Attr {
	if err == nil {
		slog.Error("Going to log nil error")
		return slog.String("error", "<nil>")
	}
	return slog.String("error", err.Error())
}

func ServerID(id int64) slog.Attr {
	return slog.Int64("serverId", id)
}

func ClientID(client string) slog.Attr {
	return slog.String("clientId", client)
}

func GameID(gameID string) slog.Attr {
	return slog.String("gameId", gameID)
}

func RouteID(routeID string) slog.Attr {
	return slog.String("routeId", routeID)
}
