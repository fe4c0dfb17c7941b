package database

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shieldbattery/shieldbattery/internal/model"
)

// RelayServerStore persists the rally-point servers. Reads go through the
// reader pool, writes through the writer.
type RelayServerStore struct {
	Read  *Queries
	Write *Queries
}

func (s *RelayServerStore) RetrieveAll(ctx context.Context) ([]model.RelayServer, error) {
	return s.Read.ListRelayServers(ctx)
}

func (s *RelayServerStore) RetrieveEnabled(ctx context.Context) ([]model.RelayServer, error) {
	return s.Read.ListEnabledRelayServers(ctx)
}

// Retrieve returns the server with the given id, found is false when there
// is no such row.
func (s *RelayServerStore) Retrieve(ctx context.Context, id int64) (server model.RelayServer, found bool, err error) {
	return notFound(s.Read.GetRelayServer(ctx, id))
}

func (s *RelayServerStore) Add(ctx context.Context, server model.RelayServer) (model.RelayServer, error) {
	return s.Write.CreateRelayServer(ctx, CreateRelayServerParams{
		Enabled:     server.Enabled,
		Description: server.Description,
		Hostname:    server.Hostname,
		Port:        server.Port,
	})
}

// Update replaces every column of the row with the id of the server. found
// is false when no row matched.
func (s *RelayServerStore) Update(ctx context.Context, server model.RelayServer) (updated model.RelayServer, found bool, err error) {
	return notFound(s.Write.UpdateRelayServer(ctx, server))
}

func (s *RelayServerStore) SetEnabled(ctx context.Context, id int64, enabled bool) (updated model.RelayServer, found bool, err error) {
	return notFound(s.Write.SetRelayServerEnabled(ctx, id, enabled))
}

func (s *RelayServerStore) Delete(ctx context.Context, id int64) (found bool, err error) {
	n, err := s.Write.DeleteRelayServer(ctx, id)
	return n > 0, err
}

func notFound(server model.RelayServer, err error) (model.RelayServer, bool, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return model.RelayServer{}, false, nil
	}
	if err != nil {
		return model.RelayServer{}, false, err
	}
	return server, true, nil
}
