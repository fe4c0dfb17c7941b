// Package servers keeps the list of rally-point servers and resolves their
// hostnames into the addresses routes are created against.
package servers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shieldbattery/shieldbattery/internal/app/logger/logging"
	"github.com/shieldbattery/shieldbattery/internal/metrics"
	"github.com/shieldbattery/shieldbattery/internal/model"
)

// ErrNotFound is returned when an operation targets a server id that is not
// stored.
var ErrNotFound = errors.New("relay server not found")

// Store persists the servers. It is implemented by the database package.
type Store interface {
	RetrieveAll(ctx context.Context) ([]model.RelayServer, error)
	RetrieveEnabled(ctx context.Context) ([]model.RelayServer, error)
	Retrieve(ctx context.Context, id int64) (model.RelayServer, bool, error)
	Add(ctx context.Context, server model.RelayServer) (model.RelayServer, error)
	Update(ctx context.Context, server model.RelayServer) (model.RelayServer, bool, error)
	SetEnabled(ctx context.Context, id int64, enabled bool) (model.RelayServer, bool, error)
	Delete(ctx context.Context, id int64) (bool, error)
}

type Directory struct {
	store    Store
	resolver *Resolver
	logger   *slog.Logger
}

func NewDirectory(store Store, resolver *Resolver) *Directory {
	if resolver == nil {
		resolver = NewResolver(nil)
	}
	return &Directory{
		store:    store,
		resolver: resolver,
		logger:   slog.With(slog.String("component", "server-directory")),
	}
}

// RetrieveAll loads every stored server ordered by id.
func (d *Directory) RetrieveAll(ctx context.Context) ([]model.RelayServer, error) {
	return d.store.RetrieveAll(ctx)
}

// RetrieveEnabled loads the enabled servers ordered by id.
func (d *Directory) RetrieveEnabled(ctx context.Context) ([]model.RelayServer, error) {
	return d.store.RetrieveEnabled(ctx)
}

func (d *Directory) Add(ctx context.Context, server model.RelayServer) (model.RelayServer, error) {
	stored, err := d.store.Add(ctx, server)
	if err != nil {
		return model.RelayServer{}, fmt.Errorf("could not add relay server: %w", err)
	}
	return stored, nil
}

// Update stores every field of the server, returning ErrNotFound if there is
// no server with its id.
func (d *Directory) Update(ctx context.Context, server model.RelayServer) (model.RelayServer, error) {
	stored, found, err := d.store.Update(ctx, server)
	if err != nil {
		return model.RelayServer{}, fmt.Errorf("could not update relay server %d: %w", server.ID, err)
	}
	if !found {
		return model.RelayServer{}, ErrNotFound
	}
	return stored, nil
}

func (d *Directory) Delete(ctx context.Context, id int64) error {
	found, err := d.store.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("could not delete relay server %d: %w", id, err)
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

// Resolve looks up the addresses of the server. If neither address family
// resolves, the server is stored as disabled and ok is false; the returned
// record then carries the disabled row. err is only set when disabling the
// server could not be persisted.
func (d *Directory) Resolve(ctx context.Context, server model.RelayServer) (resolved model.ResolvedRelayServer, ok bool, err error) {
	address4, address6, resolveErr := d.resolver.Resolve(ctx, server.Hostname)
	if resolveErr == nil {
		return model.ResolvedRelayServer{
			RelayServer: server,
			Address4:    address4,
			Address6:    address6,
		}, true, nil
	}

	d.logger.Warn("Could not resolve relay server, disabling it",
		logging.ServerID(server.ID),
		"hostname", server.Hostname,
		logging.Error(resolveErr))
	metrics.ResolveFailures.Inc()

	disabled, found, err := d.store.SetEnabled(ctx, server.ID, false)
	if err != nil {
		return model.ResolvedRelayServer{}, false, fmt.Errorf("could not disable relay server %d: %w", server.ID, err)
	}
	if !found {
		// Deleted in the meantime, report it as disabled all the same.
		disabled = server
		disabled.Enabled = false
	}
	return model.ResolvedRelayServer{RelayServer: disabled}, false, nil
}
