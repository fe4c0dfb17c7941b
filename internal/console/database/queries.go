package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shieldbattery/shieldbattery/internal/model"
)

const (
	listRelayServers = `SELECT id, enabled, description, hostname, port
FROM relay_servers
ORDER BY id`

	listEnabledRelayServers = `SELECT id, enabled, description, hostname, port
FROM relay_servers
WHERE enabled = 1
ORDER BY id`

	getRelayServer = `SELECT id, enabled, description, hostname, port
FROM relay_servers
WHERE id = ?`

	createRelayServer = `INSERT INTO relay_servers (enabled, description, hostname, port)
VALUES (?, ?, ?, ?)
RETURNING id, enabled, description, hostname, port`

	updateRelayServer = `UPDATE relay_servers
SET enabled = ?, description = ?, hostname = ?, port = ?
WHERE id = ?
RETURNING id, enabled, description, hostname, port`

	setRelayServerEnabled = `UPDATE relay_servers
SET enabled = ?
WHERE id = ?
RETURNING id, enabled, description, hostname, port`

	deleteRelayServer = `DELETE FROM relay_servers WHERE id = ?`
)

// Queries holds the prepared statements of a single connection pool.
type Queries struct {
	db    *sql.DB
	stmts map[string]*sql.Stmt
}

func Prepare(ctx context.Context, db *sql.DB) (*Queries, error) {
	q := &Queries{db: db, stmts: make(map[string]*sql.Stmt)}
	for _, query := range []string{
		listRelayServers,
		listEnabledRelayServers,
		getRelayServer,
		createRelayServer,
		updateRelayServer,
		setRelayServerEnabled,
		deleteRelayServer,
	} {
		stmt, err := db.PrepareContext(ctx, query)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("error preparing query: %w", err), q.Close())
		}
		q.stmts[query] = stmt
	}
	return q, nil
}

func (q *Queries) Close() error {
	var errs []error
	for _, stmt := range q.stmts {
		if err := stmt.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	clear(q.stmts)
	return errors.Join(errs...)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRelayServer(row rowScanner) (model.RelayServer, error) {
	var s model.RelayServer
	err := row.Scan(&s.ID, &s.Enabled, &s.Description, &s.Hostname, &s.Port)
	return s, err
}

func (q *Queries) listRelayServers(ctx context.Context, query string) ([]model.RelayServer, error) {
	rows, err := q.stmts[query].QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []model.RelayServer
	for rows.Next() {
		s, err := scanRelayServer(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (q *Queries) ListRelayServers(ctx context.Context) ([]model.RelayServer, error) {
	return q.listRelayServers(ctx, listRelayServers)
}

func (q *Queries) ListEnabledRelayServers(ctx context.Context) ([]model.RelayServer, error) {
	return q.listRelayServers(ctx, listEnabledRelayServers)
}

func (q *Queries) GetRelayServer(ctx context.Context, id int64) (model.RelayServer, error) {
	return scanRelayServer(q.stmts[getRelayServer].QueryRowContext(ctx, id))
}

type CreateRelayServerParams struct {
	Enabled     bool
	Description string
	Hostname    string
	Port        int
}

func (q *Queries) CreateRelayServer(ctx context.Context, arg CreateRelayServerParams) (model.RelayServer, error) {
	row := q.stmts[createRelayServer].QueryRowContext(ctx, arg.Enabled, arg.Description, arg.Hostname, arg.Port)
	return scanRelayServer(row)
}

func (q *Queries) UpdateRelayServer(ctx context.Context, arg model.RelayServer) (model.RelayServer, error) {
	row := q.stmts[updateRelayServer].QueryRowContext(ctx, arg.Enabled, arg.Description, arg.Hostname, arg.Port, arg.ID)
	return scanRelayServer(row)
}

func (q *Queries) SetRelayServerEnabled(ctx context.Context, id int64, enabled bool) (model.RelayServer, error) {
	return scanRelayServer(q.stmts[setRelayServerEnabled].QueryRowContext(ctx, enabled, id))
}

func (q *Queries) DeleteRelayServer(ctx context.Context, id int64) (int64, error) {
	res, err := q.stmts[deleteRelayServer].ExecContext(ctx, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
