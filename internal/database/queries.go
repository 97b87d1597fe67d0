package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by both *pgxpool.Pool and *pgx.Conn, letting Queries run
// unchanged against a pooled server process or a single CLI connection.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries is the provisioner's entire view of the relational store: app
// reads, the two deployment fields, and the build journal. No schema
// migrations, no app CRUD beyond that.
type Queries struct {
	db DBTX
}

// New wraps a connection or pool in Queries.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// GetApp reads the row by app_id. Returns pgx.ErrNoRows on miss.
func (q *Queries) GetApp(ctx context.Context, appID int64) (*App, error) {
	row := q.db.QueryRow(ctx, `
		SELECT app_id, slug, enabled, container_id, network_id
		FROM apps
		WHERE app_id = $1
	`, appID)

	var app App
	if err := row.Scan(&app.AppID, &app.Slug, &app.Enabled, &app.ContainerID, &app.NetworkID); err != nil {
		return nil, fmt.Errorf("get app %d: %w", appID, err)
	}
	return &app, nil
}

// SetAppDeployment persists the new container and network identifiers for
// appID, the only write the provisioner makes to apps.
func (q *Queries) SetAppDeployment(ctx context.Context, appID int64, containerID, networkID string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE apps
		SET container_id = $2, network_id = $3
		WHERE app_id = $1
	`, appID, containerID, networkID)
	if err != nil {
		return fmt.Errorf("set app deployment for %d: %w", appID, err)
	}
	return nil
}

// HasUnfinishedBuild reports whether appID already has a build row with
// ended_at IS NULL. Used by the session manager's per-app lock section to
// enforce at most one in-progress build per app.
func (q *Queries) HasUnfinishedBuild(ctx context.Context, appID int64) (bool, error) {
	row := q.db.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM builds WHERE app_id = $1 AND ended_at IS NULL)
	`, appID)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("check unfinished build for app %d: %w", appID, err)
	}
	return exists, nil
}

// CreateBuild inserts a new build row (events = empty, ended_at = null) and
// returns its id.
func (q *Queries) CreateBuild(ctx context.Context, appID int64) (int64, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO builds (app_id, started_at, ended_at, events)
		VALUES ($1, now(), NULL, ARRAY[]::text[])
		RETURNING build_id
	`, appID)

	var buildID int64
	if err := row.Scan(&buildID); err != nil {
		return 0, fmt.Errorf("create build for app %d: %w", appID, err)
	}
	return buildID, nil
}

// AppendBuildEvent appends the serialized event to the build's journal
// column. array_append keeps the column append-only and single-writer.
func (q *Queries) AppendBuildEvent(ctx context.Context, buildID int64, serialized []byte) error {
	_, err := q.db.Exec(ctx, `
		UPDATE builds
		SET events = array_append(events, $2)
		WHERE build_id = $1
	`, buildID, string(serialized))
	if err != nil {
		return fmt.Errorf("append event to build %d: %w", buildID, err)
	}
	return nil
}

// FinalizeBuild sets ended_at, freezing the build's events column.
func (q *Queries) FinalizeBuild(ctx context.Context, buildID int64) error {
	_, err := q.db.Exec(ctx, `
		UPDATE builds
		SET ended_at = $2
		WHERE build_id = $1
	`, buildID, time.Now())
	if err != nil {
		return fmt.Errorf("finalize build %d: %w", buildID, err)
	}
	return nil
}

// GetBuild reads a build row including its journaled events, for consumers
// that attach after the session's broadcast channel has already closed.
func (q *Queries) GetBuild(ctx context.Context, buildID int64) (*Build, error) {
	row := q.db.QueryRow(ctx, `
		SELECT build_id, app_id, started_at, ended_at, events
		FROM builds
		WHERE build_id = $1
	`, buildID)

	var b Build
	var events []string
	if err := row.Scan(&b.BuildID, &b.AppID, &b.StartedAt, &b.EndedAt, &events); err != nil {
		return nil, fmt.Errorf("get build %d: %w", buildID, err)
	}
	b.Events = make([][]byte, len(events))
	for i, e := range events {
		b.Events[i] = []byte(e)
	}
	return &b, nil
}
