package database

import (
	"context"
	"fmt"

	"github.com/hackclub/haas/internal/provisioner"
)

// AppStore adapts a Port to provisioner.AppStore, the narrow slice of app
// row access the Deployer needs. Each call runs in its own transaction;
// the Deployer issues at most one GetApp and one SetAppDeployment per
// Deploy invocation, so there is no cross-call atomicity to preserve.
type AppStore struct {
	db Port
}

// NewAppStore constructs an AppStore over db.
func NewAppStore(db Port) *AppStore {
	return &AppStore{db: db}
}

func (a *AppStore) GetApp(ctx context.Context, appID int64) (*provisioner.App, error) {
	var app *App
	err := a.db.Run(ctx, func(ctx context.Context, q *Queries) error {
		var err error
		app, err = q.GetApp(ctx, appID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read app %d: %w", appID, err)
	}
	return &provisioner.App{
		AppID:       app.AppID,
		Slug:        app.Slug,
		Enabled:     app.Enabled,
		ContainerID: app.ContainerID,
		NetworkID:   app.NetworkID,
	}, nil
}

func (a *AppStore) SetAppDeployment(ctx context.Context, appID int64, containerID, networkID string) error {
	return a.db.Run(ctx, func(ctx context.Context, q *Queries) error {
		return q.SetAppDeployment(ctx, appID, containerID, networkID)
	})
}
