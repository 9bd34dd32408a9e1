package app

import (
	"context"
	"errors"
	"fmt"

	"civitrack/internal/config"
	"civitrack/internal/engine"
	"civitrack/internal/repo"
)

// ResolveProjectAndConfig picks the active project and ensures it exists in
// the database, seeding RBAC defaults when it is created. It prefers the
// override, then single-project DB.
func ResolveProjectAndConfig(ctx context.Context, workspace, projectOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	projectID := projectOverride
	if projectID == "" {
		if p, err := r.SingleProject(ctx); err == nil {
			projectID = p.ID
		} else {
			return "", nil, fmt.Errorf("project not specified; use --project")
		}
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	if cfg == nil {
		cfg = config.Default(projectID)
	}
	cfg.Project.ID = projectID

	if _, err := r.GetProject(ctx, projectID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := CreateProject(ctx, r, projectID, projectID, cfg, actorID); err != nil {
			return "", nil, err
		}
	}
	return projectID, cfg, nil
}

// CreateProject inserts a project with its RBAC footprint from the config:
// every configured role and permission, plus the admin role for the creating
// actor. Thin wrapper over the engine so the CLI and HTTP create paths share
// one implementation.
func CreateProject(ctx context.Context, r repo.Repo, projectID, name string, cfg *config.Config, actorID string) error {
	e := engine.New(r.DB, cfg)
	_, err := e.InitProject(ctx, projectID, name, "", actorID)
	return err
}
