package service

import (
	"context"
	"fmt"

	"github.com/umputun/briefly/app/persistence"
)

// OpenBackend opens the storage selected by databaseURL: postgres if set, sqlite file at sqlitePath otherwise.
// Called once per process, the returned backend is shared by all requests.
func OpenBackend(ctx context.Context, databaseURL, sqlitePath string) (Backend, error) {
	switch persistence.SelectKind(databaseURL) {
	case persistence.KindPostgres:
		store, err := persistence.NewPostgresStore(ctx, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres backend: %w", err)
		}
		return store, nil
	default:
		store, err := persistence.NewSQLiteStore(sqlitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite backend at %q: %w", sqlitePath, err)
		}
		return store, nil
	}
}
