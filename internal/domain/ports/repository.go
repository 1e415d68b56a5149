package ports

import (
	"context"

	"trackstream/internal/domain"
)

type ListeningHistoryStore interface {
	Upsert(ctx context.Context, p domain.ListeningPosition) error
	Get(ctx context.Context, itemID string) (domain.ListeningPosition, error)
	ListRecent(ctx context.Context, limit int) ([]domain.ListeningPosition, error)
}

// CacheStatusMirror publishes changed cache statuses to a shared store.
type CacheStatusMirror interface {
	Apply(ctx context.Context, changed map[string]domain.CacheStatus) error
}
