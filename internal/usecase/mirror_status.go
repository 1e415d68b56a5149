package usecase

import (
	"context"
	"log/slog"

	"trackstream/internal/domain"
	"trackstream/internal/domain/ports"
)

type StatusSource interface {
	Subscribe() (<-chan domain.StatusTable, func())
}

// MirrorStatus copies changed cache statuses into a CacheStatusMirror.
// Entries that failed to apply are retried with the next change.
type MirrorStatus struct {
	Source StatusSource
	Mirror ports.CacheStatusMirror
	Logger *slog.Logger
}

func (uc MirrorStatus) Run(ctx context.Context) {
	ch, unsubscribe := uc.Source.Subscribe()
	defer unsubscribe()

	var prev domain.StatusTable
	pending := map[string]domain.CacheStatus{}
	for {
		select {
		case <-ctx.Done():
			return
		case table, ok := <-ch:
			if !ok {
				return
			}
			for k, v := range table.Diff(prev) {
				pending[k] = v
			}
			prev = table
			if len(pending) == 0 {
				continue
			}
			if err := wrapMirror(uc.Mirror.Apply(ctx, pending)); err != nil {
				if uc.Logger != nil {
					uc.Logger.Warn("cache status mirror failed",
						slog.Int("entries", len(pending)),
						slog.String("error", err.Error()))
				}
				continue
			}
			pending = map[string]domain.CacheStatus{}
		}
	}
}
