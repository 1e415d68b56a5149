package usecase

import (
	"context"
	"log/slog"
	"strings"

	"trackstream/internal/domain"
)

type Prefetcher interface {
	RequestPrefetch(locator string, length int64)
}

// PrefetchTracks warms the cache for a list of visible tracks. Tracks
// without a stream URL are skipped.
type PrefetchTracks struct {
	Cache  Prefetcher
	Logger *slog.Logger
}

type PrefetchTracksResult struct {
	Requested int      `json:"requested"`
	Skipped   []string `json:"skipped"`
}

func (uc PrefetchTracks) Execute(ctx context.Context, tracks []domain.Track) PrefetchTracksResult {
	res := PrefetchTracksResult{Skipped: []string{}}
	for _, t := range tracks {
		if ctx.Err() != nil {
			break
		}
		locator := strings.TrimSpace(t.StreamURL)
		if locator == "" {
			res.Skipped = append(res.Skipped, t.ID)
			continue
		}
		uc.Cache.RequestPrefetch(locator, 0)
		res.Requested++
	}
	if uc.Logger != nil && res.Requested > 0 {
		uc.Logger.Debug("prefetch tracks requested",
			slog.Int("requested", res.Requested),
			slog.Int("skipped", len(res.Skipped)))
	}
	return res
}
