package usecase

import (
	"context"
	"log/slog"
	"time"

	"trackstream/internal/domain"
	"trackstream/internal/domain/ports"
)

const (
	defaultHistoryInterval = 5 * time.Second
	completionSlackMs      = 2000
)

type SnapshotSource interface {
	Subscribe() (<-chan domain.PlaybackSnapshot, func())
}

// RecordHistory persists the last listening position of each item from the
// playback snapshot stream. Writes are throttled to Interval while playing
// and forced when the item changes, playback pauses or the item ends.
type RecordHistory struct {
	Source   SnapshotSource
	Store    ports.ListeningHistoryStore
	Logger   *slog.Logger
	Interval time.Duration
	Now      func() time.Time
}

type historyState struct {
	last      domain.PlaybackSnapshot
	hasLast   bool
	savedAt   time.Time
	savedPos  int64
	savedItem string
}

func (uc RecordHistory) Run(ctx context.Context) {
	ch, unsubscribe := uc.Source.Subscribe()
	defer unsubscribe()

	var st historyState
	for {
		select {
		case <-ctx.Done():
			if st.hasLast {
				uc.save(context.Background(), &st, st.last)
			}
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			uc.observe(ctx, &st, snap)
		}
	}
}

func (uc RecordHistory) observe(ctx context.Context, st *historyState, snap domain.PlaybackSnapshot) {
	if st.hasLast && (snap.Item == nil || snap.Item.ID != st.last.Item.ID) {
		// Flush the outgoing item at its last known position.
		uc.save(ctx, st, st.last)
	}
	if snap.Item == nil || snap.Item.ID == "" {
		st.hasLast = false
		return
	}

	itemChanged := !st.hasLast || snap.Item.ID != st.last.Item.ID
	force := itemChanged ||
		snap.State == domain.TransportEnded ||
		(st.hasLast && st.last.IsPlaying && !snap.IsPlaying)

	st.last = snap
	st.hasLast = true

	if force || (snap.IsPlaying && uc.now().Sub(st.savedAt) >= uc.interval()) {
		uc.save(ctx, st, snap)
	}
}

func (uc RecordHistory) save(ctx context.Context, st *historyState, snap domain.PlaybackSnapshot) {
	if snap.Item == nil {
		return
	}
	if st.savedItem == snap.Item.ID && st.savedPos == snap.PositionMs && !st.savedAt.IsZero() &&
		snap.State != domain.TransportEnded {
		return
	}
	pos := domain.ListeningPosition{
		ItemID:     snap.Item.ID,
		Title:      snap.Item.Title,
		Artist:     snap.Item.Artist,
		PositionMs: snap.PositionMs,
		DurationMs: snap.DurationMs,
		Completed:  isCompleted(snap),
		UpdatedAt:  uc.now().UTC(),
	}
	if err := wrapRepo(uc.Store.Upsert(ctx, pos)); err != nil {
		if uc.Logger != nil {
			uc.Logger.Warn("listening history upsert failed",
				slog.String("itemId", pos.ItemID),
				slog.String("error", err.Error()))
		}
		return
	}
	st.savedAt = uc.now()
	st.savedPos = snap.PositionMs
	st.savedItem = snap.Item.ID
}

func isCompleted(snap domain.PlaybackSnapshot) bool {
	if snap.State == domain.TransportEnded {
		return true
	}
	return snap.DurationMs > 0 && snap.PositionMs >= snap.DurationMs-completionSlackMs
}

func (uc RecordHistory) interval() time.Duration {
	if uc.Interval <= 0 {
		return defaultHistoryInterval
	}
	return uc.Interval
}

func (uc RecordHistory) now() time.Time {
	if uc.Now != nil {
		return uc.Now()
	}
	return time.Now()
}
