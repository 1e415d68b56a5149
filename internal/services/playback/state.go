package playback

import (
	"context"
	"log/slog"
	"time"

	"trackstream/internal/domain"
)

type sessionListener struct {
	bridge *Bridge
	gen    uint64
}

func (l *sessionListener) OnSessionEvent(ev domain.SessionEvent) {
	if ev.Kind == domain.EventError {
		l.bridge.post(func() { l.bridge.onPlayerError(l.gen, ev.Err) })
		return
	}
	l.bridge.enqueueRefresh(ev.Kind)
}

// enqueueRefresh coalesces bursts of events into one pending refresh.
func (b *Bridge) enqueueRefresh(kind domain.SessionEventKind) {
	b.pendingMu.Lock()
	if clearsError(kind) {
		b.pendingClear = true
	}
	queued := b.refreshQueue
	b.refreshQueue = true
	b.pendingMu.Unlock()
	if queued {
		return
	}

	b.post(func() {
		b.pendingMu.Lock()
		clearErr := b.pendingClear
		b.pendingClear = false
		b.refreshQueue = false
		b.pendingMu.Unlock()
		b.refresh(clearErr)
	})
}

func clearsError(kind domain.SessionEventKind) bool {
	switch kind {
	case domain.EventStateChanged, domain.EventItemTransition, domain.EventIsPlayingChanged:
		return true
	default:
		return false
	}
}

func (b *Bridge) onPlayerError(gen uint64, err error) {
	if gen != b.generation || b.session == nil {
		return
	}
	msg := "Player error"
	if err != nil {
		msg += ": " + err.Error()
	}
	b.logger.Error("player error", slog.String("error", msg))
	b.lastError = msg
	b.stopPolling()
	b.publish(withError(b.snapshot.Get(), msg))
}

// refresh re-derives the snapshot from the session and starts or stops
// position polling to match it.
func (b *Bridge) refresh(clearErr bool) {
	st, ok := b.sync(clearErr)
	if !ok {
		return
	}
	if st.IsPlaying && st.State == domain.TransportReady {
		b.startPolling()
	} else {
		b.stopPolling()
	}
}

func (b *Bridge) sync(clearErr bool) (domain.SessionStatus, bool) {
	if b.session == nil {
		return domain.SessionStatus{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	st, err := b.session.Status(ctx)
	if err != nil {
		b.logger.Warn("media session status failed", slog.String("error", err.Error()))
		return domain.SessionStatus{}, false
	}
	if clearErr && b.lastError != "" && (st.State == domain.TransportReady || st.IsPlaying) {
		b.lastError = ""
	}
	b.publish(deriveSnapshot(st, b.lastError))
	return st, true
}

func (b *Bridge) startPolling() {
	if b.pollCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.pollCancel = cancel
	b.pollToken++
	token := b.pollToken
	b.logger.Debug("position polling started")

	b.bg.Add(1)
	go func() {
		defer b.bg.Done()
		ticker := time.NewTicker(b.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// Skip the tick while the previous one is still queued.
				b.pendingMu.Lock()
				queued := b.tickQueued
				b.tickQueued = true
				b.pendingMu.Unlock()
				if queued {
					continue
				}
				ok := b.post(func() {
					b.pendingMu.Lock()
					b.tickQueued = false
					b.pendingMu.Unlock()
					if b.pollToken != token || b.pollCancel == nil {
						return
					}
					b.refresh(false)
				})
				if !ok {
					return
				}
			}
		}
	}()
}

// stopPolling ends position polling and takes one final sample so the
// snapshot holds the position at the moment playback stopped.
func (b *Bridge) stopPolling() {
	if b.pollCancel == nil {
		return
	}
	b.pollCancel()
	b.pollCancel = nil
	b.logger.Debug("position polling stopped")
	b.sync(false)
}

func deriveSnapshot(st domain.SessionStatus, errMsg string) domain.PlaybackSnapshot {
	dur := st.DurationMs
	if dur < 0 {
		dur = 0
	}
	pos := st.PositionMs
	if pos < 0 {
		pos = 0
	}
	if dur > 0 && pos > dur {
		pos = dur
	}
	state := st.State
	if state == "" {
		state = domain.TransportIdle
	}

	snap := domain.PlaybackSnapshot{
		State:       state,
		IsPlaying:   st.IsPlaying,
		PositionMs:  pos,
		DurationMs:  dur,
		HasNext:     st.HasNext,
		HasPrevious: st.HasPrevious,
		Error:       errMsg,
	}
	if st.Item != nil {
		snap.Item = &domain.SnapshotItem{
			ID:         st.Item.ID,
			Title:      st.Item.Title,
			Artist:     st.Item.Artist,
			Artwork:    st.Item.Artwork,
			DurationMs: st.Item.DurationMs,
		}
	}
	return snap
}

func withError(s domain.PlaybackSnapshot, msg string) domain.PlaybackSnapshot {
	s.Error = msg
	return s
}
