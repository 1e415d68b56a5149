package ports

import (
	"context"

	"trackstream/internal/domain"
)

type SessionProvider interface {
	Connect(ctx context.Context) (MediaSession, error)
}

// MediaSession is a live handle to a playback session. Listeners are
// invoked from the session's own goroutine and must not block.
type MediaSession interface {
	Status(ctx context.Context) (domain.SessionStatus, error)
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	SeekTo(ctx context.Context, positionMs int64) error
	SkipNext(ctx context.Context) error
	SkipPrevious(ctx context.Context) error
	SetItem(ctx context.Context, item domain.MediaItem) error
	AddItem(ctx context.Context, item domain.MediaItem) error
	Stop(ctx context.Context) error
	AddListener(l SessionListener)
	RemoveListener(l SessionListener)
	Close() error
}

type SessionListener interface {
	OnSessionEvent(ev domain.SessionEvent)
}
