package mpv

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"trackstream/internal/domain"
	"trackstream/internal/domain/ports"
)

// Session drives one mpv instance over its JSON IPC socket. mpv only knows
// URLs, so the session keeps the item metadata for each playlist entry.
type Session struct {
	ipc    *ipcConn
	logger *slog.Logger
	onStop func() error

	mu        sync.Mutex
	queue     []domain.MediaItem
	listeners []ports.SessionListener

	closeOnce sync.Once
	closeErr  error
}

func newSession(ctx context.Context, socketPath string, logger *slog.Logger, onStop func() error) (*Session, error) {
	s := &Session{logger: logger, onStop: onStop}
	conn, err := dialIPC(ctx, socketPath, s.dispatch)
	if err != nil {
		return nil, err
	}
	s.ipc = conn
	for i, name := range observedProperties {
		if _, err := conn.command(ctx, "observe_property", i+1, name); err != nil {
			_ = conn.close()
			return nil, fmt.Errorf("observe %s: %w", name, err)
		}
	}
	return s, nil
}

func (s *Session) dispatch(msg ipcMessage) {
	ev, ok := translateEvent(msg)
	if !ok {
		return
	}
	s.mu.Lock()
	listeners := append([]ports.SessionListener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		l.OnSessionEvent(ev)
	}
}

func (s *Session) AddListener(l ports.SessionListener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

func (s *Session) RemoveListener(l ports.SessionListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.listeners {
		if cur == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// Status reads the transport properties and derives a SessionStatus from
// them. Properties mpv reports as unavailable read as zero values.
func (s *Session) Status(ctx context.Context) (domain.SessionStatus, error) {
	idle, err := s.boolProperty(ctx, "idle-active")
	if err != nil {
		return domain.SessionStatus{}, err
	}
	pos, _ := s.floatProperty(ctx, "playlist-pos")
	count, _ := s.floatProperty(ctx, "playlist-count")
	paused, _ := s.boolProperty(ctx, "pause")
	eof, _ := s.boolProperty(ctx, "eof-reached")
	buffering, _ := s.boolProperty(ctx, "paused-for-cache")
	timePos, _ := s.floatProperty(ctx, "time-pos")
	duration, _ := s.floatProperty(ctx, "duration")

	st := domain.SessionStatus{
		PositionMs: secondsToMs(timePos),
		DurationMs: secondsToMs(duration),
	}
	index := int(pos)
	switch {
	case idle || index < 0:
		st.State = domain.TransportIdle
	case eof:
		st.State = domain.TransportEnded
	case buffering:
		st.State = domain.TransportBuffering
	default:
		st.State = domain.TransportReady
	}
	st.IsPlaying = st.State == domain.TransportReady && !paused
	st.HasPrevious = index > 0
	st.HasNext = index >= 0 && index+1 < int(count)

	s.mu.Lock()
	if index >= 0 && index < len(s.queue) {
		item := s.queue[index]
		st.Item = &item
	}
	s.mu.Unlock()
	return st, nil
}

func (s *Session) Play(ctx context.Context) error {
	_, err := s.ipc.command(ctx, "set_property", "pause", false)
	return err
}

func (s *Session) Pause(ctx context.Context) error {
	_, err := s.ipc.command(ctx, "set_property", "pause", true)
	return err
}

func (s *Session) SeekTo(ctx context.Context, positionMs int64) error {
	_, err := s.ipc.command(ctx, "seek", float64(positionMs)/1000, "absolute")
	return err
}

func (s *Session) SkipNext(ctx context.Context) error {
	_, err := s.ipc.command(ctx, "playlist-next", "weak")
	return err
}

func (s *Session) SkipPrevious(ctx context.Context) error {
	_, err := s.ipc.command(ctx, "playlist-prev", "weak")
	return err
}

// SetItem replaces the playlist with item.
func (s *Session) SetItem(ctx context.Context, item domain.MediaItem) error {
	target, err := sanitizeMediaTarget(item.StreamURL)
	if err != nil {
		return err
	}
	if _, err := s.ipc.command(ctx, "loadfile", target, "replace"); err != nil {
		return err
	}
	s.mu.Lock()
	s.queue = []domain.MediaItem{item}
	s.mu.Unlock()
	return nil
}

// AddItem appends item to the playlist.
func (s *Session) AddItem(ctx context.Context, item domain.MediaItem) error {
	target, err := sanitizeMediaTarget(item.StreamURL)
	if err != nil {
		return err
	}
	if _, err := s.ipc.command(ctx, "loadfile", target, "append"); err != nil {
		return err
	}
	s.mu.Lock()
	s.queue = append(s.queue, item)
	s.mu.Unlock()
	return nil
}

func (s *Session) Stop(ctx context.Context) error {
	if _, err := s.ipc.command(ctx, "stop"); err != nil {
		return err
	}
	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()
	return nil
}

// Close drops the IPC connection and, for a spawned player, ends the process.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.ipc.close()
		if s.onStop != nil {
			if err := s.onStop(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}
	})
	return s.closeErr
}

func (s *Session) floatProperty(ctx context.Context, name string) (float64, error) {
	data, err := s.ipc.command(ctx, "get_property", name)
	if err != nil {
		return 0, err
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return 0, fmt.Errorf("property %s: %w", name, err)
	}
	return v, nil
}

func (s *Session) boolProperty(ctx context.Context, name string) (bool, error) {
	data, err := s.ipc.command(ctx, "get_property", name)
	if err != nil {
		return false, err
	}
	var v bool
	if err := json.Unmarshal(data, &v); err != nil {
		return false, fmt.Errorf("property %s: %w", name, err)
	}
	return v, nil
}

func secondsToMs(sec float64) int64 {
	if math.IsNaN(sec) || sec <= 0 {
		return 0
	}
	return int64(math.Round(sec * 1000))
}

// sanitizeMediaTarget rejects locators mpv would read as options.
func sanitizeMediaTarget(link string) (string, error) {
	l := strings.TrimSpace(link)
	if l == "" {
		return "", domain.ErrNoStreamURL
	}
	if strings.ContainsAny(l, "\x00\n\r") {
		return "", fmt.Errorf("invalid control characters in locator")
	}
	if strings.HasPrefix(l, "-") {
		return "", fmt.Errorf("locator must not start with '-'")
	}
	return l, nil
}
