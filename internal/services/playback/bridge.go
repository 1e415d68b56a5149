package playback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"trackstream/internal/domain"
	"trackstream/internal/domain/ports"
	"trackstream/internal/metrics"
	"trackstream/internal/observable"
)

type ConnState string

const (
	Disconnected ConnState = "disconnected"
	Connecting   ConnState = "connecting"
	Connected    ConnState = "connected"
)

const (
	DefaultPollInterval   = 500 * time.Millisecond
	defaultConnectTimeout = 10 * time.Second
	commandTimeout        = 5 * time.Second
)

type Config struct {
	Provider     ports.SessionProvider
	Logger       *slog.Logger
	PollInterval time.Duration
	// ConnectTimeout bounds session acquisition. Zero uses the default;
	// a negative value waits indefinitely.
	ConnectTimeout time.Duration
}

// Bridge mirrors a media session into an observable PlaybackSnapshot and
// forwards transport commands to it. Every mutation of bridge state runs on
// a single executor goroutine; public methods are safe from any goroutine.
type Bridge struct {
	provider       ports.SessionProvider
	logger         *slog.Logger
	pollInterval   time.Duration
	connectTimeout time.Duration

	snapshot  *observable.Value[domain.PlaybackSnapshot]
	connState *observable.Value[ConnState]

	ops       chan func()
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	bg        sync.WaitGroup

	pendingMu    sync.Mutex
	refreshQueue bool
	pendingClear bool
	tickQueued   bool

	// Owned by the executor goroutine.
	state      ConnState
	generation uint64
	session    ports.MediaSession
	listener   *sessionListener
	connCancel context.CancelFunc
	pollCancel context.CancelFunc
	pollToken  uint64
	lastError  string
}

func NewBridge(cfg Config) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = defaultConnectTimeout
	}

	b := &Bridge{
		provider:       cfg.Provider,
		logger:         logger,
		pollInterval:   interval,
		connectTimeout: connectTimeout,
		snapshot:       observable.New(domain.DefaultSnapshot(), domain.PlaybackSnapshot.Equal),
		connState:      observable.New(Disconnected, func(a, b ConnState) bool { return a == b }),
		ops:            make(chan func(), 64),
		quit:           make(chan struct{}),
		stopped:        make(chan struct{}),
		state:          Disconnected,
	}
	go b.loop()
	return b
}

func (b *Bridge) loop() {
	defer close(b.stopped)
	for {
		select {
		case op := <-b.ops:
			op()
		case <-b.quit:
			return
		}
	}
}

// post queues fn on the executor. It reports false once the bridge is closed.
func (b *Bridge) post(fn func()) bool {
	select {
	case <-b.quit:
		return false
	default:
	}
	select {
	case b.ops <- fn:
		return true
	case <-b.quit:
		return false
	}
}

// call runs fn on the executor and waits for it.
func (b *Bridge) call(fn func()) bool {
	done := make(chan struct{})
	if !b.post(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-b.stopped:
		return false
	}
}

func (b *Bridge) Snapshot() domain.PlaybackSnapshot {
	return b.snapshot.Get()
}

// Subscribe streams snapshots, starting with the current one.
func (b *Bridge) Subscribe() (<-chan domain.PlaybackSnapshot, func()) {
	return b.snapshot.Subscribe()
}

func (b *Bridge) ConnectionState() ConnState {
	return b.connState.Get()
}

func (b *Bridge) SubscribeConnection() (<-chan ConnState, func()) {
	return b.connState.Subscribe()
}

// Connect starts acquiring a media session. It returns immediately; the
// outcome is observable through ConnectionState and Snapshot. Calls while
// connecting or connected are ignored.
func (b *Bridge) Connect() {
	b.call(func() {
		if b.state != Disconnected {
			b.logger.Debug("connect ignored", slog.String("state", string(b.state)))
			return
		}
		b.setState(Connecting)
		b.generation++
		gen := b.generation

		var (
			ctx    context.Context
			cancel context.CancelFunc
		)
		if b.connectTimeout > 0 {
			ctx, cancel = context.WithTimeout(context.Background(), b.connectTimeout)
		} else {
			ctx, cancel = context.WithCancel(context.Background())
		}
		b.connCancel = cancel

		b.bg.Add(1)
		go func() {
			defer b.bg.Done()
			session, err := b.provider.Connect(ctx)
			if !b.post(func() { b.onConnected(gen, session, err) }) && session != nil {
				_ = session.Close()
			}
		}()
	})
}

func (b *Bridge) onConnected(gen uint64, session ports.MediaSession, err error) {
	if gen != b.generation || b.state != Connecting {
		if session != nil {
			_ = session.Close()
		}
		return
	}
	if b.connCancel != nil {
		b.connCancel()
		b.connCancel = nil
	}

	if err != nil {
		metrics.PlaybackConnectsTotal.WithLabelValues("error").Inc()
		b.logger.Error("media session connect failed", slog.String("error", err.Error()))
		b.lastError = "Failed to connect to playback session: " + err.Error()
		b.setState(Disconnected)
		b.publish(withError(b.snapshot.Get(), b.lastError))
		return
	}

	metrics.PlaybackConnectsTotal.WithLabelValues("ok").Inc()
	b.session = session
	b.lastError = ""
	b.listener = &sessionListener{bridge: b, gen: gen}
	session.AddListener(b.listener)
	b.setState(Connected)
	b.logger.Info("media session connected")
	b.refresh(false)
}

// Release tears down the session and resets the snapshot. It is safe to
// call at any time and more than once.
func (b *Bridge) Release() {
	b.call(b.release)
}

func (b *Bridge) release() {
	b.generation++
	if b.connCancel != nil {
		b.connCancel()
		b.connCancel = nil
	}
	b.stopPolling()

	if b.session != nil {
		b.session.RemoveListener(b.listener)
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		if err := b.session.Stop(ctx); err != nil {
			b.logger.Warn("media session stop failed", slog.String("error", err.Error()))
		}
		cancel()
		if err := b.session.Close(); err != nil {
			b.logger.Warn("media session close failed", slog.String("error", err.Error()))
		}
		b.session = nil
		b.listener = nil
		b.logger.Info("media session released")
	}

	b.lastError = ""
	b.setState(Disconnected)
	b.publish(domain.DefaultSnapshot())
}

// Close releases the session and stops the executor. The bridge is unusable
// afterwards.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.Release()
		close(b.quit)
		<-b.stopped
		b.bg.Wait()
		// Run anything queued after the executor stopped so late connect
		// results still close their sessions.
		for {
			select {
			case op := <-b.ops:
				op()
			default:
				return
			}
		}
	})
}

func (b *Bridge) Play() {
	b.command("play", func(ctx context.Context, s ports.MediaSession) error { return s.Play(ctx) })
}

func (b *Bridge) Pause() {
	b.command("pause", func(ctx context.Context, s ports.MediaSession) error { return s.Pause(ctx) })
}

func (b *Bridge) SeekTo(positionMs int64) {
	if positionMs < 0 {
		positionMs = 0
	}
	b.command("seek", func(ctx context.Context, s ports.MediaSession) error { return s.SeekTo(ctx, positionMs) })
}

func (b *Bridge) SkipNext() {
	b.command("next", func(ctx context.Context, s ports.MediaSession) error { return s.SkipNext(ctx) })
}

func (b *Bridge) SkipPrevious() {
	b.command("previous", func(ctx context.Context, s ports.MediaSession) error { return s.SkipPrevious(ctx) })
}

// SetTrack replaces the queue with item and prepares it.
func (b *Bridge) SetTrack(item domain.MediaItem) {
	b.command("set_track", func(ctx context.Context, s ports.MediaSession) error { return s.SetItem(ctx, item) })
}

// AddTrack appends item to the queue.
func (b *Bridge) AddTrack(item domain.MediaItem) {
	b.command("add_track", func(ctx context.Context, s ports.MediaSession) error { return s.AddItem(ctx, item) })
}

func (b *Bridge) command(name string, fn func(context.Context, ports.MediaSession) error) {
	b.call(func() {
		if b.session == nil {
			b.logger.Debug("command ignored without session", slog.String("command", name))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		if err := fn(ctx, b.session); err != nil {
			metrics.PlaybackCommandErrorsTotal.WithLabelValues(name).Inc()
			b.logger.Warn("playback command failed",
				slog.String("command", name),
				slog.String("error", err.Error()))
		}
	})
}

func (b *Bridge) setState(s ConnState) {
	b.state = s
	b.connState.Set(s)
}

func (b *Bridge) publish(s domain.PlaybackSnapshot) {
	if b.snapshot.Set(s) {
		metrics.PlaybackSnapshotsTotal.Inc()
	}
}
