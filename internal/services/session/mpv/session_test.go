package mpv

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"trackstream/internal/domain"
)

// fakeMPV speaks enough of the mpv JSON IPC protocol for session tests.
type fakeMPV struct {
	t        *testing.T
	path     string
	listener net.Listener

	mu       sync.Mutex
	props    map[string]any
	commands [][]any
	conns    []net.Conn
	failCmd  string
}

func startFakeMPV(t *testing.T) *fakeMPV {
	t.Helper()
	dir, err := os.MkdirTemp("", "mpv")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	path := filepath.Join(dir, "s.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeMPV{
		t:        t,
		path:     path,
		listener: ln,
		props: map[string]any{
			"idle-active":      true,
			"playlist-pos":     -1,
			"playlist-count":   0,
			"pause":            false,
			"eof-reached":      false,
			"paused-for-cache": false,
		},
	}
	go f.accept()
	t.Cleanup(func() {
		ln.Close()
		f.mu.Lock()
		for _, c := range f.conns {
			c.Close()
		}
		f.mu.Unlock()
		os.RemoveAll(dir)
	})
	return f
}

func (f *fakeMPV) accept() {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		go f.serve(conn)
	}
}

func (f *fakeMPV) serve(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var req struct {
			Command   []any `json:"command"`
			RequestID int64 `json:"request_id"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil || len(req.Command) == 0 {
			continue
		}
		resp := map[string]any{"request_id": req.RequestID, "error": "success"}
		name, _ := req.Command[0].(string)

		f.mu.Lock()
		f.commands = append(f.commands, req.Command)
		switch {
		case name == f.failCmd:
			resp["error"] = "command failed"
		case name == "get_property":
			prop, _ := req.Command[1].(string)
			if v, ok := f.props[prop]; ok {
				resp["data"] = v
			} else {
				resp["error"] = "property unavailable"
			}
		}
		f.mu.Unlock()

		line, _ := json.Marshal(resp)
		f.write(conn, line)
	}
}

func (f *fakeMPV) write(conn net.Conn, line []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, _ = conn.Write(append(line, '\n'))
}

func (f *fakeMPV) emit(event map[string]any) {
	line, _ := json.Marshal(event)
	f.mu.Lock()
	conns := append([]net.Conn(nil), f.conns...)
	f.mu.Unlock()
	for _, c := range conns {
		f.write(c, line)
	}
}

func (f *fakeMPV) set(name string, v any) {
	f.mu.Lock()
	f.props[name] = v
	f.mu.Unlock()
}

func (f *fakeMPV) sent(name string) [][]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]any
	for _, c := range f.commands {
		if c[0] == name {
			out = append(out, c)
		}
	}
	return out
}

type recordingListener struct {
	mu     sync.Mutex
	events []domain.SessionEvent
}

func (l *recordingListener) OnSessionEvent(ev domain.SessionEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *recordingListener) kinds() []domain.SessionEventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.SessionEventKind, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Kind
	}
	return out
}

func connectFake(t *testing.T, f *fakeMPV) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sess, err := NewProvider(ProviderConfig{Socket: f.path}).Connect(ctx)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess.(*Session)
}

func item(id string) domain.MediaItem {
	return domain.MediaItem{ID: id, Title: "Title " + id, Artist: "Artist", StreamURL: "http://cdn.test/" + id}
}

func TestConnectObservesProperties(t *testing.T) {
	f := startFakeMPV(t)
	connectFake(t, f)

	got := f.sent("observe_property")
	if len(got) != len(observedProperties) {
		t.Fatalf("observe_property calls = %d, want %d", len(got), len(observedProperties))
	}
	for i, cmd := range got {
		if cmd[2] != observedProperties[i] {
			t.Fatalf("observe %d = %v, want %s", i, cmd[2], observedProperties[i])
		}
	}
}

func TestStatusIdleWithoutPlaylist(t *testing.T) {
	f := startFakeMPV(t)
	sess := connectFake(t, f)

	st, err := sess.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != domain.TransportIdle || st.IsPlaying || st.Item != nil {
		t.Fatalf("unexpected idle status: %+v", st)
	}
}

func TestStatusDerivation(t *testing.T) {
	tests := []struct {
		name        string
		props       map[string]any
		wantState   domain.TransportState
		wantPlaying bool
	}{
		{"playing", map[string]any{}, domain.TransportReady, true},
		{"paused", map[string]any{"pause": true}, domain.TransportReady, false},
		{"buffering", map[string]any{"paused-for-cache": true}, domain.TransportBuffering, false},
		{"ended", map[string]any{"eof-reached": true}, domain.TransportEnded, false},
		{"idle", map[string]any{"idle-active": true}, domain.TransportIdle, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := startFakeMPV(t)
			sess := connectFake(t, f)
			if err := sess.SetItem(context.Background(), item("a")); err != nil {
				t.Fatalf("SetItem: %v", err)
			}
			if err := sess.AddItem(context.Background(), item("b")); err != nil {
				t.Fatalf("AddItem: %v", err)
			}
			f.set("idle-active", false)
			f.set("playlist-pos", 0)
			f.set("playlist-count", 2)
			f.set("time-pos", 12.5)
			f.set("duration", 180.0)
			for k, v := range tt.props {
				f.set(k, v)
			}

			st, err := sess.Status(context.Background())
			if err != nil {
				t.Fatalf("Status: %v", err)
			}
			if st.State != tt.wantState || st.IsPlaying != tt.wantPlaying {
				t.Fatalf("state = %s playing = %v, want %s %v", st.State, st.IsPlaying, tt.wantState, tt.wantPlaying)
			}
			if st.PositionMs != 12500 || st.DurationMs != 180000 {
				t.Fatalf("position/duration = %d/%d", st.PositionMs, st.DurationMs)
			}
			if !st.HasNext || st.HasPrevious {
				t.Fatalf("hasNext/hasPrevious = %v/%v", st.HasNext, st.HasPrevious)
			}
			if tt.wantState != domain.TransportIdle && (st.Item == nil || st.Item.ID != "a") {
				t.Fatalf("item = %+v, want a", st.Item)
			}
		})
	}
}

func TestCommandsSendIPC(t *testing.T) {
	f := startFakeMPV(t)
	sess := connectFake(t, f)
	ctx := context.Background()

	steps := []struct {
		name string
		run  func() error
		cmd  string
	}{
		{"play", func() error { return sess.Play(ctx) }, "set_property"},
		{"seek", func() error { return sess.SeekTo(ctx, 42_000) }, "seek"},
		{"next", func() error { return sess.SkipNext(ctx) }, "playlist-next"},
		{"previous", func() error { return sess.SkipPrevious(ctx) }, "playlist-prev"},
		{"stop", func() error { return sess.Stop(ctx) }, "stop"},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if len(f.sent(step.cmd)) == 0 {
			t.Fatalf("%s: no %s command sent", step.name, step.cmd)
		}
	}
	seek := f.sent("seek")[0]
	if seek[1] != 42.0 || seek[2] != "absolute" {
		t.Fatalf("seek args = %v", seek)
	}
}

func TestCommandErrorPropagates(t *testing.T) {
	f := startFakeMPV(t)
	sess := connectFake(t, f)
	f.mu.Lock()
	f.failCmd = "playlist-next"
	f.mu.Unlock()

	if err := sess.SkipNext(context.Background()); err == nil {
		t.Fatal("expected error from failed command")
	}
}

func TestSetItemRejectsOptionLikeLocator(t *testing.T) {
	f := startFakeMPV(t)
	sess := connectFake(t, f)

	bad := item("x")
	bad.StreamURL = "--script=evil.lua"
	if err := sess.SetItem(context.Background(), bad); err == nil {
		t.Fatal("expected rejection")
	}
	empty := item("y")
	empty.StreamURL = " "
	if err := sess.AddItem(context.Background(), empty); !errors.Is(err, domain.ErrNoStreamURL) {
		t.Fatalf("err = %v, want ErrNoStreamURL", err)
	}
	if len(f.sent("loadfile")) != 0 {
		t.Fatal("loadfile sent for rejected locator")
	}
}

func TestEventsReachListeners(t *testing.T) {
	f := startFakeMPV(t)
	sess := connectFake(t, f)
	l := &recordingListener{}
	sess.AddListener(l)

	f.emit(map[string]any{"event": "property-change", "id": 1, "name": "pause", "data": true})
	f.emit(map[string]any{"event": "seek"})
	f.emit(map[string]any{"event": "end-file", "reason": "error", "file_error": "loading failed"})

	deadline := time.Now().Add(2 * time.Second)
	for len(l.kinds()) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("events = %v", l.kinds())
		}
		time.Sleep(5 * time.Millisecond)
	}
	want := []domain.SessionEventKind{domain.EventIsPlayingChanged, domain.EventPositionDiscontinuity, domain.EventError}
	got := l.kinds()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
	l.mu.Lock()
	errEv := l.events[2]
	l.mu.Unlock()
	if errEv.Err == nil || errEv.Err.Error() != "loading failed" {
		t.Fatalf("error event = %v", errEv.Err)
	}

	sess.RemoveListener(l)
	f.emit(map[string]any{"event": "seek"})
	time.Sleep(50 * time.Millisecond)
	if n := len(l.kinds()); n != 3 {
		t.Fatalf("events after remove = %d, want 3", n)
	}
}

func TestTranslateEvent(t *testing.T) {
	tests := []struct {
		msg  ipcMessage
		want domain.SessionEventKind
		ok   bool
	}{
		{ipcMessage{Event: "property-change", Name: "paused-for-cache"}, domain.EventStateChanged, true},
		{ipcMessage{Event: "property-change", Name: "playlist-pos"}, domain.EventItemTransition, true},
		{ipcMessage{Event: "property-change", Name: "duration"}, domain.EventTimelineChanged, true},
		{ipcMessage{Event: "property-change", Name: "volume"}, "", false},
		{ipcMessage{Event: "file-loaded"}, domain.EventItemTransition, true},
		{ipcMessage{Event: "end-file", Reason: "eof"}, domain.EventStateChanged, true},
		{ipcMessage{Event: "client-message"}, "", false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.msg.Event, tt.msg.Name), func(t *testing.T) {
			ev, ok := translateEvent(tt.msg)
			if ok != tt.ok || ev.Kind != tt.want {
				t.Fatalf("translateEvent = %s, %v; want %s, %v", ev.Kind, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestCommandAfterCloseFails(t *testing.T) {
	f := startFakeMPV(t)
	sess := connectFake(t, f)
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	<-sess.ipc.done

	if err := sess.Play(context.Background()); !errors.Is(err, domain.ErrNoSession) {
		t.Fatalf("Play after Close = %v, want ErrNoSession", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestConnectMissingSocket(t *testing.T) {
	p := NewProvider(ProviderConfig{Socket: filepath.Join(t.TempDir(), "missing.sock")})
	if _, err := p.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestSecondsToMs(t *testing.T) {
	if got := secondsToMs(1.2345); got != 1235 {
		t.Fatalf("secondsToMs(1.2345) = %d", got)
	}
	if got := secondsToMs(-3); got != 0 {
		t.Fatalf("secondsToMs(-3) = %d", got)
	}
}
