package mpv

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"trackstream/internal/domain/ports"
)

const (
	socketWaitRetries = 10
	socketWaitDelay   = 300 * time.Millisecond
	quitTimeout       = 3 * time.Second
)

type ProviderConfig struct {
	// Binary is the mpv executable. Defaults to "mpv".
	Binary string
	// Socket attaches to an already running mpv listening on this IPC path
	// instead of spawning one.
	Socket string
	Logger *slog.Logger
}

// Provider hands out mpv sessions, either by attaching to an existing IPC
// socket or by spawning a headless player per Connect.
type Provider struct {
	binary string
	socket string
	logger *slog.Logger
}

func NewProvider(cfg ProviderConfig) *Provider {
	binary := cfg.Binary
	if binary == "" {
		binary = "mpv"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{binary: binary, socket: cfg.Socket, logger: logger}
}

var _ ports.SessionProvider = (*Provider)(nil)

func (p *Provider) Connect(ctx context.Context) (ports.MediaSession, error) {
	if p.socket != "" {
		s, err := newSession(ctx, p.socket, p.logger, nil)
		if err != nil {
			return nil, err
		}
		p.logger.Info("attached to mpv", slog.String("socket", p.socket))
		return s, nil
	}
	return p.spawn(ctx)
}

func (p *Provider) spawn(ctx context.Context) (ports.MediaSession, error) {
	socketPath, err := randomSocketPath()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(p.binary,
		"--idle=yes",
		"--no-video",
		"--no-terminal",
		"--really-quiet",
		"--input-ipc-server="+socketPath,
	)
	cmd.SysProcAttr = sysProcAttr()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start mpv: %w", err)
	}
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	stop := func() error {
		select {
		case <-exited:
		case <-time.After(quitTimeout):
			_ = killProcess(cmd)
			<-exited
		}
		_ = os.Remove(socketPath)
		return nil
	}
	abort := func() {
		_ = killProcess(cmd)
		<-exited
		_ = os.Remove(socketPath)
	}

	if err := waitForSocket(ctx, socketPath, exited); err != nil {
		abort()
		return nil, fmt.Errorf("mpv socket not ready: %w", err)
	}
	s, err := newSession(ctx, socketPath, p.logger, nil)
	if err != nil {
		abort()
		return nil, err
	}
	s.onStop = func() error {
		// The IPC connection is already closed; quit over a fresh one.
		if conn, err := dialIPC(context.Background(), socketPath, nil); err == nil {
			qctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_, _ = conn.command(qctx, "quit")
			cancel()
			_ = conn.close()
		}
		return stop()
	}
	p.logger.Info("spawned mpv",
		slog.Int("pid", cmd.Process.Pid),
		slog.String("socket", socketPath))
	return s, nil
}

func waitForSocket(ctx context.Context, path string, exited <-chan struct{}) error {
	for i := 0; i < socketWaitRetries; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-exited:
			return errors.New("mpv exited before socket was ready")
		case <-time.After(socketWaitDelay):
		}
		conn, err := net.Dial("unix", path)
		if err == nil {
			conn.Close()
			return nil
		}
	}
	return fmt.Errorf("socket %s not ready after %d attempts", path, socketWaitRetries)
}

func randomSocketPath() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate socket name: %w", err)
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("trackstream-%x.sock", b)), nil
}
