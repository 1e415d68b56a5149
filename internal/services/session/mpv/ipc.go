package mpv

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"trackstream/internal/domain"
)

var errConnClosed = fmt.Errorf("mpv ipc connection closed: %w", domain.ErrNoSession)

type ipcRequest struct {
	Command   []any `json:"command"`
	RequestID int64 `json:"request_id"`
}

// ipcMessage is any line mpv writes to the socket: a command reply carries
// request_id and error, an event carries event (and name/data for
// property-change).
type ipcMessage struct {
	RequestID int64           `json:"request_id"`
	Error     string          `json:"error"`
	Data      json.RawMessage `json:"data"`
	Event     string          `json:"event"`
	Name      string          `json:"name"`
	Reason    string          `json:"reason"`
	FileError string          `json:"file_error"`
}

type ipcResult struct {
	data json.RawMessage
	err  error
}

// ipcConn multiplexes commands and events over one JSON IPC socket.
// Property observers in mpv are bound to the connection that registered
// them, so events must be read from the same connection.
type ipcConn struct {
	conn    net.Conn
	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan ipcResult
	closed  bool

	onEvent func(ipcMessage)
	done    chan struct{}
}

func dialIPC(ctx context.Context, path string, onEvent func(ipcMessage)) (*ipcConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial mpv socket: %w", err)
	}
	c := &ipcConn{
		conn:    conn,
		pending: make(map[int64]chan ipcResult),
		onEvent: onEvent,
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *ipcConn) readLoop() {
	defer close(c.done)
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		var msg ipcMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Event != "" {
			if c.onEvent != nil {
				c.onEvent(msg)
			}
			continue
		}
		c.resolve(msg)
	}
	c.failPending()
}

func (c *ipcConn) resolve(msg ipcMessage) {
	c.mu.Lock()
	ch, ok := c.pending[msg.RequestID]
	delete(c.pending, msg.RequestID)
	c.mu.Unlock()
	if !ok {
		return
	}
	var res ipcResult
	if msg.Error != "" && msg.Error != "success" {
		res.err = fmt.Errorf("mpv: %s", msg.Error)
	} else {
		res.data = msg.Data
	}
	ch <- res
}

func (c *ipcConn) failPending() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[int64]chan ipcResult)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- ipcResult{err: errConnClosed}
	}
}

// command sends args and waits for the matching reply.
func (c *ipcConn) command(ctx context.Context, args ...any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan ipcResult, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errConnClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	payload, err := json.Marshal(ipcRequest{Command: args, RequestID: id})
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("marshal mpv command: %w", err)
	}
	payload = append(payload, '\n')

	c.writeMu.Lock()
	_, err = c.conn.Write(payload)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("write mpv command: %w", err)
	}

	select {
	case res := <-ch:
		return res.data, res.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *ipcConn) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// close shuts the socket. It does not wait for the read loop, which may be
// delivering an event to a listener that is itself waiting on the caller.
func (c *ipcConn) close() error {
	return c.conn.Close()
}
