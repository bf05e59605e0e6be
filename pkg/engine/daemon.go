package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/calder/mnemo/internal/observability"
	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const daemonChannelName = "daemon"

// DaemonChannel talks to a long-lived worker process over a WebSocket
// JSON-RPC connection. Preferred over one-shot dispatch because it avoids
// process-startup cost per operation.
type DaemonChannel struct {
	url    string
	logger zerolog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	pending map[string]chan *RPCResponse
	mu      sync.Mutex
	closed  bool
}

// NewDaemonChannel creates a daemon channel for the given WebSocket URL.
// Connect must be called before the first dispatch.
func NewDaemonChannel(url string, logger zerolog.Logger) *DaemonChannel {
	return &DaemonChannel{
		url:     url,
		logger:  logger.With().Str("channel", daemonChannelName).Logger(),
		pending: make(map[string]chan *RPCResponse),
	}
}

// Name identifies the channel in logs and metrics
func (d *DaemonChannel) Name() string { return daemonChannelName }

// Connect dials the worker daemon and starts the read pump
func (d *DaemonChannel) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrChannelClosed
	}
	if d.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, d.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
	}

	d.conn = conn
	go d.readPump(conn)

	d.logger.Info().Str("url", d.url).Msg("Connected to worker daemon")
	return nil
}

// Dispatch sends a correlated request and waits for the matching response
func (d *DaemonChannel) Dispatch(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrChannelClosed
	}
	conn := d.conn
	if conn == nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: not connected", ErrDaemonUnreachable)
	}

	id, err := gonanoid.New()
	if err != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("failed to generate request id: %w", err)
	}

	respCh := make(chan *RPCResponse, 1)
	d.pending[id] = respCh
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
	}()

	req := RPCRequest{
		ID:      id,
		Method:  method,
		Params:  params,
		JSONRPC: "2.0",
	}

	start := time.Now()

	d.writeMu.Lock()
	err = conn.WriteJSON(req)
	d.writeMu.Unlock()
	if err != nil {
		observability.RecordDispatch(daemonChannelName, method, time.Since(start), false)
		return nil, fmt.Errorf("%w: write failed: %v", ErrDaemonUnreachable, err)
	}

	d.logger.Debug().
		Str("request_id", id).
		Str("method", method).
		Msg("Request sent to worker daemon")

	select {
	case resp, ok := <-respCh:
		duration := time.Since(start)
		if !ok || resp == nil {
			observability.RecordDispatch(daemonChannelName, method, duration, false)
			return nil, fmt.Errorf("%w: connection lost mid-call", ErrDaemonUnreachable)
		}
		if resp.Error != nil {
			observability.RecordDispatch(daemonChannelName, method, duration, false)
			return nil, resp.Error
		}
		observability.RecordDispatch(daemonChannelName, method, duration, true)
		return resp.Result, nil

	case <-ctx.Done():
		observability.RecordDispatch(daemonChannelName, method, time.Since(start), false)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %s", ErrDispatchTimeout, method)
		}
		return nil, ctx.Err()
	}
}

// readPump routes responses to their waiting dispatchers
func (d *DaemonChannel) readPump(conn *websocket.Conn) {
	for {
		var resp RPCResponse
		if err := conn.ReadJSON(&resp); err != nil {
			d.logger.Warn().Err(err).Msg("Worker daemon connection lost")
			d.failPending()
			return
		}

		d.mu.Lock()
		ch, exists := d.pending[resp.ID]
		d.mu.Unlock()

		if !exists {
			d.logger.Debug().Str("request_id", resp.ID).Msg("Response for unknown request dropped")
			continue
		}

		select {
		case ch <- &resp:
		default:
		}
	}
}

// failPending closes all in-flight response channels after connection loss
func (d *DaemonChannel) failPending() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.conn = nil
	for id, ch := range d.pending {
		close(ch)
		delete(d.pending, id)
	}
}

// Close releases the connection; in-flight dispatches fail
func (d *DaemonChannel) Close() error {
	d.mu.Lock()
	d.closed = true
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
