package cdpkit

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

// DefaultFrameSizeLimit is the default maximum size of a single websocket
// text frame accepted by a Transport. See spec §4.A.
const DefaultFrameSizeLimit = 10 * 1024 * 1024

// Transport maintains a single live WebSocket connection to a CDP endpoint,
// multiplexing outgoing commands and incoming command responses / events.
// See spec §4.A.
type Transport struct {
	url string

	dialOnce sync.Once
	dialErr  error

	mu     sync.Mutex // guards conn, closed, writer
	conn   net.Conn
	closed bool
	writer jwriter.Writer

	frameLimit int64

	table    *correlationTable
	onEvent  func(msg *cdproto.Message)
	onClosed func(err error)

	logf, errf func(string, ...interface{})

	cancelRecv context.CancelFunc
}

// TransportOption configures a Transport at construction time.
type TransportOption func(*Transport)

// WithFrameSizeLimit overrides DefaultFrameSizeLimit.
func WithFrameSizeLimit(n int64) TransportOption {
	return func(t *Transport) { t.frameLimit = n }
}

// WithTransportLogf sets the informational logging func.
func WithTransportLogf(f func(string, ...interface{})) TransportOption {
	return func(t *Transport) { t.logf = f }
}

// WithTransportErrorf sets the error logging func.
func WithTransportErrorf(f func(string, ...interface{})) TransportOption {
	return func(t *Transport) { t.errf = f }
}

// NewTransport creates a Transport for the given websocket URL. The
// connection is not established until EnsureConnected or SendAndAwait is
// first called (spec §4.A: "ensure_connected() ... idempotent").
//
// onEvent is invoked for every incoming frame that is not a command
// response (i.e. it carries a method and no id; a response whose id has no
// pending slot is dropped); it must not block, since it runs on the
// Transport's single receive goroutine.
func NewTransport(urlstr string, onEvent func(msg *cdproto.Message), opts ...TransportOption) *Transport {
	t := &Transport{
		url:        forceIP(urlstr),
		frameLimit: DefaultFrameSizeLimit,
		table:      newCorrelationTable(),
		onEvent:    onEvent,
		logf:       func(string, ...interface{}) {},
		errf:       func(string, ...interface{}) {},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// forceIP forces the host component in urlstr to be an IP address, since
// Chrome 66+ requires the websocket Host header to be an IP or "localhost".
func forceIP(urlstr string) string {
	i := strings.Index(urlstr, "://")
	if i == -1 {
		return urlstr
	}
	scheme := urlstr[:i+3]
	host, port, path := urlstr[len(scheme):], "", ""
	if j := strings.Index(host, "/"); j != -1 {
		host, path = host[:j], host[j:]
	}
	if j := strings.Index(host, ":"); j != -1 {
		host, port = host[:j], host[j:]
	}
	if host == "localhost" {
		return urlstr
	}
	if addr, err := net.ResolveIPAddr("ip", host); err == nil {
		urlstr = scheme + addr.IP.String() + port + path
	}
	return urlstr
}

// EnsureConnected dials the websocket connection on its first call. It is
// idempotent and safe to call from multiple goroutines: later calls return
// the first dial's result, so a failed dial is not retried and a Transport
// whose connection has closed is not re-dialed.
func (t *Transport) EnsureConnected(ctx context.Context) error {
	t.dialOnce.Do(func() {
		conn, _, _, err := ws.Dial(ctx, t.url)
		if err != nil {
			t.dialErr = err
			return
		}
		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()

		recvCtx, cancel := context.WithCancel(context.Background())
		t.cancelRecv = cancel
		go t.recvLoop(recvCtx)
	})
	return t.dialErr
}

// recvLoop reads frames until the connection fails or is closed, classifying
// each as a command response or an event per spec §4.A.
func (t *Transport) recvLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		data, err := t.readFrame()
		if err != nil {
			t.drain(err)
			return
		}

		msg := new(cdproto.Message)
		lexer := jlexer.Lexer{Data: data}
		msg.UnmarshalEasyJSON(&lexer)
		if err := lexer.Error(); err != nil {
			t.errf("cdpkit: could not decode frame: %v", err)
			continue
		}
		// Result points into data; copy it so the message owns its own
		// bytes.
		msg.Result = append([]byte{}, msg.Result...)

		switch {
		case msg.ID != 0:
			if !t.table.resolve(msg.ID, msg) {
				t.logf("cdpkit: dropping late response for id %d", msg.ID)
			}
		case msg.Method != "":
			t.onEvent(msg)
		default:
			t.errf("cdpkit: ignoring malformed frame (missing id and method): %s", data)
		}
	}
}

func (t *Transport) readFrame() ([]byte, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil, ErrDisconnected
	}

	var buf bytes.Buffer
	data, op, err := wsutil.ReadServerData(conn)
	if err != nil {
		return nil, err
	}
	if op != ws.OpText {
		return nil, ErrInvalidWebsocketMessage
	}
	if int64(len(data)) > t.frameLimit {
		return nil, fmt.Errorf("cdpkit: frame of %d bytes exceeds limit of %d", len(data), t.frameLimit)
	}
	buf.Write(data)
	return buf.Bytes(), nil
}

// SendAndAwait allocates a CommandId, writes the command, and blocks until
// a matching response arrives, ctx is cancelled, or timeout elapses. See
// spec §4.A.
func (t *Transport) SendAndAwait(ctx context.Context, msg *cdproto.Message, timeout time.Duration) (*cdproto.Message, error) {
	if err := t.EnsureConnected(ctx); err != nil {
		return nil, err
	}

	id, ch := t.table.allocate()
	msg.ID = id

	if err := t.write(msg); err != nil {
		t.table.cancel(id)
		return nil, err
	}

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, ErrDisconnected
		}
		if resp.Error != nil {
			return resp, &CDPError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return resp, nil
	case <-timeoutCh:
		t.table.cancel(id)
		return nil, ErrTimeout
	case <-ctx.Done():
		t.table.cancel(id)
		return nil, ctx.Err()
	}
}

// write serializes and sends a single message. Writes on the same Transport
// are serialized to preserve JSON framing (spec §5).
func (t *Transport) write(msg *cdproto.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.conn == nil {
		return ErrDisconnected
	}

	t.writer = jwriter.Writer{}
	msg.MarshalEasyJSON(&t.writer)
	if t.writer.Error != nil {
		return t.writer.Error
	}
	buf, err := t.writer.BuildBytes()
	if err != nil {
		return err
	}
	return wsutil.WriteClientText(t.conn, buf)
}

// Ping issues a websocket ping as a liveness probe.
func (t *Transport) Ping(ctx context.Context) error {
	if err := t.EnsureConnected(ctx); err != nil {
		return err
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}
	return wsutil.WriteClientMessage(conn, ws.OpPing, nil)
}

// Close cancels the receive loop, closes the socket, and rejects all
// pending slots with ErrDisconnected.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	if t.cancelRecv != nil {
		t.cancelRecv()
	}
	t.table.drain(ErrDisconnected)

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// drain is called when the receive loop exits due to an error; it rejects
// all pending slots and notifies onClosed, if set.
func (t *Transport) drain(err error) {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.table.drain(ErrDisconnected)
	if t.onClosed != nil {
		t.onClosed(err)
	}
}
