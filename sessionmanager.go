package cdpkit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/target"
)

// versionInfo is the subset of GET /json/version this module needs: the
// browser-level websocket debugger URL to dial.
type versionInfo struct {
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// SessionManager owns one Transport and one Session per known target,
// attaching new targets in flatten mode and routing every incoming event
// frame to the right session's EventRouter by sessionId. The Transport is
// dialed for the addr of the first GetRootSession/GetSession call; later
// calls reuse it whatever addr they pass, so one SessionManager serves a
// single endpoint. See spec §4.E.
type SessionManager struct {
	httpClient *http.Client

	mu        sync.Mutex
	transport *Transport
	endpoint  string
	root      *rootSession
	sessions  map[target.SessionID]*targetSession
	byTarget  map[target.ID]*targetSession

	logf, errf func(string, ...interface{})
}

// SessionManagerOption configures a SessionManager at construction time.
type SessionManagerOption func(*SessionManager)

// WithSessionManagerLogf sets the informational logging func.
func WithSessionManagerLogf(f func(string, ...interface{})) SessionManagerOption {
	return func(m *SessionManager) { m.logf = f }
}

// WithHTTPClient overrides the client used for the /json/version fetch.
func WithHTTPClient(c *http.Client) SessionManagerOption {
	return func(m *SessionManager) { m.httpClient = c }
}

// NewSessionManager constructs a SessionManager with no live Transport. The
// Transport is dialed lazily on first GetRootSession/GetSession call.
func NewSessionManager(opts ...SessionManagerOption) *SessionManager {
	m := &SessionManager{
		httpClient: http.DefaultClient,
		sessions:   make(map[target.SessionID]*targetSession),
		byTarget:   make(map[target.ID]*targetSession),
		logf:       func(string, ...interface{}) {},
		errf:       func(string, ...interface{}) {},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// resolveWebSocketURL fetches GET {addr}/json/version and extracts the
// browser's websocket debugger URL, the way original_source's
// CDPSessionManager.get_browser_ws_address does.
func resolveWebSocketURL(ctx context.Context, client *http.Client, addr string) (string, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr, nil
	}
	base := strings.TrimRight(addr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/json/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("cdpkit: could not reach %s: %w", base, err)
	}
	defer resp.Body.Close()

	var info versionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("cdpkit: could not decode /json/version: %w", err)
	}
	if info.WebSocketDebuggerURL == "" {
		return "", ErrBrowserLaunchError
	}
	return info.WebSocketDebuggerURL, nil
}

// GetRootSession connects (if not already connected) and returns the
// browser-level session, creating the underlying Transport on first use.
func (m *SessionManager) GetRootSession(ctx context.Context, addr string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureTransportLocked(ctx, addr); err != nil {
		return nil, err
	}
	return m.root, nil
}

func (m *SessionManager) ensureTransportLocked(ctx context.Context, addr string) error {
	if m.transport != nil {
		return nil
	}

	wsURL, err := resolveWebSocketURL(ctx, m.httpClient, addr)
	if err != nil {
		return err
	}

	router := NewEventRouter()
	t := NewTransport(wsURL, func(msg *cdproto.Message) {
		m.route(msg, router)
	}, WithTransportLogf(m.logf), WithTransportErrorf(m.errf))

	if err := t.EnsureConnected(ctx); err != nil {
		return err
	}

	m.transport = t
	m.endpoint = addr
	m.root = newRootSession(t, router)
	return nil
}

// route dispatches an incoming frame to the root router or, for frames
// carrying a sessionId, to that target's own router.
func (m *SessionManager) route(msg *cdproto.Message, rootRouter *EventRouter) {
	if msg.SessionID == "" {
		rootRouter.Dispatch(msg)
		return
	}

	m.mu.Lock()
	sess, ok := m.sessions[msg.SessionID]
	m.mu.Unlock()
	if !ok {
		m.errf("cdpkit: event for unknown session %s", msg.SessionID)
		return
	}
	sess.router.Dispatch(msg)
}

// GetSession returns the Session attached to targetID, attaching to it
// (flatten mode) if this is the first request for that target. See
// spec §4.E.
func (m *SessionManager) GetSession(ctx context.Context, addr string, targetID target.ID) (Session, error) {
	m.mu.Lock()
	if err := m.ensureTransportLocked(ctx, addr); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if sess, ok := m.byTarget[targetID]; ok {
		m.mu.Unlock()
		return sess, nil
	}
	root := m.root
	m.mu.Unlock()

	var attachResult target.AttachToTargetReturns
	if err := root.Execute(ctx, string(target.CommandAttachToTarget), &target.AttachToTargetParams{
		TargetID: targetID,
		Flatten:  true,
	}, &attachResult); err != nil {
		return nil, err
	}

	router := NewEventRouter()
	sess := newTargetSession(m.transport, router, attachResult.SessionID, targetID)
	sess.onClose = func() { m.removeSession(attachResult.SessionID, targetID) }

	m.mu.Lock()
	m.sessions[attachResult.SessionID] = sess
	m.byTarget[targetID] = sess
	m.mu.Unlock()

	if err := sess.Execute(ctx, string(cdproto.CommandInspectorEnable), &inspector.EnableParams{}, nil); err != nil {
		m.removeSession(attachResult.SessionID, targetID)
		return nil, err
	}
	// Inspector.detached fires when the renderer goes away (crash, target
	// closed out of band); evict the session from the caches, as
	// Session.Close does through onClose. No Target.detachFromTarget is sent.
	sess.Once(cdproto.EventInspectorDetached, func(msg *cdproto.Message) {
		m.errf("cdpkit: session %s detached: %s", attachResult.SessionID, msg.Params)
		m.removeSession(attachResult.SessionID, targetID)
	})

	return sess, nil
}

// removeSession evicts a target's session from the caches, used after the
// target closes or Session.Close detaches it.
func (m *SessionManager) removeSession(sessionID target.SessionID, targetID target.ID) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	delete(m.byTarget, targetID)
	m.mu.Unlock()
}

// Close tears down the Transport, rejecting every in-flight command and
// clearing the session caches.
func (m *SessionManager) Close() error {
	m.mu.Lock()
	t := m.transport
	m.transport = nil
	m.sessions = make(map[target.SessionID]*targetSession)
	m.byTarget = make(map[target.ID]*targetSession)
	m.mu.Unlock()

	if t == nil {
		return nil
	}
	return t.Close()
}
