package cdpkit

import (
	"context"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
)

// DefaultCommandTimeout bounds how long Session.Execute waits for a
// response before returning ErrTimeout.
const DefaultCommandTimeout = 30 * time.Second

// Session is the unit spec.md's layered model sends commands and receives
// events through: either the RootSession (browser-level, no sessionId) or a
// TargetSession (flatten-attached to one target, sessionId-tagged). See
// spec §4.D.
type Session interface {
	// Execute sends method with params over the session's Transport and
	// decodes the response into res, if non-nil.
	Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error

	// On registers handler for every future event of method scoped to
	// this session.
	On(method cdproto.MethodType, handler EventHandler) (unregister func())

	// Once registers handler to run at most once, for the next event of
	// method scoped to this session.
	Once(method cdproto.MethodType, handler EventHandler) (unregister func())

	// ID returns the CDP sessionId, or "" for the root session.
	ID() target.SessionID

	// Close detaches (for a TargetSession) or is a no-op (for the root).
	Close(ctx context.Context) error
}

// rootSession is the browser-level session: commands carry no sessionId,
// and incoming frames with no sessionId route here.
type rootSession struct {
	transport *Transport
	router    *EventRouter
	timeout   time.Duration
}

func newRootSession(transport *Transport, router *EventRouter) *rootSession {
	return &rootSession{transport: transport, router: router, timeout: DefaultCommandTimeout}
}

func (s *rootSession) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return execute(ctx, s.transport, "", method, params, res, s.timeout)
}

func (s *rootSession) On(method cdproto.MethodType, handler EventHandler) func() {
	return s.router.On(method, handler)
}

func (s *rootSession) Once(method cdproto.MethodType, handler EventHandler) func() {
	return s.router.Once(method, handler)
}

func (s *rootSession) ID() target.SessionID { return "" }

func (s *rootSession) Close(ctx context.Context) error { return nil }

// Ping issues a websocket ping over the session's Transport, used by
// waitReady's launch-readiness probe.
func (s *rootSession) Ping(ctx context.Context) error {
	return s.transport.Ping(ctx)
}

// targetSession is attached to exactly one target via
// Target.attachToTarget{flatten:true}; every command it sends carries its
// sessionId, and the SessionManager routes incoming frames tagged with that
// sessionId to its router.
type targetSession struct {
	transport *Transport
	router    *EventRouter
	sessionID target.SessionID
	targetID  target.ID
	timeout   time.Duration

	onClose func()
}

func newTargetSession(transport *Transport, router *EventRouter, sessionID target.SessionID, targetID target.ID) *targetSession {
	return &targetSession{
		transport: transport,
		router:    router,
		sessionID: sessionID,
		targetID:  targetID,
		timeout:   DefaultCommandTimeout,
	}
}

func (s *targetSession) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return execute(ctx, s.transport, s.sessionID, method, params, res, s.timeout)
}

func (s *targetSession) On(method cdproto.MethodType, handler EventHandler) func() {
	return s.router.On(method, handler)
}

func (s *targetSession) Once(method cdproto.MethodType, handler EventHandler) func() {
	return s.router.Once(method, handler)
}

func (s *targetSession) ID() target.SessionID { return s.sessionID }

func (s *targetSession) Close(ctx context.Context) error {
	err := s.Execute(ctx, string(cdproto.CommandTargetDetachFromTarget), &target.DetachFromTargetParams{
		SessionID: s.sessionID,
	}, nil)
	s.router.Close()
	if s.onClose != nil {
		s.onClose()
	}
	return err
}

// execute is the shared command path for both session kinds: marshal
// params, stamp the sessionId (if any), send, and unmarshal the result.
func execute(ctx context.Context, transport *Transport, sessionID target.SessionID, method string, params easyjson.Marshaler, res easyjson.Unmarshaler, timeout time.Duration) error {
	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return err
		}
	}

	msg := &cdproto.Message{
		SessionID: sessionID,
		Method:    cdproto.MethodType(method),
		Params:    buf,
	}

	resp, err := transport.SendAndAwait(ctx, msg, timeout)
	if err != nil {
		return err
	}
	if res == nil || len(resp.Result) == 0 {
		return nil
	}
	return easyjson.Unmarshal(resp.Result, res)
}
