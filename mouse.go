package cdpkit

import (
	"context"
	"time"

	"github.com/chromedp/cdproto/input"
)

// Mouse dispatches raw mouse events against a session, independent of any
// particular Element. Grounded on the press/move/release surface used to
// drive Element.Click's explicit coordinates.
type Mouse struct {
	session Session
}

// NewMouse returns a Mouse bound to sess.
func NewMouse(session Session) *Mouse {
	return &Mouse{session: session}
}

// MouseOption adjusts a DispatchMouseEventParams before it is sent,
// mirroring the fluent With* builders cdproto generates for its own params
// types.
type MouseOption func(*input.DispatchMouseEventParams) *input.DispatchMouseEventParams

// WithButton sets the button carried by the event.
func WithButton(button input.ButtonType) MouseOption {
	return func(p *input.DispatchMouseEventParams) *input.DispatchMouseEventParams {
		p.Button = button
		return p
	}
}

// WithClickCount sets the event's click count.
func WithClickCount(n int64) MouseOption {
	return func(p *input.DispatchMouseEventParams) *input.DispatchMouseEventParams {
		p.ClickCount = n
		return p
	}
}

// WithModifiers ORs modifiers into the event's modifier bitmask.
func WithModifiers(modifiers input.Modifier) MouseOption {
	return func(p *input.DispatchMouseEventParams) *input.DispatchMouseEventParams {
		p.Modifiers |= modifiers
		return p
	}
}

func (m *Mouse) dispatch(ctx context.Context, typ input.MouseType, x, y float64, opts []MouseOption) error {
	p := &input.DispatchMouseEventParams{Type: typ, X: x, Y: y}
	for _, opt := range opts {
		p = opt(p)
	}
	return m.session.Execute(ctx, string(input.CommandDispatchMouseEvent), p, nil)
}

// Press dispatches a mousePressed event at x, y.
func (m *Mouse) Press(ctx context.Context, x, y float64, opts ...MouseOption) error {
	return m.dispatch(ctx, input.MouseTypeMousePressed, x, y, opts)
}

// Move dispatches a mouseMoved event at x, y.
func (m *Mouse) Move(ctx context.Context, x, y float64, opts ...MouseOption) error {
	return m.dispatch(ctx, input.MouseTypeMouseMoved, x, y, opts)
}

// Release dispatches a mouseReleased event at x, y.
func (m *Mouse) Release(ctx context.Context, x, y float64, opts ...MouseOption) error {
	return m.dispatch(ctx, input.MouseTypeMouseReleased, x, y, opts)
}

// Click presses then releases the left button at x, y, matching
// Element.Click's cadence for callers driving coordinates directly.
func (m *Mouse) Click(ctx context.Context, x, y float64) error {
	if err := m.Press(ctx, x, y, WithButton(input.ButtonLeft), WithClickCount(1)); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(clickSettleDelay):
	}
	return m.Release(ctx, x, y, WithButton(input.ButtonLeft), WithClickCount(1))
}
