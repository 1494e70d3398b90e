package cdpkit

import "fmt"

// Error is a cdpkit sentinel error.
type Error string

// Error satisfies the error interface.
func (err Error) Error() string {
	return string(err)
}

// Sentinel error values. See spec §7 for the authoritative error kinds.
const (
	// ErrBrowserLaunchError means the endpoint was not reachable within the
	// readiness window, or the browser's websocket URL was missing.
	ErrBrowserLaunchError Error = "browser launch error"

	// ErrExecutableNotFoundError means none of the candidate paths was an
	// executable file on this OS.
	ErrExecutableNotFoundError Error = "executable not found"

	// ErrDisconnected means the socket closed; in-flight commands are
	// rejected with this error.
	ErrDisconnected Error = "disconnected"

	// ErrTimeout means a command or page-load wait exceeded its deadline.
	ErrTimeout Error = "timeout"

	// ErrNoSuchElement means a lookup found no matching node.
	ErrNoSuchElement Error = "no such element"

	// ErrTabNotFoundError means the requested target id has no known tab.
	ErrTabNotFoundError Error = "tab not found"

	// ErrNoValidTabError means no open tab could be used as a default.
	ErrNoValidTabError Error = "no valid tab"

	// ErrPageClosed means an operation was attempted on a tab after close.
	ErrPageClosed Error = "page closed"

	// ErrElementNotFileInput means set_input_files was called on a non
	// file input element.
	ErrElementNotFileInput Error = "element is not a file input"

	// ErrParamsMustSpecified means a caller omitted a required parameter
	// combination.
	ErrParamsMustSpecified Error = "parameters must be specified"

	// ErrArgumentAlreadyExistsInOptions means Options.AddArgument was asked
	// to add a flag already present.
	ErrArgumentAlreadyExistsInOptions Error = "argument already exists in options"

	// ErrUnsupported means RuntimeParser encountered a RemoteObject shape
	// it cannot decode.
	ErrUnsupported Error = "unsupported remote object"

	// ErrCancelled means the caller's wait was cancelled before a response
	// arrived.
	ErrCancelled Error = "cancelled"

	// ErrInvalidWebsocketMessage is returned when a non-text frame arrives
	// where a CDP JSON message was expected.
	ErrInvalidWebsocketMessage Error = "invalid websocket message"

	// ErrInvalidContext means a cdpkit type was used without its required
	// Session/SessionManager wiring.
	ErrInvalidContext Error = "invalid context"
)

// CDPError is a protocol-level error returned in a command response
// envelope, e.g. {"error": {"code": -32000, "message": "..."}}.
type CDPError struct {
	Code    int64
	Message string
}

// Error satisfies the error interface.
func (err *CDPError) Error() string {
	return fmt.Sprintf("cdp error %d: %s", err.Code, err.Message)
}
