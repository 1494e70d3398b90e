package cdpkit

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
)

// readinessAttempts and readinessInterval match original_source's
// BrowserType._is_browser_running: poll once a second, give up after five
// tries.
const (
	readinessAttempts = 5
	readinessInterval = time.Second
)

// BrowserProcess owns a spawned Chrome subprocess: argv assembly via
// Options.Check, readiness polling, and terminate/wait/kill teardown. See
// spec §4.F.
type BrowserProcess struct {
	Options *Options
	Port    int

	cmd         *exec.Cmd
	userDataDir string
	removeDir   bool

	wsURL string

	logf, errf func(string, ...interface{})

	waitOnce sync.Once
	waitErr  error
}

// BrowserProcessOption configures a BrowserProcess at construction time.
type BrowserProcessOption func(*BrowserProcess)

// WithProcessLogf sets the informational logging func.
func WithProcessLogf(f func(string, ...interface{})) BrowserProcessOption {
	return func(p *BrowserProcess) { p.logf = f }
}

// WithProcessErrorf sets the error logging func.
func WithProcessErrorf(f func(string, ...interface{})) BrowserProcessOption {
	return func(p *BrowserProcess) { p.errf = f }
}

// NewBrowserProcess constructs a BrowserProcess that will launch with opts
// (defaulting to a fresh NewOptions if nil). The process is not started
// until Start is called.
func NewBrowserProcess(opts *Options, procOpts ...BrowserProcessOption) *BrowserProcess {
	if opts == nil {
		opts = NewOptions()
	}
	p := &BrowserProcess{
		Options: opts,
		logf:    func(string, ...interface{}) {},
		errf:    func(string, ...interface{}) {},
	}
	for _, o := range procOpts {
		o(p)
	}
	return p
}

// Start launches the browser, reads its websocket URL from stderr/stdout
// (Chrome prints "DevTools listening on ..." there), and blocks until a
// websocket ping to that URL succeeds or readinessAttempts is exhausted.
func (p *BrowserProcess) Start(ctx context.Context) error {
	if p.Options.ExecutablePath == "" {
		p.Options.ExecutablePath = findExecPath()
	}
	if p.Options.ExecutablePath == "" {
		return ErrExecutableNotFoundError
	}

	if p.Options.UserDataDir == "" {
		tempDir, err := os.MkdirTemp("", "cdpkit-")
		if err != nil {
			return err
		}
		p.Options.UserDataDir = tempDir
		p.removeDir = true
	}
	p.userDataDir = p.Options.UserDataDir

	args, err := p.Options.Check(0)
	if err != nil {
		return err
	}
	args = append(args, "about:blank")

	cmd := exec.CommandContext(ctx, p.Options.ExecutablePath, args...)
	allocateCmdOptions(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		p.cleanupDir()
		return err
	}
	p.cmd = cmd

	wsURL, err := readDevToolsURL(stdout)
	if err != nil {
		_ = p.Stop(ctx)
		return fmt.Errorf("cdpkit: %w: %v", ErrBrowserLaunchError, err)
	}
	p.wsURL = wsURL

	addr, err := httpAddrFromWebSocketURL(wsURL)
	if err != nil {
		_ = p.Stop(ctx)
		return err
	}
	if err := waitReady(ctx, wsURL); err != nil {
		_ = p.Stop(ctx)
		return err
	}
	if u, err := url.Parse(addr); err == nil {
		fmt.Sscanf(u.Port(), "%d", &p.Port)
	}

	return nil
}

// WebSocketURL returns the browser-level debugger URL discovered at Start.
func (p *BrowserProcess) WebSocketURL() string { return p.wsURL }

// Addr returns the HTTP origin (e.g. "http://127.0.0.1:9222") callers should
// pass to SessionManager.GetRootSession/GetSession.
func (p *BrowserProcess) Addr() string {
	addr, _ := httpAddrFromWebSocketURL(p.wsURL)
	return addr
}

// readDevToolsURL scans the process's combined stdout/stderr for the
// "DevTools listening on ws://..." line chromium prints once the debugger
// is attachable, matching the teacher's allocate.go:readOutput.
func readDevToolsURL(rc io.ReadCloser) (string, error) {
	prefix := []byte("DevTools listening on")
	var accumulated bytes.Buffer
	r := bufio.NewReader(rc)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return "", fmt.Errorf("browser exited before printing a websocket url:\n%s", accumulated.Bytes())
		}
		if bytes.HasPrefix(line, prefix) {
			return string(bytes.TrimSpace(line[len(prefix):])), nil
		}
		accumulated.Write(line)
	}
}

// waitReady dials a throwaway Transport to the browser's websocket debugger
// URL and polls RootSession.Ping at 1 Hz for up to readinessAttempts tries,
// matching original_source's BrowserType._is_browser_running.
func waitReady(ctx context.Context, wsURL string) error {
	var lastErr error
	for i := 0; i < readinessAttempts; i++ {
		if err := pingOnce(ctx, wsURL); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readinessInterval):
		}
	}
	return fmt.Errorf("cdpkit: %w: %v", ErrBrowserLaunchError, lastErr)
}

// pingOnce opens and tears down a single Transport/RootSession pair for one
// readiness probe; the real, long-lived Transport is established later by
// SessionManager once Start returns.
func pingOnce(ctx context.Context, wsURL string) error {
	t := NewTransport(wsURL, func(*cdproto.Message) {})
	defer t.Close()
	root := newRootSession(t, NewEventRouter())
	return root.Ping(ctx)
}

// Stop terminates the browser process: signal, wait up to three seconds,
// then kill, matching original_source's BrowserProcess.stop.
func (p *BrowserProcess) Stop(ctx context.Context) error {
	p.waitOnce.Do(func() {
		defer p.cleanupDir()
		if p.cmd == nil || p.cmd.Process == nil {
			return
		}

		done := make(chan error, 1)
		go func() { done <- p.cmd.Wait() }()

		if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
			p.cmd.Process.Kill()
			<-done
			return
		}

		select {
		case <-done:
		case <-time.After(3 * time.Second):
			p.cmd.Process.Kill()
			<-done
		}
	})
	return p.waitErr
}

// httpAddrFromWebSocketURL turns "ws://host:port/devtools/browser/xxx" into
// "http://host:port" for use against the HTTP-only /json/version endpoint.
func httpAddrFromWebSocketURL(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("cdpkit: invalid websocket url %q: %w", wsURL, err)
	}
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + u.Host, nil
}

func (p *BrowserProcess) cleanupDir() {
	if p.removeDir && p.userDataDir != "" {
		os.RemoveAll(p.userDataDir)
	}
}
