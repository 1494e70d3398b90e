package cdpkit

import (
	"fmt"
	"sort"
	"strings"
)

// defaultArguments are appended to every launch unless the caller already
// set the same flag, after Puppeteer's (and the teacher's
// DefaultExecAllocatorOptions) default behavior.
var defaultArguments = []string{
	"no-first-run",
	"no-default-browser-check",
	"enable-experimental-web-platform-features",
	"disable-background-networking",
	"disable-background-timer-throttling",
	"disable-backgrounding-occluded-windows",
	"disable-breakpad",
	"disable-client-side-phishing-detection",
	"disable-default-apps",
	"disable-dev-shm-usage",
	"disable-extensions",
	"disable-hang-monitor",
	"disable-ipc-flooding-protection",
	"disable-popup-blocking",
	"disable-prompt-on-repost",
	"disable-renderer-backgrounding",
	"disable-sync",
	"metrics-recording-only",
	"safebrowsing-disable-auto-update",
	"password-store=basic",
	"use-mock-keychain",
}

// Options collects the arguments used to launch a browser process. It owns
// the bookkeeping spec.md's ArgumentAlreadyExistsInOptions error requires:
// callers add/remove individual flags by name rather than handing over a
// single opaque argv. See spec §4.F.
type Options struct {
	ExecutablePath string
	Headless       bool
	UserDataDir    string

	arguments map[string]string // flag name -> value ("" for a bare flag)
}

// NewOptions returns an Options with no arguments set; call AddArgument or
// set the exported fields before Check.
func NewOptions() *Options {
	return &Options{arguments: make(map[string]string)}
}

// AddArgument adds a command-line flag. value is empty for a bare flag
// (e.g. "headless"), or a string for --name=value. Returns
// ErrArgumentAlreadyExistsInOptions if name is already set; callers that
// want to override a flag must RemoveArgument first.
func (o *Options) AddArgument(name, value string) error {
	if o.arguments == nil {
		o.arguments = make(map[string]string)
	}
	if _, ok := o.arguments[name]; ok {
		return ErrArgumentAlreadyExistsInOptions
	}
	o.arguments[name] = value
	return nil
}

// RemoveArgument removes a previously added flag, if present.
func (o *Options) RemoveArgument(name string) {
	delete(o.arguments, name)
}

// HasArgument reports whether name has been set by AddArgument. The
// Headless and UserDataDir fields are not reflected here.
func (o *Options) HasArgument(name string) bool {
	_, ok := o.arguments[name]
	return ok
}

// Check assembles the final argv for launching Chrome on port, applying
// defaults. remote-debugging-port is always derived from port: a
// caller-supplied remote-debugging-port argument makes Check fail. Caller
// arguments take precedence over defaults of the same name, including the
// headless and user-data-dir flags derived from the Headless and
// UserDataDir fields. Check does not modify o, so calling it twice with
// the same port produces the same argv.
func (o *Options) Check(port int) ([]string, error) {
	if port < 0 {
		return nil, fmt.Errorf("cdpkit: invalid port %d", port)
	}
	if o.HasArgument("remote-debugging-port") {
		return nil, fmt.Errorf("cdpkit: remote-debugging-port must not be set directly; use the port argument to Check")
	}

	args := make([]string, 0, len(defaultArguments)+len(o.arguments)+4)
	seen := make(map[string]bool)

	add := func(name, value string) {
		if seen[name] {
			return
		}
		seen[name] = true
		if value == "" {
			args = append(args, "--"+name)
		} else {
			args = append(args, "--"+name+"="+value)
		}
	}

	for name, value := range o.arguments {
		add(name, value)
	}
	for _, name := range defaultArguments {
		if i := strings.IndexByte(name, '='); i != -1 {
			add(name[:i], name[i+1:])
		} else {
			add(name, "")
		}
	}
	if o.Headless {
		add("headless", "new")
		add("hide-scrollbars", "")
		add("mute-audio", "")
	}
	if o.UserDataDir != "" {
		add("user-data-dir", o.UserDataDir)
	}
	add("remote-debugging-port", fmt.Sprintf("%d", port))

	sort.Strings(args) // deterministic argv, easier to assert on in tests
	return args, nil
}
