package cdpkit

import (
	"context"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/cdproto/target"
)

// ContextManager enumerates and creates isolated browser contexts, and
// tracks which one is "current" for callers that never pick explicitly.
// See spec §4.G.
type ContextManager struct {
	root     Session
	sessions *SessionManager
	addr     string

	mu       sync.Mutex
	contexts map[target.BrowserContextID]*BrowserContext
	current  target.BrowserContextID
}

// NewContextManager constructs a ContextManager over root. Callers must
// call Init before using it.
func NewContextManager(root Session, sessions *SessionManager, addr string) *ContextManager {
	return &ContextManager{
		root:     root,
		sessions: sessions,
		addr:     addr,
		contexts: make(map[target.BrowserContextID]*BrowserContext),
	}
}

// ignoredContextSchemes are excluded when deriving the set of "active"
// contexts from Target.getTargets, per spec.md §4.G step 1.
var ignoredContextSchemes = []string{"chrome-extension://", "devtools://"}

// Init performs the reconciliation algorithm spec.md §4.G names: query the
// existing context set and the active target set, dispose stale contexts,
// and pick a current one.
func (m *ContextManager) Init(ctx context.Context) error {
	var browserContexts target.GetBrowserContextsReturns
	if err := m.root.Execute(ctx, string(target.CommandGetBrowserContexts), nil, &browserContexts); err != nil {
		return err
	}

	var targets target.GetTargetsReturns
	if err := m.root.Execute(ctx, string(target.CommandGetTargets), nil, &targets); err != nil {
		return err
	}

	setC := make(map[target.BrowserContextID]bool, len(browserContexts.BrowserContextIds))
	for _, id := range browserContexts.BrowserContextIds {
		setC[id] = true
	}

	setE := make(map[target.BrowserContextID]bool)
	var orderedE []target.BrowserContextID
	for _, info := range targets.TargetInfos {
		if isIgnoredTargetURL(info.URL) {
			continue
		}
		if info.BrowserContextID == "" {
			continue
		}
		if !setE[info.BrowserContextID] {
			orderedE = append(orderedE, info.BrowserContextID)
		}
		setE[info.BrowserContextID] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range setC {
		if !setE[id] {
			if err := m.disposeLocked(ctx, id); err != nil {
				return err
			}
		}
	}

	for id := range setE {
		m.contexts[id] = &BrowserContext{id: id, manager: m}
	}

	// Prefer a current context not originally in C: the user's
	// already-open context, rather than one this process created.
	var preferred target.BrowserContextID
	for _, id := range orderedE {
		if !setC[id] {
			preferred = id
			break
		}
	}
	if preferred == "" && len(orderedE) > 0 {
		preferred = orderedE[0]
	}
	m.current = preferred

	return nil
}

func isIgnoredTargetURL(url string) bool {
	for _, scheme := range ignoredContextSchemes {
		if strings.HasPrefix(url, scheme) {
			return true
		}
	}
	return false
}

// GetContext returns the current BrowserContext, or nil if none exists yet.
func (m *ContextManager) GetContext() *BrowserContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contexts[m.current]
}

// NewContext creates a fresh isolated BrowserContext via
// Target.createBrowserContext.
func (m *ContextManager) NewContext(ctx context.Context) (*BrowserContext, error) {
	var result target.CreateBrowserContextReturns
	if err := m.root.Execute(ctx, string(target.CommandCreateBrowserContext), &target.CreateBrowserContextParams{}, &result); err != nil {
		return nil, err
	}

	bc := &BrowserContext{id: result.BrowserContextID, manager: m}

	m.mu.Lock()
	m.contexts[bc.id] = bc
	m.current = bc.id
	m.mu.Unlock()

	return bc, nil
}

// DeleteContext disposes a BrowserContext via Target.disposeBrowserContext
// and drops it from the tracked set.
func (m *ContextManager) DeleteContext(ctx context.Context, id target.BrowserContextID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disposeLocked(ctx, id)
}

func (m *ContextManager) disposeLocked(ctx context.Context, id target.BrowserContextID) error {
	if err := m.root.Execute(ctx, string(target.CommandDisposeBrowserContext), &target.DisposeBrowserContextParams{
		BrowserContextID: id,
	}, nil); err != nil {
		return err
	}
	delete(m.contexts, id)
	if m.current == id {
		m.current = ""
	}
	return nil
}

// BrowserContext scopes tab, cookie, window, and download operations to one
// isolated context. See spec §4.G.
type BrowserContext struct {
	id      target.BrowserContextID
	manager *ContextManager

	mu   sync.Mutex
	tabs []*Tab // insertion order; GetTab looks up an explicit targetID here
}

// ID returns the underlying BrowserContextID.
func (c *BrowserContext) ID() target.BrowserContextID { return c.id }

// NewTab opens a fresh target in this context and navigates it to url,
// returning a ready Tab (post _wait_page_load).
func (c *BrowserContext) NewTab(ctx context.Context, url string) (*Tab, error) {
	if url == "" {
		url = "about:blank"
	}

	var result target.CreateTargetReturns
	if err := c.manager.root.Execute(ctx, string(target.CommandCreateTarget), &target.CreateTargetParams{
		URL:              url,
		BrowserContextID: c.id,
	}, &result); err != nil {
		return nil, err
	}

	return c.attachTab(ctx, result.TargetID)
}

// GetTab returns the Tab for targetID, or — if targetID is empty — the most
// recently created valid target in this context (opening a blank one if
// none exist), per spec.md §4.G. The empty-targetID case is resolved by
// live-querying Target.getTargets rather than this BrowserContext's own
// locally tracked tab list, so a target created outside this particular
// instance (another context handle, a tab opened directly against the
// browser) is still visible, matching original_source's
// Chromium.get_tab re-fetching targets on every call.
func (c *BrowserContext) GetTab(ctx context.Context, targetID target.ID) (*Tab, error) {
	resolvedLive := false
	if targetID == "" {
		last, err := c.lastLiveTargetID(ctx)
		if err != nil {
			return nil, err
		}
		if last == "" {
			return c.NewTab(ctx, "about:blank")
		}
		targetID = last
		resolvedLive = true
	}

	c.mu.Lock()
	for _, t := range c.tabs {
		if t.TargetID == targetID {
			c.mu.Unlock()
			return t, nil
		}
	}
	c.mu.Unlock()

	if !resolvedLive {
		return nil, ErrTabNotFoundError
	}
	return c.attachTab(ctx, targetID)
}

// lastLiveTargetID re-queries Target.getTargets and returns the last (by
// insertion order) non-ignored target belonging to this context, or "" if
// none exist.
func (c *BrowserContext) lastLiveTargetID(ctx context.Context) (target.ID, error) {
	var targets target.GetTargetsReturns
	if err := c.manager.root.Execute(ctx, string(target.CommandGetTargets), nil, &targets); err != nil {
		return "", err
	}
	var last target.ID
	for _, info := range targets.TargetInfos {
		if info.BrowserContextID != c.id {
			continue
		}
		if isIgnoredTargetURL(info.URL) {
			continue
		}
		last = info.TargetID
	}
	return last, nil
}

func (c *BrowserContext) attachTab(ctx context.Context, targetID target.ID) (*Tab, error) {
	sess, err := c.manager.sessions.GetSession(ctx, c.manager.addr, targetID)
	if err != nil {
		return nil, err
	}

	tab, err := newTab(ctx, sess, targetID, c.id, DefaultPageLoadTimeout)
	if err != nil {
		return nil, err
	}
	tab.context = c

	c.mu.Lock()
	c.tabs = append(c.tabs, tab)
	c.mu.Unlock()

	return tab, nil
}

// removeTab drops targetID from the insertion-order list, used by
// Tab.Close.
func (c *BrowserContext) removeTab(targetID target.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, t := range c.tabs {
		if t.TargetID == targetID {
			c.tabs = append(c.tabs[:i], c.tabs[i+1:]...)
			return
		}
	}
}

// SetCookies sets cookies on this context's storage partition via
// Storage.setCookies.
func (c *BrowserContext) SetCookies(ctx context.Context, cookies []*network.CookieParam) error {
	return c.manager.root.Execute(ctx, string(storage.CommandSetCookies), &storage.SetCookiesParams{
		Cookies:          cookies,
		BrowserContextID: c.id,
	}, nil)
}

// GetCookies returns every cookie visible in this context via
// Storage.getCookies.
func (c *BrowserContext) GetCookies(ctx context.Context) ([]*network.Cookie, error) {
	var result storage.GetCookiesReturns
	err := c.manager.root.Execute(ctx, string(storage.CommandGetCookies), &storage.GetCookiesParams{
		BrowserContextID: c.id,
	}, &result)
	return result.Cookies, err
}

// SetDownloadBehavior sets the download disposition for this context via
// Browser.setDownloadBehavior.
func (c *BrowserContext) SetDownloadBehavior(ctx context.Context, behavior, downloadPath string) error {
	return c.manager.root.Execute(ctx, string(browser.CommandSetDownloadBehavior), &browser.SetDownloadBehaviorParams{
		Behavior:         browser.DownloadBehavior(behavior),
		BrowserContextID: c.id,
		DownloadPath:     downloadPath,
	}, nil)
}

// tabTargetIDs returns the current tabs' target ids, in insertion order.
func (c *BrowserContext) tabTargetIDs() []target.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]target.ID, len(c.tabs))
	for i, t := range c.tabs {
		ids[i] = t.TargetID
	}
	return ids
}
