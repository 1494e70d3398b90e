package cdpkit

import (
	"context"
	"encoding/base64"
	"os"
	"strings"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/css"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
)

// DefaultPageLoadTimeout bounds how long _wait_page_load polls
// document.readyState before failing with ErrTimeout.
const DefaultPageLoadTimeout = 30 * time.Second

// pageLoadPollInterval is how often _wait_page_load re-checks
// document.readyState. See spec §4.H.
const pageLoadPollInterval = 500 * time.Millisecond

// Tab is a page-scoped session: navigation, load synchronization, and
// lifecycle. Tab embeds ElementFinder so find_element(s) resolve against
// the whole document. See spec §4.H.
type Tab struct {
	*ElementFinder

	TargetID         target.ID
	BrowserContextID target.BrowserContextID

	pageLoadTimeout time.Duration
	eventsEnabled   bool

	sessions *SessionManager
	addr     string
	context  *BrowserContext

	closed bool
}

// newTab constructs a Tab over an already-attached session and blocks
// until the initial page load completes, matching the teacher's Tab
// construction in the original Python source.
func newTab(ctx context.Context, sess Session, targetID target.ID, browserContextID target.BrowserContextID, pageLoadTimeout time.Duration) (*Tab, error) {
	t := &Tab{
		TargetID:         targetID,
		BrowserContextID: browserContextID,
		pageLoadTimeout:  pageLoadTimeout,
	}
	t.ElementFinder = newElementFinder(sess, nil)

	if err := t.waitPageLoad(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// waitPageLoad implements spec.md's _wait_page_load: enable the page/DOM/
// runtime domains exactly once, then poll document.readyState until it is
// "complete" or pageLoadTimeout elapses.
func (t *Tab) waitPageLoad(ctx context.Context) error {
	if !t.eventsEnabled {
		if err := t.session.Execute(ctx, string(page.CommandEnable), &page.EnableParams{}, nil); err != nil {
			return err
		}
		if err := t.session.Execute(ctx, string(dom.CommandEnable), &dom.EnableParams{}, nil); err != nil {
			return err
		}
		if err := t.session.Execute(ctx, string(runtime.CommandEnable), &runtime.EnableParams{}, nil); err != nil {
			return err
		}
		if err := t.session.Execute(ctx, string(css.CommandEnable), &css.EnableParams{}, nil); err != nil {
			return err
		}
		t.eventsEnabled = true
	}

	deadline := time.Now().Add(t.pageLoadTimeout)
	for {
		state, err := t.ElementFinder.ExecuteScript(ctx, jsDocumentReadyState)
		if err == nil {
			if s, ok := state.(string); ok && s == "complete" {
				t.ElementFinder.resetRoot()
				return nil
			}
		}

		if time.Now().After(deadline) {
			return ErrTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pageLoadPollInterval):
		}
	}
}

// GoTo navigates to url and waits for the resulting load to settle. When
// url is already the tab's current URL, Page.navigate is a same-document
// no-op in Chrome (no frame is actually reloaded), so refreshIfURLUnchanged
// retries once via a real Refresh to honor the caller's request for a fresh
// load.
func (t *Tab) GoTo(ctx context.Context, url string) error {
	if t.closed {
		return ErrPageClosed
	}
	before, _ := t.CurrentURL(ctx)

	if err := t.session.Execute(ctx, string(page.CommandNavigate), &page.NavigateParams{URL: url}, nil); err != nil {
		return err
	}
	if err := t.waitPageLoad(ctx); err != nil {
		return err
	}

	if before == url {
		_, err := t.refreshIfURLUnchanged(ctx, url)
		return err
	}
	return nil
}

// refreshIfURLUnchanged re-issues Refresh if the tab's current URL still
// equals url after a navigation attempt — some SPAs no-op a pushState to
// the same URL. Supplemented from original_source's
// Tab._refresh_if_url_not_changed.
func (t *Tab) refreshIfURLUnchanged(ctx context.Context, url string) (bool, error) {
	cur, err := t.CurrentURL(ctx)
	if err != nil {
		return false, err
	}
	if cur != url {
		return false, nil
	}
	return true, t.Refresh(ctx, nil, "")
}

// Refresh reloads the page, optionally bypassing cache and running a
// script on load.
func (t *Tab) Refresh(ctx context.Context, ignoreCache *bool, scriptOnLoad string) error {
	if t.closed {
		return ErrPageClosed
	}
	params := &page.ReloadParams{}
	if ignoreCache != nil {
		params.IgnoreCache = *ignoreCache
	}
	if scriptOnLoad != "" {
		params.ScriptToEvaluateOnLoad = scriptOnLoad
	}
	if err := t.session.Execute(ctx, string(page.CommandReload), params, nil); err != nil {
		return err
	}
	return t.waitPageLoad(ctx)
}

// Close closes the target, removes its session from the owning
// SessionManager, and closes the underlying per-target session.
func (t *Tab) Close(ctx context.Context) error {
	if t.closed {
		return nil
	}
	t.closed = true

	err := t.session.Execute(ctx, string(page.CommandClose), &page.CloseParams{}, nil)
	if t.context != nil {
		t.context.removeTab(t.TargetID)
	}
	if closeErr := t.session.Close(ctx); err == nil {
		err = closeErr
	}
	return err
}

// CurrentURL returns the target's current URL via Target.getTargetInfo.
func (t *Tab) CurrentURL(ctx context.Context) (string, error) {
	var result target.GetTargetInfoReturns
	if err := t.session.Execute(ctx, string(target.CommandGetTargetInfo), &target.GetTargetInfoParams{
		TargetID: t.TargetID,
	}, &result); err != nil {
		return "", err
	}
	if result.TargetInfo == nil {
		return "", ErrTabNotFoundError
	}
	return result.TargetInfo.URL, nil
}

// Title returns the target's current title via Target.getTargetInfo.
func (t *Tab) Title(ctx context.Context) (string, error) {
	var result target.GetTargetInfoReturns
	if err := t.session.Execute(ctx, string(target.CommandGetTargetInfo), &target.GetTargetInfoParams{
		TargetID: t.TargetID,
	}, &result); err != nil {
		return "", err
	}
	if result.TargetInfo == nil {
		return "", ErrTabNotFoundError
	}
	return result.TargetInfo.Title, nil
}

// PageSource returns the document's outer HTML.
func (t *Tab) PageSource(ctx context.Context) (string, error) {
	backendID, err := t.ElementFinder.ensureBackendNodeID(ctx)
	if err != nil {
		return "", err
	}
	var result dom.GetOuterHTMLReturns
	if err := t.session.Execute(ctx, string(dom.CommandGetOuterHTML), &dom.GetOuterHTMLParams{
		BackendNodeID: backendID,
	}, &result); err != nil {
		return "", err
	}
	return result.OuterHTML, nil
}

// Activate brings the tab to the front.
func (t *Tab) Activate(ctx context.Context) error {
	if err := t.session.Execute(ctx, string(target.CommandActivateTarget), &target.ActivateTargetParams{
		TargetID: t.TargetID,
	}, nil); err != nil {
		return err
	}
	return t.session.Execute(ctx, string(page.CommandBringToFront), &page.BringToFrontParams{}, nil)
}

// TakeScreenshot captures the current viewport as PNG (or JPEG if path ends in
// .jpg/.jpeg), writing to path unless asBase64 requests the raw string
// instead.
func (t *Tab) TakeScreenshot(ctx context.Context, path string, quality int64, asBase64 bool) (string, error) {
	format := page.CaptureScreenshotParameterFormatPng
	if hasSuffixFold(path, ".jpg") || hasSuffixFold(path, ".jpeg") {
		format = page.CaptureScreenshotParameterFormatJpeg
	}

	var result page.CaptureScreenshotReturns
	if err := t.session.Execute(ctx, string(page.CommandCaptureScreenshot), &page.CaptureScreenshotParams{
		Format:  format,
		Quality: quality,
	}, &result); err != nil {
		return "", err
	}

	if asBase64 {
		return result.Data.String(), nil
	}
	if path != "" {
		raw, err := base64.StdEncoding.DecodeString(result.Data.String())
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(path, raw, 0o644); err != nil {
			return "", err
		}
	}
	return "", nil
}

// PrintToPDF renders the page as PDF.
func (t *Tab) PrintToPDF(ctx context.Context, path string, landscape, printBackground bool, scale float64, asBase64 bool) (string, error) {
	var result page.PrintToPDFReturns
	if err := t.session.Execute(ctx, string(page.CommandPrintToPDF), &page.PrintToPDFParams{
		Landscape:       landscape,
		PrintBackground: printBackground,
		Scale:           scale,
	}, &result); err != nil {
		return "", err
	}

	if asBase64 {
		return result.Data.String(), nil
	}
	if path != "" {
		raw, err := base64.StdEncoding.DecodeString(result.Data.String())
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(path, raw, 0o644); err != nil {
			return "", err
		}
	}
	return "", nil
}

// ExpectFileChooser runs fn with file-chooser interception enabled:
// Page.setInterceptFileChooserDialog{true}, a one-shot handler that
// supplies files to the next Page.fileChooserOpened event, and guaranteed
// disablement on return (including on error). See spec §4.H.
func (t *Tab) ExpectFileChooser(ctx context.Context, files []string, fn func() error) error {
	if err := t.session.Execute(ctx, string(page.CommandSetInterceptFileChooserDialog), &page.SetInterceptFileChooserDialogParams{
		Enabled: true,
	}, nil); err != nil {
		return err
	}
	defer t.session.Execute(ctx, string(page.CommandSetInterceptFileChooserDialog), &page.SetInterceptFileChooserDialogParams{
		Enabled: false,
	}, nil)

	unregister := t.session.Once(cdproto.EventPageFileChooserOpened, func(msg *cdproto.Message) {
		ev, err := cdproto.UnmarshalMessage(msg)
		if err != nil {
			return
		}
		opened, ok := ev.(*page.EventFileChooserOpened)
		if !ok {
			return
		}
		t.session.Execute(ctx, string(dom.CommandSetFileInputFiles), &dom.SetFileInputFilesParams{
			Files:         files,
			BackendNodeID: opened.BackendNodeID,
		}, nil)
	})
	defer unregister()

	return fn()
}

func hasSuffixFold(s, suffix string) bool {
	return len(s) >= len(suffix) && strings.EqualFold(s[len(s)-len(suffix):], suffix)
}
