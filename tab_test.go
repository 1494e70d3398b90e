package cdpkit

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
)

func newReadyTab(sess *fakeSession) *Tab {
	return &Tab{
		ElementFinder:   newElementFinder(sess, nil),
		TargetID:        target.ID("target-1"),
		pageLoadTimeout: DefaultPageLoadTimeout,
		eventsEnabled:   true,
	}
}

func TestTabCurrentURLReturnsTargetInfoURL(t *testing.T) {
	sess := &fakeSession{
		execute: func(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
			if method != string(target.CommandGetTargetInfo) {
				t.Fatalf("unexpected method %q", method)
			}
			res.(*target.GetTargetInfoReturns).TargetInfo = &target.Info{URL: "https://example.com"}
			return nil
		},
	}
	tab := newReadyTab(sess)

	got, err := tab.CurrentURL(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "https://example.com" {
		t.Fatalf("got %q", got)
	}
}

func TestTabCurrentURLErrorsWhenTargetGone(t *testing.T) {
	sess := &fakeSession{
		execute: func(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
			return nil // TargetInfo left nil
		},
	}
	tab := newReadyTab(sess)

	if _, err := tab.CurrentURL(context.Background()); err != ErrTabNotFoundError {
		t.Fatalf("got err %v, want ErrTabNotFoundError", err)
	}
}

func TestTabTitleReturnsTargetInfoTitle(t *testing.T) {
	sess := &fakeSession{
		execute: func(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
			res.(*target.GetTargetInfoReturns).TargetInfo = &target.Info{Title: "Example Domain"}
			return nil
		},
	}
	tab := newReadyTab(sess)

	got, err := tab.Title(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Example Domain" {
		t.Fatalf("got %q", got)
	}
}

func TestTabRefreshIfURLUnchangedNoOpsWhenURLDiffers(t *testing.T) {
	reloaded := false
	sess := &fakeSession{
		execute: func(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
			switch method {
			case string(target.CommandGetTargetInfo):
				res.(*target.GetTargetInfoReturns).TargetInfo = &target.Info{URL: "https://after.example.com"}
			case string(page.CommandReload):
				reloaded = true
			default:
				t.Fatalf("unexpected method %q", method)
			}
			return nil
		},
	}
	tab := newReadyTab(sess)

	changed, err := tab.refreshIfURLUnchanged(context.Background(), "https://before.example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if changed {
		t.Fatal("got changed=true, want false when the URL moved on")
	}
	if reloaded {
		t.Fatal("refreshIfURLUnchanged reloaded despite the URL having changed")
	}
}

func TestTabRefreshIfURLUnchangedReloadsWhenURLSame(t *testing.T) {
	reloaded := false
	sess := &fakeSession{
		execute: func(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
			switch method {
			case string(target.CommandGetTargetInfo):
				res.(*target.GetTargetInfoReturns).TargetInfo = &target.Info{URL: "https://same.example.com"}
			case string(page.CommandReload):
				reloaded = true
			case string(runtime.CommandEvaluate):
				res.(*runtime.EvaluateReturns).Result = &runtime.RemoteObject{Type: "string", Value: []byte(`"complete"`)}
			default:
				t.Fatalf("unexpected method %q", method)
			}
			return nil
		},
	}
	tab := newReadyTab(sess)

	changed, err := tab.refreshIfURLUnchanged(context.Background(), "https://same.example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !changed {
		t.Fatal("got changed=false, want true when the URL stuck")
	}
	if !reloaded {
		t.Fatal("refreshIfURLUnchanged did not re-issue Refresh")
	}
}

func TestTabGoToDoesNotRefreshWhenURLChanges(t *testing.T) {
	navigated, reloaded := false, false
	sess := &fakeSession{
		execute: func(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
			switch method {
			case string(target.CommandGetTargetInfo):
				res.(*target.GetTargetInfoReturns).TargetInfo = &target.Info{URL: "https://before.example.com"}
			case string(page.CommandNavigate):
				navigated = true
			case string(page.CommandReload):
				reloaded = true
			case string(runtime.CommandEvaluate):
				res.(*runtime.EvaluateReturns).Result = &runtime.RemoteObject{Type: "string", Value: []byte(`"complete"`)}
			default:
				t.Fatalf("unexpected method %q", method)
			}
			return nil
		},
	}
	tab := newReadyTab(sess)

	if err := tab.GoTo(context.Background(), "https://after.example.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !navigated {
		t.Fatal("GoTo did not issue Page.navigate")
	}
	if reloaded {
		t.Fatal("GoTo reloaded despite navigating to a new URL")
	}
}

func TestTabGoToRefreshesWhenNavigatingToCurrentURL(t *testing.T) {
	navigateCount, reloadCount := 0, 0
	const url = "https://same.example.com"
	sess := &fakeSession{
		execute: func(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
			switch method {
			case string(target.CommandGetTargetInfo):
				res.(*target.GetTargetInfoReturns).TargetInfo = &target.Info{URL: url}
			case string(page.CommandNavigate):
				navigateCount++
			case string(page.CommandReload):
				reloadCount++
			case string(runtime.CommandEvaluate):
				res.(*runtime.EvaluateReturns).Result = &runtime.RemoteObject{Type: "string", Value: []byte(`"complete"`)}
			default:
				t.Fatalf("unexpected method %q", method)
			}
			return nil
		},
	}
	tab := newReadyTab(sess)

	if err := tab.GoTo(context.Background(), url); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if navigateCount != 1 {
		t.Fatalf("got %d Page.navigate calls, want 1", navigateCount)
	}
	if reloadCount != 1 {
		t.Fatalf("got %d Page.reload calls, want 1 (retry-on-noop for a same-URL go_to)", reloadCount)
	}
}

func TestTabGoToRejectedAfterClose(t *testing.T) {
	tab := newReadyTab(&fakeSession{execute: func(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
		t.Fatalf("unexpected method %q on a closed tab", method)
		return nil
	}})
	tab.closed = true

	if err := tab.GoTo(context.Background(), "https://example.com"); err != ErrPageClosed {
		t.Fatalf("got err %v, want ErrPageClosed", err)
	}
}

func TestTabCloseIsIdempotent(t *testing.T) {
	sess := &fakeSession{
		execute: func(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
			if method != string(page.CommandClose) {
				t.Fatalf("unexpected method %q", method)
			}
			return nil
		},
	}
	tab := newReadyTab(sess)

	if err := tab.Close(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tab.Close(context.Background()); err != nil {
		t.Fatalf("second Close returned an error: %v", err)
	}
}

func TestTabCloseRemovesItselfFromContext(t *testing.T) {
	sess := &fakeSession{
		execute: func(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
			return nil
		},
	}
	tab := newReadyTab(sess)
	m := NewContextManager(nil, nil, "")
	bc := &BrowserContext{id: "ctx-1", manager: m}
	tab.context = bc
	bc.tabs = []*Tab{tab}

	if err := tab.Close(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bc.tabs) != 0 {
		t.Fatalf("Close did not remove the tab from its context: %v", bc.tabs)
	}
}

func TestTabOperationsRejectedAfterClose(t *testing.T) {
	sess := &fakeSession{
		execute: func(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
			return nil
		},
	}
	tab := newReadyTab(sess)
	tab.closed = true

	if err := tab.GoTo(context.Background(), "https://example.com"); err != ErrPageClosed {
		t.Fatalf("GoTo after Close: got %v, want ErrPageClosed", err)
	}
	if err := tab.Refresh(context.Background(), nil, ""); err != ErrPageClosed {
		t.Fatalf("Refresh after Close: got %v, want ErrPageClosed", err)
	}
}

func TestTabTakeScreenshotWritesDecodedBytesToFile(t *testing.T) {
	want := []byte("not actually a png, just test bytes")
	sess := &fakeSession{
		execute: func(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
			if method != string(page.CommandCaptureScreenshot) {
				t.Fatalf("unexpected method %q", method)
			}
			p := params.(*page.CaptureScreenshotParams)
			if p.Format != page.CaptureScreenshotParameterFormatPng {
				t.Fatalf("got format %v, want png for a non-.jpg path", p.Format)
			}
			res.(*page.CaptureScreenshotReturns).Data = cdp.Binary(want)
			return nil
		},
	}
	tab := newReadyTab(sess)

	dir := t.TempDir()
	path := filepath.Join(dir, "shot.png")
	if _, err := tab.TakeScreenshot(context.Background(), path, 0, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading written screenshot: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestTabTakeScreenshotSelectsJPEGFormatByExtension(t *testing.T) {
	var gotFormat page.CaptureScreenshotParameterFormat
	sess := &fakeSession{
		execute: func(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
			gotFormat = params.(*page.CaptureScreenshotParams).Format
			res.(*page.CaptureScreenshotReturns).Data = cdp.Binary([]byte("x"))
			return nil
		},
	}
	tab := newReadyTab(sess)

	if _, err := tab.TakeScreenshot(context.Background(), "/tmp/shot.JPEG", 80, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotFormat != page.CaptureScreenshotParameterFormatJpeg {
		t.Fatalf("got format %v, want jpeg for a .JPEG path", gotFormat)
	}
}

func TestTabTakeScreenshotAsBase64SkipsFileWrite(t *testing.T) {
	raw := []byte("hello screenshot")
	sess := &fakeSession{
		execute: func(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
			res.(*page.CaptureScreenshotReturns).Data = cdp.Binary(raw)
			return nil
		},
	}
	tab := newReadyTab(sess)

	got, err := tab.TakeScreenshot(context.Background(), "", 0, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := base64.StdEncoding.EncodeToString(raw)
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestTabPrintToPDFWritesDecodedBytesToFile(t *testing.T) {
	want := []byte("%PDF-1.4 test bytes")
	var gotParams *page.PrintToPDFParams
	sess := &fakeSession{
		execute: func(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
			if method != string(page.CommandPrintToPDF) {
				t.Fatalf("unexpected method %q", method)
			}
			gotParams = params.(*page.PrintToPDFParams)
			res.(*page.PrintToPDFReturns).Data = cdp.Binary(want)
			return nil
		},
	}
	tab := newReadyTab(sess)

	dir := t.TempDir()
	path := filepath.Join(dir, "out.pdf")
	if _, err := tab.PrintToPDF(context.Background(), path, true, true, 1.5, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !gotParams.Landscape || !gotParams.PrintBackground || gotParams.Scale != 1.5 {
		t.Fatalf("params not forwarded: %+v", gotParams)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading written pdf: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestTabExpectFileChooserEnablesAndDisablesIntercept(t *testing.T) {
	var calls []bool
	sess := &fakeSession{
		execute: func(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
			if method != string(page.CommandSetInterceptFileChooserDialog) {
				t.Fatalf("unexpected method %q", method)
			}
			calls = append(calls, params.(*page.SetInterceptFileChooserDialogParams).Enabled)
			return nil
		},
	}
	tab := newReadyTab(sess)

	fnCalled := false
	err := tab.ExpectFileChooser(context.Background(), []string{"/tmp/x.txt"}, func() error {
		fnCalled = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fnCalled {
		t.Fatal("ExpectFileChooser did not invoke fn")
	}
	if len(calls) != 2 || calls[0] != true || calls[1] != false {
		t.Fatalf("got intercept calls %v, want [true false]", calls)
	}
}

func TestTabExpectFileChooserDisablesInterceptEvenOnError(t *testing.T) {
	var calls []bool
	sess := &fakeSession{
		execute: func(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
			calls = append(calls, params.(*page.SetInterceptFileChooserDialogParams).Enabled)
			return nil
		},
	}
	tab := newReadyTab(sess)

	wantErr := ErrTimeout
	err := tab.ExpectFileChooser(context.Background(), nil, func() error {
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("got err %v, want %v", err, wantErr)
	}
	if len(calls) != 2 || calls[1] != false {
		t.Fatalf("got intercept calls %v, want interception disabled even after fn errored", calls)
	}
}

func TestTabPageSourceResolvesDocumentThenOuterHTML(t *testing.T) {
	sess := &fakeSession{
		execute: func(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
			switch method {
			case string(dom.CommandGetDocument):
				res.(*dom.GetDocumentReturns).Root = &cdp.Node{BackendNodeID: cdp.BackendNodeID(42)}
			case string(dom.CommandGetOuterHTML):
				if params.(*dom.GetOuterHTMLParams).BackendNodeID != cdp.BackendNodeID(42) {
					t.Fatalf("got backend node id %v, want 42", params.(*dom.GetOuterHTMLParams).BackendNodeID)
				}
				res.(*dom.GetOuterHTMLReturns).OuterHTML = "<html></html>"
			default:
				t.Fatalf("unexpected method %q", method)
			}
			return nil
		},
	}
	tab := newReadyTab(sess)

	got, err := tab.PageSource(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "<html></html>" {
		t.Fatalf("got %q", got)
	}
}
