package cdpkit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/css"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"

	"github.com/cdpkit/cdpkit/by"
)

// clickSettleDelay is how long Click waits between mousePressed and
// mouseReleased, matching a real user's press-release cadence.
const clickSettleDelay = 100 * time.Millisecond

// ElementFinder is the lookup surface shared by Tab (document-rooted) and
// Element (node-rooted). See spec §4.I.
type ElementFinder struct {
	session Session

	// backendNodeID is zero until resolved. A zero value means "rooted at
	// the document" for an instance constructed that way (newElementFinder
	// with a nil argument); resetRoot restores that state after navigation.
	backendNodeID cdp.BackendNodeID
	objectID      runtime.RemoteObjectID
}

// newElementFinder constructs a finder. A nil backendNodeID roots it at the
// whole document (Tab); otherwise it is node-rooted (Element).
func newElementFinder(sess Session, backendNodeID *cdp.BackendNodeID) *ElementFinder {
	ef := &ElementFinder{session: sess}
	if backendNodeID != nil {
		ef.backendNodeID = *backendNodeID
	}
	return ef
}

func newElement(sess Session, backendNodeID cdp.BackendNodeID) *Element {
	return &Element{ElementFinder: newElementFinder(sess, &backendNodeID)}
}

// resetRoot invalidates cached identity after a navigation, so the next
// lookup re-resolves the document's own backend node id.
func (e *ElementFinder) resetRoot() {
	e.backendNodeID = 0
	e.objectID = ""
}

// ensureBackendNodeID implements the BackendNodeId half of the "node"
// property: DOM.getDocument{depth:0} when unresolved, cached afterwards.
func (e *ElementFinder) ensureBackendNodeID(ctx context.Context) (cdp.BackendNodeID, error) {
	if e.backendNodeID != 0 {
		return e.backendNodeID, nil
	}
	var result dom.GetDocumentReturns
	if err := e.session.Execute(ctx, string(dom.CommandGetDocument), &dom.GetDocumentParams{}, &result); err != nil {
		return 0, err
	}
	if result.Root == nil {
		return 0, ErrNoSuchElement
	}
	e.backendNodeID = result.Root.BackendNodeID
	return e.backendNodeID, nil
}

// node returns the current node structure: DOM.getDocument for a
// document-rooted finder, DOM.describeNode otherwise.
func (e *ElementFinder) node(ctx context.Context) (*cdp.Node, error) {
	if e.backendNodeID == 0 {
		var result dom.GetDocumentReturns
		if err := e.session.Execute(ctx, string(dom.CommandGetDocument), &dom.GetDocumentParams{}, &result); err != nil {
			return nil, err
		}
		if result.Root == nil {
			return nil, ErrNoSuchElement
		}
		e.backendNodeID = result.Root.BackendNodeID
		return result.Root, nil
	}

	var result dom.DescribeNodeReturns
	if err := e.session.Execute(ctx, string(dom.CommandDescribeNode), &dom.DescribeNodeParams{
		BackendNodeID: e.backendNodeID,
	}, &result); err != nil {
		return nil, err
	}
	if result.Node == nil {
		return nil, ErrNoSuchElement
	}
	return result.Node, nil
}

// resolveObjectID is the object_id property: lazy DOM.resolveNode, cached
// until resetRoot.
func (e *ElementFinder) resolveObjectID(ctx context.Context) (runtime.RemoteObjectID, error) {
	if e.objectID != "" {
		return e.objectID, nil
	}
	backendID, err := e.ensureBackendNodeID(ctx)
	if err != nil {
		return "", err
	}
	var result dom.ResolveNodeReturns
	if err := e.session.Execute(ctx, string(dom.CommandResolveNode), &dom.ResolveNodeParams{
		BackendNodeID: backendID,
	}, &result); err != nil {
		return "", err
	}
	if result.Object == nil {
		return "", ErrNoSuchElement
	}
	e.objectID = result.Object.ObjectID
	return e.objectID, nil
}

// rootNodeID ensures a frontend NodeId exists for the finder's backend node
// id via DOM.pushNodesByBackendIdsToFrontend, for the CSS lookup path.
func (e *ElementFinder) rootNodeID(ctx context.Context) (cdp.NodeID, error) {
	backendID, err := e.ensureBackendNodeID(ctx)
	if err != nil {
		return 0, err
	}
	var result dom.PushNodesByBackendIdsToFrontendReturns
	if err := e.session.Execute(ctx, string(dom.CommandPushNodesByBackendIdsToFrontend), &dom.PushNodesByBackendIdsToFrontendParams{
		BackendNodeIDs: []cdp.BackendNodeID{backendID},
	}, &result); err != nil {
		return 0, err
	}
	if len(result.NodeIDs) == 0 {
		return 0, ErrNoSuchElement
	}
	return result.NodeIDs[0], nil
}

// backendIDForNodeID maps a frontend NodeId back to a BackendNodeId via
// DOM.describeNode, or ErrNoSuchElement for NodeId 0.
func (e *ElementFinder) backendIDForNodeID(ctx context.Context, nodeID cdp.NodeID) (cdp.BackendNodeID, error) {
	if nodeID == 0 {
		return 0, ErrNoSuchElement
	}
	var result dom.DescribeNodeReturns
	if err := e.session.Execute(ctx, string(dom.CommandDescribeNode), &dom.DescribeNodeParams{
		NodeID: nodeID,
	}, &result); err != nil {
		return 0, err
	}
	if result.Node == nil {
		return 0, ErrNoSuchElement
	}
	return result.Node.BackendNodeID, nil
}

// findByCSS implements the CSS lookup path: ensure a NodeId, then
// QuerySelector or QuerySelectorAll.
func (e *ElementFinder) findByCSS(ctx context.Context, selector string, single bool) ([]cdp.BackendNodeID, error) {
	nodeID, err := e.rootNodeID(ctx)
	if err != nil {
		return nil, err
	}

	if single {
		var result dom.QuerySelectorReturns
		if err := e.session.Execute(ctx, string(dom.CommandQuerySelector), &dom.QuerySelectorParams{
			NodeID: nodeID, Selector: selector,
		}, &result); err != nil {
			return nil, err
		}
		if result.NodeID == 0 {
			return nil, nil
		}
		backendID, err := e.backendIDForNodeID(ctx, result.NodeID)
		if err != nil {
			return nil, err
		}
		return []cdp.BackendNodeID{backendID}, nil
	}

	var result dom.QuerySelectorAllReturns
	if err := e.session.Execute(ctx, string(dom.CommandQuerySelectorAll), &dom.QuerySelectorAllParams{
		NodeID: nodeID, Selector: selector,
	}, &result); err != nil {
		return nil, err
	}

	ids := make([]cdp.BackendNodeID, 0, len(result.NodeIDs))
	for _, id := range result.NodeIDs {
		backendID, err := e.backendIDForNodeID(ctx, id)
		if err != nil {
			return nil, err
		}
		ids = append(ids, backendID)
	}
	return ids, nil
}

// findByXPathDocument implements the document-rooted XPath strategy:
// DOM.performSearch, DOM.getSearchResults, with guaranteed
// DOM.discardSearchResults release.
func (e *ElementFinder) findByXPathDocument(ctx context.Context, xpath string, single bool) ([]cdp.BackendNodeID, error) {
	var search dom.PerformSearchReturns
	if err := e.session.Execute(ctx, string(dom.CommandPerformSearch), &dom.PerformSearchParams{
		Query:                     xpath,
		IncludeUserAgentShadowDOM: true,
	}, &search); err != nil {
		return nil, err
	}
	defer e.session.Execute(ctx, string(dom.CommandDiscardSearchResults), &dom.DiscardSearchResultsParams{
		SearchID: search.SearchID,
	}, nil)

	if search.ResultCount == 0 {
		return nil, nil
	}
	count := search.ResultCount
	if single && count > 1 {
		count = 1
	}

	var results dom.GetSearchResultsReturns
	if err := e.session.Execute(ctx, string(dom.CommandGetSearchResults), &dom.GetSearchResultsParams{
		SearchID:  search.SearchID,
		FromIndex: 0,
		ToIndex:   count,
	}, &results); err != nil {
		return nil, err
	}

	ids := make([]cdp.BackendNodeID, 0, len(results.NodeIDs))
	for _, id := range results.NodeIDs {
		backendID, err := e.backendIDForNodeID(ctx, id)
		if err != nil {
			return nil, err
		}
		ids = append(ids, backendID)
	}
	return ids, nil
}

// findByXPathElement implements the node-rooted XPath strategy: evaluate
// document.evaluate(...) on the element's RemoteObject, then map each
// resulting node RemoteObjectId back to a BackendNodeId.
func (e *ElementFinder) findByXPathElement(ctx context.Context, xpath string, single bool) ([]cdp.BackendNodeID, error) {
	escaped := escapeXPathForJS(xpath)
	source := jsFindElementsByXPath(escaped)
	if single {
		source = jsFindElementByXPath(escaped)
	}

	parsed, err := e.ExecuteScript(ctx, source)
	if err != nil {
		return nil, err
	}

	var objectIDs []runtime.RemoteObjectID
	switch v := parsed.(type) {
	case runtime.RemoteObjectID:
		objectIDs = []runtime.RemoteObjectID{v}
	case []runtime.RemoteObjectID:
		objectIDs = v
	}

	ids := make([]cdp.BackendNodeID, 0, len(objectIDs))
	for _, objectID := range objectIDs {
		var desc dom.DescribeNodeReturns
		if err := e.session.Execute(ctx, string(dom.CommandDescribeNode), &dom.DescribeNodeParams{
			ObjectID: objectID,
		}, &desc); err != nil {
			return nil, err
		}
		if desc.Node == nil {
			continue
		}
		if desc.Node.NodeID == 0 {
			e.session.Execute(ctx, string(dom.CommandPushNodesByBackendIdsToFrontend), &dom.PushNodesByBackendIdsToFrontendParams{
				BackendNodeIDs: []cdp.BackendNodeID{desc.Node.BackendNodeID},
			}, nil)
		}
		ids = append(ids, desc.Node.BackendNodeID)
	}
	return ids, nil
}

// find dispatches to the CSS or XPath strategy appropriate for locator and
// this finder's root.
func (e *ElementFinder) find(ctx context.Context, locator by.By, value string, single bool) ([]cdp.BackendNodeID, error) {
	if locator == by.XPath {
		if e.backendNodeID == 0 {
			return e.findByXPathDocument(ctx, value, single)
		}
		return e.findByXPathElement(ctx, value, single)
	}
	return e.findByCSS(ctx, by.ToCSSSelector(locator, value), single)
}

// FindElement returns the first match for locator/value, or
// ErrNoSuchElement.
func (e *ElementFinder) FindElement(ctx context.Context, locator by.By, value string) (*Element, error) {
	ids, err := e.find(ctx, locator, value, true)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNoSuchElement
	}
	return newElement(e.session, ids[0]), nil
}

// FindElements returns every match for locator/value, or an empty slice.
func (e *ElementFinder) FindElements(ctx context.Context, locator by.By, value string) ([]*Element, error) {
	ids, err := e.find(ctx, locator, value, false)
	if err != nil {
		return nil, err
	}
	elements := make([]*Element, len(ids))
	for i, id := range ids {
		elements[i] = newElement(e.session, id)
	}
	return elements, nil
}

// ExecuteScript runs source against this finder's root. Scripts mentioning
// `this` are invoked via Runtime.callFunctionOn against the resolved
// RemoteObject; otherwise a bare function expression is immediately invoked
// and evaluated via Runtime.evaluate. The RemoteObject behind the result is
// not released afterwards. See spec §4.I.
func (e *ElementFinder) ExecuteScript(ctx context.Context, source string) (interface{}, error) {
	script := strings.Trim(source, " \n")

	if strings.Contains(script, "this") {
		objectID, err := e.resolveObjectID(ctx)
		if err != nil {
			return nil, err
		}
		var result runtime.CallFunctionOnReturns
		if err := e.session.Execute(ctx, string(runtime.CommandCallFunctionOn), &runtime.CallFunctionOnParams{
			FunctionDeclaration: script,
			ObjectID:            objectID,
			Silent:              true,
		}, &result); err != nil {
			return nil, err
		}
		if result.ExceptionDetails != nil {
			return nil, result.ExceptionDetails
		}
		return parseRemoteObject(ctx, e.session, result.Result)
	}

	expr := script
	if strings.HasPrefix(script, "function") && strings.HasSuffix(script, "}") {
		expr = "(" + script + ")()"
	}

	var result runtime.EvaluateReturns
	if err := e.session.Execute(ctx, string(runtime.CommandEvaluate), &runtime.EvaluateParams{
		Expression: expr,
	}, &result); err != nil {
		return nil, err
	}
	if result.ExceptionDetails != nil {
		return nil, result.ExceptionDetails
	}
	return parseRemoteObject(ctx, e.session, result.Result)
}

// Rect is a JS getBoundingClientRect() result.
type Rect struct {
	X, Y, Width, Height float64
}

// Element is an ElementFinder plus the actions a DOM node supports. See
// spec §4.I, §6.
type Element struct {
	*ElementFinder
}

// Parent returns the element's parent, or ErrNoSuchElement at the document
// root.
func (el *Element) Parent(ctx context.Context) (*Element, error) {
	n, err := el.node(ctx)
	if err != nil {
		return nil, err
	}
	if n.ParentID == 0 {
		return nil, ErrNoSuchElement
	}
	backendID, err := el.backendIDForNodeID(ctx, n.ParentID)
	if err != nil {
		return nil, err
	}
	return newElement(el.session, backendID), nil
}

// Tag returns the element's lowercased tag name.
func (el *Element) Tag(ctx context.Context) (string, error) {
	n, err := el.node(ctx)
	if err != nil {
		return "", err
	}
	return strings.ToLower(n.NodeName), nil
}

// Attrs returns every attribute as a name/value map.
func (el *Element) Attrs(ctx context.Context) (map[string]string, error) {
	n, err := el.node(ctx)
	if err != nil {
		return nil, err
	}
	attrs := make(map[string]string, len(n.Attributes)/2)
	for i := 0; i+1 < len(n.Attributes); i += 2 {
		attrs[n.Attributes[i]] = n.Attributes[i+1]
	}
	return attrs, nil
}

// GetAttribute returns the named attribute's value, or "" if absent.
func (el *Element) GetAttribute(ctx context.Context, name string) (string, error) {
	attrs, err := el.Attrs(ctx)
	if err != nil {
		return "", err
	}
	return attrs[name], nil
}

// Value returns the element's "value" attribute.
func (el *Element) Value(ctx context.Context) (string, error) {
	return el.GetAttribute(ctx, "value")
}

// ClassName returns the element's "class" attribute.
func (el *Element) ClassName(ctx context.Context) (string, error) {
	return el.GetAttribute(ctx, "class")
}

// ID returns the element's "id" attribute.
func (el *Element) ID(ctx context.Context) (string, error) {
	return el.GetAttribute(ctx, "id")
}

// IsEnabled reports whether the element lacks a "disabled" attribute.
func (el *Element) IsEnabled(ctx context.Context) (bool, error) {
	attrs, err := el.Attrs(ctx)
	if err != nil {
		return false, err
	}
	_, disabled := attrs["disabled"]
	return !disabled, nil
}

// Text returns the element's textContent.
func (el *Element) Text(ctx context.Context) (string, error) {
	v, err := el.ExecuteScript(ctx, jsTextContent)
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

// Bounds returns the element's getBoundingClientRect().
func (el *Element) Bounds(ctx context.Context) (Rect, error) {
	v, err := el.ExecuteScript(ctx, jsBoundingClientRect)
	if err != nil {
		return Rect{}, err
	}
	s, ok := v.(string)
	if !ok {
		return Rect{}, ErrUnsupported
	}
	var raw struct {
		X      float64 `json:"x"`
		Y      float64 `json:"y"`
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	}
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return Rect{}, err
	}
	return Rect{X: raw.X, Y: raw.Y, Width: raw.Width, Height: raw.Height}, nil
}

// ComputedStyle returns the element's computed style as a property name to
// value map, via CSS.getComputedStyleForNode.
func (el *Element) ComputedStyle(ctx context.Context) (map[string]string, error) {
	nodeID, err := el.rootNodeID(ctx)
	if err != nil {
		return nil, err
	}
	var result css.GetComputedStyleForNodeReturns
	if err := el.session.Execute(ctx, string(css.CommandGetComputedStyleForNode), &css.GetComputedStyleForNodeParams{
		NodeID: nodeID,
	}, &result); err != nil {
		return nil, err
	}
	style := make(map[string]string, len(result.ComputedStyle))
	for _, prop := range result.ComputedStyle {
		style[prop.Name] = prop.Value
	}
	return style, nil
}

// OuterHTML returns the element's outer HTML.
func (el *Element) OuterHTML(ctx context.Context) (string, error) {
	objectID, err := el.resolveObjectID(ctx)
	if err != nil {
		return "", err
	}
	var result dom.GetOuterHTMLReturns
	if err := el.session.Execute(ctx, string(dom.CommandGetOuterHTML), &dom.GetOuterHTMLParams{
		ObjectID: objectID,
	}, &result); err != nil {
		return "", err
	}
	return result.OuterHTML, nil
}

// ScrollIntoView scrolls the element into the viewport if needed.
func (el *Element) ScrollIntoView(ctx context.Context) error {
	backendID, err := el.ensureBackendNodeID(ctx)
	if err != nil {
		return err
	}
	return el.session.Execute(ctx, string(dom.CommandScrollIntoViewIfNeeded), &dom.ScrollIntoViewIfNeededParams{
		BackendNodeID: backendID,
	}, nil)
}

// Click scrolls the element into view, then dispatches a left-button
// mousePressed/mouseReleased pair at its bounding rect's center.
func (el *Element) Click(ctx context.Context) error {
	if err := el.ScrollIntoView(ctx); err != nil {
		return err
	}
	rect, err := el.Bounds(ctx)
	if err != nil {
		return err
	}
	cx, cy := rect.X+rect.Width/2, rect.Y+rect.Height/2

	if err := el.session.Execute(ctx, string(input.CommandDispatchMouseEvent), &input.DispatchMouseEventParams{
		Type:       input.MouseTypeMousePressed,
		X:          cx,
		Y:          cy,
		Button:     input.ButtonLeft,
		ClickCount: 1,
	}, nil); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(clickSettleDelay):
	}

	return el.session.Execute(ctx, string(input.CommandDispatchMouseEvent), &input.DispatchMouseEventParams{
		Type:       input.MouseTypeMouseReleased,
		X:          cx,
		Y:          cy,
		Button:     input.ButtonLeft,
		ClickCount: 1,
	}, nil)
}

// Input scrolls the element into view, then types text at the current
// input focus via Input.insertText.
func (el *Element) Input(ctx context.Context, text string) error {
	if err := el.ScrollIntoView(ctx); err != nil {
		return err
	}
	return el.session.Execute(ctx, string(input.CommandInsertText), &input.InsertTextParams{
		Text: text,
	}, nil)
}

// SetInputFiles requires the element to be an <input type="file">, then
// sets its files via DOM.setFileInputFiles.
func (el *Element) SetInputFiles(ctx context.Context, files []string) error {
	tag, err := el.Tag(ctx)
	if err != nil {
		return err
	}
	if tag != "input" {
		return ErrElementNotFileInput
	}
	typ, err := el.GetAttribute(ctx, "type")
	if err != nil {
		return err
	}
	if typ != "file" {
		return ErrElementNotFileInput
	}

	backendID, err := el.ensureBackendNodeID(ctx)
	if err != nil {
		return err
	}
	return el.session.Execute(ctx, string(dom.CommandSetFileInputFiles), &dom.SetFileInputFilesParams{
		Files:         files,
		BackendNodeID: backendID,
	}, nil)
}

// TakeScreenshot captures a PNG clipped to the element's bounding rect.
func (el *Element) TakeScreenshot(ctx context.Context, quality int64) (string, error) {
	rect, err := el.Bounds(ctx)
	if err != nil {
		return "", err
	}

	var result page.CaptureScreenshotReturns
	if err := el.session.Execute(ctx, string(page.CommandCaptureScreenshot), &page.CaptureScreenshotParams{
		Format:  page.CaptureScreenshotParameterFormatPng,
		Quality: quality,
		Clip: &page.Viewport{
			X:      rect.X,
			Y:      rect.Y,
			Width:  rect.Width,
			Height: rect.Height,
			Scale:  1,
		},
	}, &result); err != nil {
		return "", err
	}
	return result.Data.String(), nil
}
