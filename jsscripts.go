package cdpkit

import "strings"

// jsDocumentReadyState reads document.readyState, polled by Tab's page-load
// wait.
const jsDocumentReadyState = `document.readyState`

// jsTextContent returns an element's textContent via execute_script's
// `this`-wrapping path.
const jsTextContent = `function() {
	return this.textContent;
}`

// jsBoundingClientRect returns an element's bounding rect as a JSON string.
const jsBoundingClientRect = `function() {
	return JSON.stringify(this.getBoundingClientRect());
}`

// jsFindElementByXPath evaluates a single-result XPath query rooted at
// `this` (either an element or, when `this` is the document, the whole
// page). xpath must already have its quotes escaped.
func jsFindElementByXPath(xpath string) string {
	return `function() {
	return document.evaluate(
		"` + xpath + `", this, null,
		XPathResult.FIRST_ORDERED_NODE_TYPE, null
	).singleNodeValue;
}`
}

// jsFindElementsByXPath evaluates a multi-result XPath query, snapshotting
// every match into an array.
func jsFindElementsByXPath(xpath string) string {
	return `function() {
	var elements = document.evaluate(
		"` + xpath + `", this, null,
		XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null
	);
	var results = [];
	for (var i = 0; i < elements.snapshotLength; i++) {
		results.push(elements.snapshotItem(i));
	}
	return results;
}`
}

// escapeXPathForJS escapes double quotes so an XPath expression can be
// embedded in a double-quoted JS string literal.
func escapeXPathForJS(xpath string) string {
	return strings.ReplaceAll(xpath, `"`, `\"`)
}
