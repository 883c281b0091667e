// Package detect decides when a static fetch returned a JavaScript shell
// that needs re-fetching with the headless engine.
package detect

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ferozemohideen/harvester/internal/scraper"
)

const (
	defaultMinBodyBytes = 2048
	// scriptCoverageCutoff is the percentage of the document occupied by
	// script tags above which a small page is assumed to be a shell.
	scriptCoverageCutoff = 25
)

// frameworkMarkers appear in the empty mount points single-page apps ship.
var frameworkMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

// Heuristic flags responses that need browser rendering.
type Heuristic struct {
	minBodyBytes int
}

// NewHeuristic builds a detector. A zero threshold uses the default.
func NewHeuristic(minBodyBytes int) *Heuristic {
	if minBodyBytes <= 0 {
		minBodyBytes = defaultMinBodyBytes
	}
	return &Heuristic{minBodyBytes: minBodyBytes}
}

// ShouldEscalate reports whether resp looks like an unrendered shell.
// requiredSelector, when non-empty, names an element the caller expects in a
// fully rendered page; its absence triggers escalation.
func (h *Heuristic) ShouldEscalate(resp scraper.FetchResponse, requiredSelector string) bool {
	if resp.StatusCode != 200 || resp.IsPDF() {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < h.minBodyBytes && scriptHeavy(body) {
		return true
	}
	for _, marker := range frameworkMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	if requiredSelector != "" && !hasSelector(body, requiredSelector) {
		return true
	}
	return false
}

// hasSelector parses the body and probes for the selector. An unparseable
// body or selector never triggers escalation on its own.
func hasSelector(body []byte, selector string) bool {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return true
	}
	return doc.Find(selector).Length() > 0
}

// scriptHeavy reports whether script tags cover a large share of the
// document.
func scriptHeavy(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	covered := 0
	pos := 0
	for {
		open := strings.Index(lower[pos:], "<script")
		if open < 0 {
			break
		}
		start := pos + open
		end := strings.Index(lower[start:], "</script>")
		if end < 0 {
			// Unterminated script tag; count the remainder.
			covered += total - start
			break
		}
		next := start + end + len("</script>")
		covered += next - start
		pos = next
	}

	return covered*100/total >= scriptCoverageCutoff
}
