// Package scraper defines the core types and interfaces for the scrape
// orchestration engine: targets, institution policy tiers, fetch engines,
// and the contracts the dispatcher composes them through.
package scraper

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// InstitutionClass is a courtesy/policy tier that determines how aggressively
// a source may be scraped.
type InstitutionClass string

// Supported institution classes.
const (
	ClassPrimaryDomestic       InstitutionClass = "primary_domestic"
	ClassInternationalAcademic InstitutionClass = "international_academic"
	ClassFederalLab            InstitutionClass = "federal_lab"
	ClassDefault               InstitutionClass = "default"
)

// ParseInstitutionClass maps a free-form string onto the closed enum,
// falling back to ClassDefault for anything unknown.
func ParseInstitutionClass(s string) InstitutionClass {
	switch InstitutionClass(strings.ToLower(strings.TrimSpace(s))) {
	case ClassPrimaryDomestic:
		return ClassPrimaryDomestic
	case ClassInternationalAcademic:
		return ClassInternationalAcademic
	case ClassFederalLab:
		return ClassFederalLab
	default:
		return ClassDefault
	}
}

// EngineType identifies a fetch strategy.
type EngineType string

// Supported engine types.
const (
	EngineStatic         EngineType = "static"
	EngineHeadless       EngineType = "headless"
	EngineCrawlFramework EngineType = "crawl_framework"
)

// ParseEngineType maps a string onto the engine enum. Unknown values fall
// back to the static engine, the cheapest strategy.
func ParseEngineType(s string) EngineType {
	switch EngineType(strings.ToLower(strings.TrimSpace(s))) {
	case EngineHeadless:
		return EngineHeadless
	case EngineCrawlFramework:
		return EngineCrawlFramework
	default:
		return EngineStatic
	}
}

// ScrapeTarget describes a single fetch+extract unit of work. Targets are
// immutable once dispatched.
type ScrapeTarget struct {
	URL              string
	InstitutionKey   string
	InstitutionClass InstitutionClass
	Selectors        map[string]string
	EngineHint       EngineType
	// WaitSelector, when set, is the CSS selector the headless engine waits
	// for before snapshotting the DOM.
	WaitSelector string
	Headers      http.Header
}

// Validate rejects targets the dispatcher cannot execute.
func (t ScrapeTarget) Validate() error {
	if strings.TrimSpace(t.URL) == "" {
		return fmt.Errorf("scrape target: url is required")
	}
	if strings.TrimSpace(t.InstitutionKey) == "" {
		return fmt.Errorf("scrape target: institution key is required")
	}
	return nil
}

// RateLimitProfile is the courtesy budget for an institution class. Loaded
// from static configuration and never mutated at runtime.
type RateLimitProfile struct {
	RequestsPerSecond float64
	BurstLimit        int
	Cooldown          time.Duration
}

// Validate enforces the acquire() input constraints.
func (p RateLimitProfile) Validate() error {
	if p.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate limit profile: requests_per_second must be > 0")
	}
	if p.BurstLimit <= 0 {
		return fmt.Errorf("rate limit profile: burst_limit must be > 0")
	}
	return nil
}

// FetchRequest carries everything an engine needs to execute a single fetch.
type FetchRequest struct {
	URL          string
	Headers      http.Header
	WaitSelector string
}

// FetchResponse is the raw payload handed to an extraction pipeline.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Engine     EngineType
}

// ContentType returns the response media type without parameters.
func (r FetchResponse) ContentType() string {
	ct := r.Headers.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// IsPDF reports whether the payload should be routed to the PDF pipeline.
func (r FetchResponse) IsPDF() bool {
	if r.ContentType() == "application/pdf" {
		return true
	}
	// Servers behind download endpoints frequently mislabel PDFs; the magic
	// header is authoritative.
	return len(r.Body) >= 5 && string(r.Body[:5]) == "%PDF-"
}

// Fetcher executes a single fetch using one engine strategy. Implementations
// enforce their own concurrency ceiling, timeout, and body budget.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
	Engine() EngineType
}

// Clock abstracts time for window math and timestamps.
type Clock interface {
	Now() time.Time
}
