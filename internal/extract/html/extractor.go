// Package html implements the selector-based HTML extraction pipeline:
// CSS selectors applied per field, institution-specific rule overrides,
// sanitized output, and a validation report for empty or broken selectors.
package html

import (
	"fmt"
	stdhtml "html"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/microcosm-cc/bluemonday"

	"github.com/ferozemohideen/harvester/internal/scraper"
)

// RuleKind selects how a field's matches become a value.
type RuleKind int

// Supported rule kinds.
const (
	// RuleDefault takes the first match's trimmed text.
	RuleDefault RuleKind = iota
	// RuleMultiValue collects every match's trimmed text.
	RuleMultiValue
	// RuleTransform feeds all trimmed matches through a custom function.
	RuleTransform
)

// Rule is an institution-specific override for one field. The zero value is
// the default single-value extraction.
type Rule struct {
	Kind RuleKind
	// Transform is required for RuleTransform; it receives every trimmed
	// match and returns the final value.
	Transform func(values []string) (string, error)
}

// Config tunes the extractor.
type Config struct {
	// ValidateSelectors enables the pre-validation pass that reports
	// syntactically broken and overly generic selectors as warnings.
	ValidateSelectors bool
}

// Extractor applies selector maps to HTML documents.
type Extractor struct {
	cfg       Config
	sanitizer *bluemonday.Policy
}

// New builds an Extractor.
func New(cfg Config) *Extractor {
	return &Extractor{
		cfg:       cfg,
		sanitizer: bluemonday.StrictPolicy(),
	}
}

// Extract applies each (field, selector) pair to the document and returns a
// fresh ExtractionResult. rules may be nil; fields without a rule use the
// default first-match behavior.
func (e *Extractor) Extract(doc string, selectors map[string]string, rules map[string]Rule) (result scraper.ExtractionResult) {
	result = scraper.ExtractionResult{
		Fields: make(map[string]scraper.FieldValue),
	}
	finish := startMetrics(&result)
	defer finish()

	if strings.TrimSpace(doc) == "" {
		result.Errors = append(result.Errors,
			scraper.NewError(scraper.ClassifyValidation, "html input is empty"))
		return result
	}
	if len(selectors) == 0 {
		result.Errors = append(result.Errors,
			scraper.NewError(scraper.ClassifyValidation, "no selectors configured"))
		return result
	}

	parsed, err := goquery.NewDocumentFromReader(strings.NewReader(doc))
	if err != nil {
		result.Errors = append(result.Errors,
			scraper.NewError(scraper.ClassifyParse, "parse html document").Wrap(err))
		return result
	}

	// Script and style text is never record content.
	parsed.Find("script, style, noscript").Remove()

	if e.cfg.ValidateSelectors {
		result.Validation.Warnings = ValidateSelectors(selectors)
	}

	var failed, succeeded int
	for _, field := range sortedFields(selectors) {
		selector := selectors[field]
		matcher, err := cascadia.Compile(selector)
		if err != nil {
			failed++
			result.Validation.InvalidSelectors = append(result.Validation.InvalidSelectors, field)
			result.Errors = append(result.Errors,
				scraper.NewError(scraper.ClassifyParse, fmt.Sprintf("compile selector for field %q", field)).
					Wrap(err).
					With("selector", selector))
			continue
		}

		values := e.collect(parsed, matcher)
		if len(values) == 0 {
			result.Validation.EmptyResults = append(result.Validation.EmptyResults, field)
			continue
		}

		value, err := applyRule(rules[field], values)
		if err != nil {
			failed++
			result.Errors = append(result.Errors,
				scraper.NewError(scraper.ClassifyParse, fmt.Sprintf("transform field %q", field)).Wrap(err))
			continue
		}
		result.Fields[field] = value
		succeeded++
		result.Metrics.ItemCount += len(values)
	}

	result.Success = failed == 0 && len(result.Fields) > 0
	if total := len(selectors); total > 0 {
		result.Metrics.SuccessRate = float64(succeeded) / float64(total) * 100
	}
	return result
}

// collect returns the sanitized, trimmed text of every node matched.
func (e *Extractor) collect(doc *goquery.Document, matcher cascadia.Selector) []string {
	var values []string
	doc.FindMatcher(matcher).Each(func(_ int, sel *goquery.Selection) {
		text := e.clean(sel.Text())
		if text != "" {
			values = append(values, text)
		}
	})
	return values
}

// clean strips residual markup, collapses whitespace, and trims.
func (e *Extractor) clean(text string) string {
	text = e.sanitizer.Sanitize(text)
	text = stdhtml.UnescapeString(text)
	return strings.Join(strings.Fields(text), " ")
}

func applyRule(rule Rule, values []string) (scraper.FieldValue, error) {
	switch rule.Kind {
	case RuleMultiValue:
		return scraper.FieldValue{Values: values, Multi: true}, nil
	case RuleTransform:
		if rule.Transform == nil {
			return scraper.FieldValue{}, fmt.Errorf("transform rule has no function")
		}
		value, err := rule.Transform(values)
		if err != nil {
			return scraper.FieldValue{}, err
		}
		return scraper.FieldValue{Value: value}, nil
	default:
		return scraper.FieldValue{Value: values[0]}, nil
	}
}

// ValidateSelectors checks selector syntax and flags selectors too generic to
// be meaningful (bare tag names, universal selectors). Findings are warnings,
// not blocking errors.
func ValidateSelectors(selectors map[string]string) []string {
	var warnings []string
	for _, field := range sortedFields(selectors) {
		selector := strings.TrimSpace(selectors[field])
		if selector == "" {
			warnings = append(warnings, fmt.Sprintf("field %q: selector is empty", field))
			continue
		}
		if _, err := cascadia.Compile(selector); err != nil {
			warnings = append(warnings, fmt.Sprintf("field %q: invalid selector %q: %v", field, selector, err))
			continue
		}
		if tooGeneric(selector) {
			warnings = append(warnings, fmt.Sprintf("field %q: selector %q is too generic", field, selector))
		}
	}
	return warnings
}

// tooGeneric flags the universal selector and bare tag names like "div".
func tooGeneric(selector string) bool {
	if selector == "*" {
		return true
	}
	for _, r := range selector {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

// startMetrics stamps the start time and returns the finalizer that must run
// on every exit path.
func startMetrics(result *scraper.ExtractionResult) func() {
	result.Metrics.StartTime = time.Now().UTC()
	return func() {
		result.Metrics.EndTime = time.Now().UTC()
		result.Metrics.ProcessingTime = result.Metrics.EndTime.Sub(result.Metrics.StartTime)
	}
}

func sortedFields(selectors map[string]string) []string {
	fields := make([]string, 0, len(selectors))
	for field := range selectors {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}
