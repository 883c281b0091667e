package scraper

import "time"

// FieldValue holds an extracted field: a single string or a list, depending
// on the rule that produced it.
type FieldValue struct {
	Value  string
	Values []string
	Multi  bool
}

// ExtractionMetrics capture timing and volume for one extraction call.
type ExtractionMetrics struct {
	StartTime      time.Time
	EndTime        time.Time
	ProcessingTime time.Duration
	ItemCount      int
	// SuccessRate is the percentage of fields that extracted cleanly.
	SuccessRate float64
	// PDF-only fields; zero for HTML extractions.
	PageCount   int
	FileSize    int
	MemoryBytes uint64
}

// ValidationReport records non-fatal findings from an extraction pass.
type ValidationReport struct {
	InvalidSelectors []string
	EmptyResults     []string
	SecurityFlags    []string
	Warnings         []string
}

// ExtractionResult is the product of a pipeline run. Created fresh per call
// and handed to the caller; the engine persists nothing.
type ExtractionResult struct {
	Fields     map[string]FieldValue
	Success    bool
	Errors     []*Error
	Metrics    ExtractionMetrics
	Validation ValidationReport
}

// Text returns the extracted full text, if the pipeline produced one
// (PDF extractions store it under the "text" field).
func (r ExtractionResult) Text() string {
	return r.Fields["text"].Value
}
