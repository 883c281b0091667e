// Package pdf implements the buffer-based PDF extraction pipeline: a size
// guard, security screening ahead of any parsing, page-capped text
// extraction, and independent metadata extraction. Metrics are finalized on
// every invocation regardless of outcome.
package pdf

import (
	"bytes"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/ferozemohideen/harvester/internal/scraper"
)

// Options bound what the pipeline will process.
type Options struct {
	// MaxFileSize rejects larger buffers before any byte is parsed.
	MaxFileSize int
	// MaxPages caps how many pages are processed; pages beyond the cap are
	// skipped, not an error.
	MaxPages int
	// AllowEncrypted and AllowJavaScript gate the security screen.
	AllowEncrypted  bool
	AllowJavaScript bool
	// PageFirst/PageLast restrict extraction to a 1-based inclusive range;
	// zero means unbounded.
	PageFirst int
	PageLast  int
}

// Extractor runs the PDF pipeline.
type Extractor struct {
	opts Options
}

// New builds an Extractor. Zero options mean a 50 MiB size guard, a 200 page
// cap, and strict security screening.
func New(opts Options) *Extractor {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = 50 << 20
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 200
	}
	return &Extractor{opts: opts}
}

// Extract pulls text and metadata out of buffer. The returned result always
// carries finalized metrics, even when screening fails the document early.
func (e *Extractor) Extract(buffer []byte) (result scraper.ExtractionResult) {
	result = scraper.ExtractionResult{
		Fields: make(map[string]scraper.FieldValue),
	}
	finish := startMetrics(&result, len(buffer))
	defer finish()

	// Cost control: the size guard runs before any byte is parsed.
	if len(buffer) > e.opts.MaxFileSize {
		result.Errors = append(result.Errors,
			scraper.NewError(scraper.ClassifyValidation,
				fmt.Sprintf("pdf buffer %d bytes exceeds limit %d", len(buffer), e.opts.MaxFileSize)).
				With("file_size", len(buffer)))
		return result
	}
	if !bytes.HasPrefix(buffer, []byte("%PDF-")) {
		result.Errors = append(result.Errors,
			scraper.NewError(scraper.ClassifyValidation, "buffer is not a pdf document"))
		return result
	}

	// Security screening precedes content parsing: a hostile document is
	// rejected before it ever reaches the parser.
	screen := screenBuffer(buffer)
	result.Validation.SecurityFlags = screen.flags()
	if screen.encrypted && !e.opts.AllowEncrypted {
		result.Errors = append(result.Errors,
			scraper.NewError(scraper.ClassifySecurity, "document is encrypted"))
		return result
	}
	if screen.javascript && !e.opts.AllowJavaScript {
		result.Errors = append(result.Errors,
			scraper.NewError(scraper.ClassifySecurity, "document contains embedded script content"))
		return result
	}

	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(buffer), model.NewDefaultConfiguration())
	if err != nil {
		result.Errors = append(result.Errors,
			scraper.NewError(scraper.ClassifyParse, "read pdf structure").Wrap(err))
		return result
	}
	result.Metrics.PageCount = ctx.PageCount

	text, pagesProcessed := e.extractText(ctx)
	result.Metrics.ItemCount = pagesProcessed
	if text == "" {
		result.Validation.EmptyResults = append(result.Validation.EmptyResults, "text")
	} else {
		result.Fields["text"] = scraper.FieldValue{Value: text}
	}

	// Metadata extraction is independent: a failure here downgrades to a
	// parse error without discarding already-extracted text. A document
	// without an info dict is not a failure.
	if meta, err := parseMetadata(ctx); err != nil {
		result.Errors = append(result.Errors,
			scraper.NewError(scraper.ClassifyParse, "extract document metadata").Wrap(err))
	} else {
		setMetadataFields(&result, meta)
	}

	result.Success = len(result.Errors) == 0 && len(result.Fields) > 0
	return result
}

// extractText walks the configured page range, capped at MaxPages.
func (e *Extractor) extractText(ctx *model.Context) (string, int) {
	first := e.opts.PageFirst
	if first < 1 {
		first = 1
	}
	last := ctx.PageCount
	if e.opts.PageLast > 0 && e.opts.PageLast < last {
		last = e.opts.PageLast
	}
	if limit := first + e.opts.MaxPages - 1; last > limit {
		last = limit
	}

	var pages []string
	processed := 0
	for pageNr := first; pageNr <= last; pageNr++ {
		processed++
		if text := pageText(ctx, pageNr); text != "" {
			pages = append(pages, text)
		}
	}
	return strings.Join(pages, "\n"), processed
}

// pageText extracts one page's text via the pdfcpu content stream.
func pageText(ctx *model.Context, pageNr int) string {
	r, err := pdfcpu.ExtractPageContent(ctx, pageNr)
	if err != nil {
		return ""
	}
	data, err := io.ReadAll(r)
	if err != nil || len(data) == 0 {
		return ""
	}
	return textFromStream(data)
}

func setMetadataFields(result *scraper.ExtractionResult, meta Metadata) {
	if meta.Title != "" {
		result.Fields["title"] = scraper.FieldValue{Value: meta.Title}
	}
	if meta.Author != "" {
		result.Fields["author"] = scraper.FieldValue{Value: meta.Author}
	}
	if meta.Subject != "" {
		result.Fields["subject"] = scraper.FieldValue{Value: meta.Subject}
	}
	if len(meta.Keywords) > 0 {
		result.Fields["keywords"] = scraper.FieldValue{Values: meta.Keywords, Multi: true}
	}
	if !meta.Created.IsZero() {
		result.Fields["created"] = scraper.FieldValue{Value: meta.Created.UTC().Format(time.RFC3339)}
	}
	if !meta.Modified.IsZero() {
		result.Fields["modified"] = scraper.FieldValue{Value: meta.Modified.UTC().Format(time.RFC3339)}
	}
}

// screenResult is the outcome of the pre-parse security scan.
type screenResult struct {
	encrypted  bool
	javascript bool
	autoAction bool
	launch     bool
}

// screenBuffer scans the raw bytes for tokens that demand screening. A raw
// scan cannot be confused by a malformed document the way a parser can.
func screenBuffer(buffer []byte) screenResult {
	return screenResult{
		encrypted:  bytes.Contains(buffer, []byte("/Encrypt")),
		javascript: bytes.Contains(buffer, []byte("/JavaScript")) || containsJSToken(buffer),
		autoAction: bytes.Contains(buffer, []byte("/OpenAction")) || bytes.Contains(buffer, []byte("/AA")),
		launch:     bytes.Contains(buffer, []byte("/Launch")),
	}
}

// containsJSToken matches the /JS name without tripping on names that merely
// start with JS.
func containsJSToken(buffer []byte) bool {
	for i := 0; ; {
		j := bytes.Index(buffer[i:], []byte("/JS"))
		if j < 0 {
			return false
		}
		pos := i + j + len("/JS")
		if pos >= len(buffer) || isPDFDelimiter(buffer[pos]) {
			return true
		}
		i = pos
	}
}

func isPDFDelimiter(b byte) bool {
	switch b {
	case ' ', '\t', '\r', '\n', '\f', 0, '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

func (s screenResult) flags() []string {
	var flags []string
	if s.encrypted {
		flags = append(flags, "encrypted")
	}
	if s.javascript {
		flags = append(flags, "javascript")
	}
	if s.autoAction {
		flags = append(flags, "auto_action")
	}
	if s.launch {
		flags = append(flags, "launch_action")
	}
	return flags
}

// startMetrics stamps start time and file size, returning the finalizer that
// runs on every exit path.
func startMetrics(result *scraper.ExtractionResult, size int) func() {
	result.Metrics.StartTime = time.Now().UTC()
	result.Metrics.FileSize = size
	return func() {
		result.Metrics.EndTime = time.Now().UTC()
		result.Metrics.ProcessingTime = result.Metrics.EndTime.Sub(result.Metrics.StartTime)
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		result.Metrics.MemoryBytes = mem.Alloc
	}
}
