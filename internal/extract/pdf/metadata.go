package pdf

import (
	"fmt"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Metadata is the document-information slice of an extraction. It is resolved
// from the parsed document, independently of text extraction.
type Metadata struct {
	Title    string
	Author   string
	Subject  string
	Keywords []string
	Created  time.Time
	Modified time.Time
}

// parseMetadata resolves the trailer's document information dictionary. A
// document without one yields empty metadata; an error means an entry that
// exists could not be decoded, so the caller can downgrade to a parse
// failure without discarding text.
func parseMetadata(ctx *model.Context) (Metadata, error) {
	var meta Metadata
	if ctx.Info == nil {
		return meta, nil
	}
	d, err := ctx.DereferenceDict(*ctx.Info)
	if err != nil {
		return meta, fmt.Errorf("resolve info dict: %w", err)
	}
	if d == nil {
		return meta, nil
	}

	for key, value := range d {
		switch key {
		case "Title", "Author", "Subject", "Keywords", "CreationDate", "ModDate":
		default:
			// Producer, Creator, Trapped, and custom entries are not part
			// of the extraction contract.
			continue
		}
		text, err := ctx.DereferenceText(value)
		if err != nil {
			return meta, fmt.Errorf("decode info entry %s: %w", key, err)
		}
		text = cleanText(text)
		switch key {
		case "Title":
			meta.Title = text
		case "Author":
			meta.Author = text
		case "Subject":
			meta.Subject = text
		case "Keywords":
			meta.Keywords = splitKeywords(text)
		case "CreationDate":
			meta.Created = parsePDFDate(text)
		case "ModDate":
			meta.Modified = parsePDFDate(text)
		}
	}
	return meta, nil
}

// splitKeywords breaks a keyword string on the separators producers use.
func splitKeywords(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';'
	})
	var keywords []string
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			keywords = append(keywords, f)
		}
	}
	return keywords
}

// parsePDFDate parses the D:YYYYMMDDHHmmSS form, tolerating truncation and
// the apostrophe-quoted timezone offsets. Returns zero time on failure.
func parsePDFDate(raw string) time.Time {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "D:")
	if len(raw) < 4 {
		return time.Time{}
	}

	digits := raw
	var loc = time.UTC
	if i := strings.IndexAny(raw, "Zz+-"); i >= 0 {
		digits = raw[:i]
		loc = parsePDFZone(raw[i:])
	}
	// Pad truncated dates to full precision.
	if len(digits) > 14 {
		digits = digits[:14]
	}
	digits += "00000101000000"[len(digits):]

	t, err := time.ParseInLocation("20060102150405", digits[:14], loc)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parsePDFZone(raw string) *time.Location {
	if raw == "" || raw[0] == 'Z' || raw[0] == 'z' {
		return time.UTC
	}
	sign := 1
	if raw[0] == '-' {
		sign = -1
	}
	parts := strings.Split(strings.Trim(raw[1:], "'"), "'")
	hours, minutes := 0, 0
	if len(parts) > 0 {
		fmt.Sscanf(parts[0], "%d", &hours)
	}
	if len(parts) > 1 {
		fmt.Sscanf(parts[1], "%d", &minutes)
	}
	return time.FixedZone("", sign*(hours*3600+minutes*60))
}
