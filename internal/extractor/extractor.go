// Package extractor turns uploaded files into page-marked text.
package extractor

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"doc-rag/internal/pagemarker"
)

// Result is what the ingestion pipeline consumes from an extractor. Content holds
// the pages joined with "[Page N]" markers.
type Result struct {
	Content  string
	Pages    []pagemarker.Page
	Metadata map[string]any
	Success  bool
	Error    string
}

// Extractor converts raw file bytes into a Result. Failures are reported through
// Result.Success rather than an error.
type Extractor interface {
	Extract(ctx context.Context, content []byte) Result
}

// PDF extracts per-page plain text with ledongthuc/pdf.
type PDF struct{}

func NewPDF() *PDF {
	return &PDF{}
}

func (p *PDF) Extract(ctx context.Context, content []byte) (res Result) {
	start := time.Now()
	// The PDF reader panics on some malformed inputs.
	defer func() {
		if rec := recover(); rec != nil {
			res = failed(fmt.Sprintf("pdf parser panic: %v", rec))
		}
	}()

	if len(content) == 0 {
		return failed("empty file")
	}
	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return failed(fmt.Sprintf("open pdf: %v", err))
	}

	numPages := reader.NumPage()
	pages := make([]pagemarker.Page, 0, numPages)
	for n := 1; n <= numPages; n++ {
		if err := ctx.Err(); err != nil {
			return failed(err.Error())
		}
		page := reader.Page(n)
		var text string
		if !page.V.IsNull() && page.V.Key("Contents").Kind() != pdf.Null {
			// Pages that fail to extract are kept as blank so numbering stays aligned.
			if t, err := page.GetPlainText(nil); err == nil {
				text = CleanText(t)
			}
		}
		pages = append(pages, pagemarker.Page{Number: n, Content: text})
	}

	return Result{
		Content: pagemarker.Build(pages),
		Pages:   pages,
		Metadata: map[string]any{
			"page_count":         len(pages),
			"file_size":          len(content),
			"parse_time_seconds": time.Since(start).Seconds(),
			"parser":             "ledongthuc/pdf",
		},
		Success: true,
	}
}

func failed(msg string) Result {
	return Result{Success: false, Error: msg, Metadata: map[string]any{}}
}

// CleanText trims every line and collapses runs of blank lines into one.
func CleanText(text string) string {
	if text == "" {
		return ""
	}
	var out []string
	prevEmpty := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if !prevEmpty && len(out) > 0 {
				out = append(out, "")
				prevEmpty = true
			}
			continue
		}
		out = append(out, line)
		prevEmpty = false
	}
	return strings.Join(out, "\n")
}
