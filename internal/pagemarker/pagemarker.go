// Package pagemarker implements the inline "[Page N]" convention that carries page
// provenance from the extractor to the chunker.
//
// A marker is the literal text "[Page N]" optionally followed by a single newline.
// Markers are removed before chunking; offsets reported by this package are rune
// offsets into the marker-stripped text.
package pagemarker

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

var markerPattern = regexp.MustCompile(`\[Page (\d+)\]\n?`)

// Range is the half-open span [Start, End) a page occupies in stripped text.
type Range struct {
	Page  int
	Start int
	End   int
}

// Page is one page of extracted text.
type Page struct {
	Number  int
	Content string
}

// Marker renders the marker for page n without the trailing newline.
func Marker(n int) string {
	return fmt.Sprintf("[Page %d]", n)
}

// Strip removes every marker from text.
func Strip(text string) string {
	return markerPattern.ReplaceAllString(text, "")
}

// Build joins pages into marked text. Blank pages are skipped.
func Build(pages []Page) string {
	parts := make([]string, 0, len(pages))
	for _, p := range pages {
		content := strings.TrimSpace(p.Content)
		if content == "" {
			continue
		}
		parts = append(parts, Marker(p.Number)+"\n"+content)
	}
	return strings.Join(parts, "\n\n")
}

// Index scans text for markers and returns the stripped text together with the page
// ranges in stripped coordinates. Without markers the whole text is page 1.
func Index(text string) (string, []Range) {
	matches := markerPattern.FindAllStringSubmatchIndex(text, -1)
	clean := markerPattern.ReplaceAllString(text, "")
	cleanLen := utf8.RuneCountInString(clean)
	if len(matches) == 0 {
		return clean, []Range{{Page: 1, Start: 0, End: cleanLen}}
	}

	ranges := make([]Range, 0, len(matches))
	rawRunes := 0
	removed := 0
	prevEnd := 0
	for _, m := range matches {
		rawRunes += utf8.RuneCountInString(text[prevEnd:m[0]])
		markerLen := utf8.RuneCountInString(text[m[0]:m[1]])
		rawRunes += markerLen
		removed += markerLen
		prevEnd = m[1]

		page, err := strconv.Atoi(text[m[2]:m[3]])
		if err != nil {
			continue
		}
		ranges = append(ranges, Range{Page: page, Start: rawRunes - removed})
	}
	for i := range ranges {
		if i+1 < len(ranges) {
			ranges[i].End = ranges[i+1].Start
		} else {
			ranges[i].End = cleanLen
		}
	}
	return clean, ranges
}

// PagesFor returns the sorted, de-duplicated page numbers whose ranges overlap
// [start, end). It returns [1] when nothing overlaps.
func PagesFor(ranges []Range, start, end int) []int {
	seen := make(map[int]struct{})
	for _, r := range ranges {
		if r.Start < end && r.End > start {
			seen[r.Page] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return []int{1}
	}
	pages := make([]int, 0, len(seen))
	for p := range seen {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	return pages
}
