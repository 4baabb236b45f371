// Package report renders a RunReport into bounded, messenger-ready text
// segments. Escape rules are injected so the renderer stays agnostic of
// the messenger's markup dialect.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/arc-self/market-sentinel/internal/model"
)

// Escaper carries the messenger's character-escape rules. Text escapes
// free text; URL escapes a link target so it stays clickable.
type Escaper struct {
	Text func(string) string
	URL  func(string) string
}

// PlainEscaper performs no escaping, for logs and tests.
func PlainEscaper() Escaper {
	ident := func(s string) string { return s }
	return Escaper{Text: ident, URL: ident}
}

// Renderer turns a RunReport into segments of at most maxChars runes.
type Renderer struct {
	maxChars int
	loc      *time.Location
	esc      Escaper
}

// NewRenderer builds a Renderer. loc is the fixed display timezone for
// header timestamps.
func NewRenderer(maxChars int, loc *time.Location, esc Escaper) *Renderer {
	return &Renderer{maxChars: maxChars, loc: loc, esc: esc}
}

// chunk is an atomic run of text that never splits across segments.
type chunk struct {
	text string
	// sectionStart marks the first chunk of a category section; the
	// splitter prefers breaking in front of these.
	sectionStart bool
}

// Render produces the ordered segments for one run. Every segment is at
// most maxChars runes; splits happen at section boundaries first, then at
// entry boundaries, never inside an entry.
func (r *Renderer) Render(rep model.RunReport) []string {
	chunks := []chunk{{text: r.renderHeader(rep), sectionStart: true}}
	if len(rep.CrawlResults) > 0 {
		chunks = append(chunks, chunk{text: r.renderCrawlStatus(rep.CrawlResults), sectionStart: true})
	}
	for _, sec := range groupByCategory(rep.AnalysisResults) {
		chunks = append(chunks, chunk{text: r.renderSectionHeading(sec.name), sectionStart: true})
		for _, entry := range sec.entries {
			chunks = append(chunks, chunk{text: r.renderEntry(entry)})
		}
	}
	return r.pack(chunks)
}

func (r *Renderer) renderHeader(rep model.RunReport) string {
	const layout = "2006-01-02 15:04"
	return fmt.Sprintf("*%s*\n%s\n%s",
		r.esc.Text("Crypto Market Report"),
		r.esc.Text(fmt.Sprintf("Window: %s ~ %s",
			rep.WindowStart.In(r.loc).Format(layout),
			rep.WindowEnd.In(r.loc).Format(layout))),
		r.esc.Text(fmt.Sprintf("Generated: %s", rep.GeneratedAt.In(r.loc).Format(layout))),
	)
}

func (r *Renderer) renderCrawlStatus(results []model.CrawlResult) string {
	lines := make([]string, 0, len(results)+1)
	lines = append(lines, "*"+r.esc.Text("Sources")+"*")
	for _, cr := range results {
		line := fmt.Sprintf("%s (%s): %s, %d items", cr.SourceName, cr.SourceKind, cr.Status, cr.ItemCount)
		if cr.Status == model.CrawlError && cr.ErrorMessage != "" {
			line = fmt.Sprintf("%s (%s): %s (%s)", cr.SourceName, cr.SourceKind, cr.Status, cr.ErrorMessage)
		}
		lines = append(lines, r.esc.Text(line))
	}
	return strings.Join(lines, "\n")
}

func (r *Renderer) renderSectionHeading(category string) string {
	return "*" + r.esc.Text("## "+category) + "*"
}

func (r *Renderer) renderEntry(e model.AnalysisResult) string {
	var sb strings.Builder
	sb.WriteString("*")
	sb.WriteString(r.esc.Text(e.Title))
	sb.WriteString("*\n")
	if e.Body != "" {
		sb.WriteString(r.esc.Text(e.Body))
		sb.WriteString("\n")
	}
	sb.WriteString(fmt.Sprintf("[%s](%s)", r.esc.Text("source"), r.esc.URL(e.Source)))
	for i, rel := range e.RelatedSources {
		sb.WriteString(fmt.Sprintf(" [%s](%s)", r.esc.Text(fmt.Sprintf("related %d", i+1)), r.esc.URL(rel)))
	}
	return sb.String()
}

const chunkSep = "\n\n"

// pack greedily fills segments. A chunk that opens a section starts a new
// segment when the whole section cannot fit in the current one; entries of
// an oversized section flow across segments at entry boundaries.
func (r *Renderer) pack(chunks []chunk) []string {
	var segments []string
	var cur strings.Builder
	curLen := 0

	flush := func() {
		if curLen > 0 {
			segments = append(segments, cur.String())
			cur.Reset()
			curLen = 0
		}
	}

	for i, c := range chunks {
		text := c.text
		n := len([]rune(text))
		if n > r.maxChars {
			// A single unsplittable chunk over the limit is truncated;
			// in practice entries are far below any sane limit.
			text = string([]rune(text)[:r.maxChars])
			n = r.maxChars
		}

		sepLen := 0
		if curLen > 0 {
			sepLen = len([]rune(chunkSep))
		}

		if curLen+sepLen+n > r.maxChars {
			flush()
			sepLen = 0
		} else if c.sectionStart && curLen > 0 && !sectionFits(chunks, i, r.maxChars-curLen-sepLen) {
			// Prefer keeping a section whole in the next segment.
			flush()
			sepLen = 0
		}

		if sepLen > 0 {
			cur.WriteString(chunkSep)
			curLen += sepLen
		}
		cur.WriteString(text)
		curLen += n
	}
	flush()
	return segments
}

// sectionFits reports whether the section starting at chunks[i] fits in
// the given remaining rune budget.
func sectionFits(chunks []chunk, i, budget int) bool {
	total := 0
	for j := i; j < len(chunks); j++ {
		if j > i && chunks[j].sectionStart {
			break
		}
		if j > i {
			total += len([]rune(chunkSep))
		}
		total += len([]rune(chunks[j].text))
		if total > budget {
			return false
		}
	}
	return total <= budget
}

// section groups entries under one category, ordered for display.
type section struct {
	name    string
	entries []model.AnalysisResult
	maxW    int
}

// groupByCategory buckets results and orders sections by their maximum
// weight descending. Entry order inside a section is preserved from the
// analyzer (weight desc, time desc).
func groupByCategory(results []model.AnalysisResult) []section {
	index := make(map[string]int)
	var sections []section
	for _, res := range results {
		i, ok := index[res.Category]
		if !ok {
			i = len(sections)
			index[res.Category] = i
			sections = append(sections, section{name: res.Category, maxW: res.WeightScore})
		}
		if res.WeightScore > sections[i].maxW {
			sections[i].maxW = res.WeightScore
		}
		sections[i].entries = append(sections[i].entries, res)
	}

	// Insertion sort keeps the first-seen order stable among equal weights.
	for i := 1; i < len(sections); i++ {
		for j := i; j > 0 && sections[j].maxW > sections[j-1].maxW; j-- {
			sections[j], sections[j-1] = sections[j-1], sections[j]
		}
	}
	return sections
}
