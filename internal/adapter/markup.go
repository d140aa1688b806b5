package adapter

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/daniilzhulanov/eve-vuz-bot/internal/models"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/normalize"
)

// MarkupLayout describes HTML ranking pages where each program table sits
// after a named anchor and an explanatory paragraph.
type MarkupLayout struct {
	Columns Columns `yaml:"columns"`
	// Anchor is the program anchor; Anchors overrides it per page role.
	Anchor       string            `yaml:"anchor"`
	Anchors      map[string]string `yaml:"anchors"`
	MinColumns   int               `yaml:"min_columns"`
	ReportMarker string            `yaml:"report_marker"`
	// ExemptQuotas lists page roles whose rows are admitted without exams.
	ExemptQuotas []string `yaml:"exempt_quotas"`
}

func (l MarkupLayout) anchorFor(role string) string {
	if a, ok := l.Anchors[role]; ok && a != "" {
		return a
	}
	return l.Anchor
}

func (l MarkupLayout) isExemptQuota(role string) bool {
	for _, q := range l.ExemptQuotas {
		if q == role {
			return true
		}
	}
	return false
}

// Markup parses anchor-keyed HTML tables and merges quota pages.
type Markup struct {
	layout MarkupLayout
	log    *slog.Logger
}

// NewMarkup builds a markup adapter for layout.
func NewMarkup(layout MarkupLayout, log *slog.Logger) *Markup {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if layout.MinColumns < layout.Columns.width() {
		layout.MinColumns = layout.Columns.width()
	}
	return &Markup{layout: layout, log: log}
}

// Parse merges the program table of every page into one document tagged by
// quota. A missing anchor or table fails the whole document; short rows are
// skipped.
func (m *Markup) Parse(sourceKey string, pages []Page) (*models.SourceDocument, error) {
	if len(pages) == 0 {
		return nil, malformed(sourceKey, "no pages")
	}

	var reportedAt *time.Time
	candidates := make([]models.Candidate, 0)

	for _, page := range pages {
		section, err := m.section(page)
		if err != nil {
			return nil, malformed(sourceKey, "page %q: %v", page.Role, err)
		}

		// The merged snapshot is only as fresh as its stalest page.
		if ts := normalize.ExtractReportTime(section.preamble, m.layout.ReportMarker); ts != nil {
			if reportedAt == nil || ts.Before(*reportedAt) {
				reportedAt = ts
			}
		}

		exempt := m.layout.isExemptQuota(page.Role)
		skipped := 0
		section.table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
			cells := tr.ChildrenFiltered("td")
			if cells.Length() == 0 {
				return
			}
			if cells.Length() < m.layout.MinColumns {
				skipped++
				return
			}
			row := make([]string, 0, cells.Length())
			cells.Each(func(_ int, td *goquery.Selection) {
				row = append(row, td.Text())
			})
			cand, ok := m.layout.Columns.candidate(row, page.Role, exempt)
			if !ok {
				skipped++
				return
			}
			candidates = append(candidates, cand)
		})

		if skipped > 0 {
			m.log.Debug("markup rows skipped",
				slog.String("source", sourceKey),
				slog.String("quota", page.Role),
				slog.Int("skipped", skipped),
			)
		}
	}

	if len(candidates) == 0 {
		return nil, malformed(sourceKey, "no parsable rows")
	}

	return &models.SourceDocument{
		SourceKey:  sourceKey,
		ReportedAt: reportedAt,
		Candidates: candidates,
	}, nil
}

type section struct {
	preamble string
	table    *goquery.Selection
}

func (m *Markup) section(page Page) (*section, error) {
	anchor := m.layout.anchorFor(page.Role)
	if anchor == "" {
		return nil, fmt.Errorf("no anchor configured")
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	mark := doc.Find(fmt.Sprintf(`a[name=%q], [id=%q]`, anchor, anchor)).First()
	if mark.Length() == 0 {
		return nil, fmt.Errorf("anchor %q not found", anchor)
	}

	// The anchor may be wrapped in a heading; climb until a table follows.
	// The next anchor closes the section.
	for level := mark; level.Length() > 0 && !level.Is("html"); level = level.Parent() {
		table, closed := nextTable(level)
		if closed {
			break
		}
		if table == nil {
			continue
		}
		return &section{
			preamble: level.Text() + " " + level.NextUntilSelection(table).Text(),
			table:    table,
		}, nil
	}
	return nil, fmt.Errorf("no table after anchor %q", anchor)
}

const sectionBoundary = "a[name], [id]"

// nextTable returns the first table sibling after s. closed is true when
// another anchor comes first.
func nextTable(s *goquery.Selection) (table *goquery.Selection, closed bool) {
	for sib := s.Next(); sib.Length() > 0; sib = sib.Next() {
		if sib.Is("table") {
			return sib, false
		}
		if sib.Is(sectionBoundary) || sib.Find(sectionBoundary).Length() > 0 {
			return nil, true
		}
	}
	return nil, false
}
