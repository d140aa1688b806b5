package adapter

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/daniilzhulanov/eve-vuz-bot/internal/models"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/normalize"
)

// Spreadsheet formats understood by the tabular adapter.
const (
	FormatAuto = ""
	FormatXLSX = "xlsx"
	FormatCSV  = "csv"
)

var zipMagic = []byte("PK\x03\x04")

// TabularLayout describes a spreadsheet export with fixed column roles.
type TabularLayout struct {
	Columns      Columns `yaml:"columns"`
	Format       string  `yaml:"format"`
	Sheet        string  `yaml:"sheet"`
	CSVDelimiter string  `yaml:"csv_delimiter"`
	ReportMarker string  `yaml:"report_marker"`
}

// Tabular parses xlsx or csv exports.
type Tabular struct {
	layout TabularLayout
	log    *slog.Logger
}

// NewTabular builds a tabular adapter for layout.
func NewTabular(layout TabularLayout, log *slog.Logger) *Tabular {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Tabular{layout: layout, log: log}
}

// Parse reads the single page of a tabular source. Rows too short for the
// layout are treated as preamble; rows with a non-numeric score are dropped.
func (t *Tabular) Parse(sourceKey string, pages []Page) (*models.SourceDocument, error) {
	if len(pages) != 1 {
		return nil, malformed(sourceKey, "tabular source expects 1 page, got %d", len(pages))
	}

	rows, err := t.readRows(pages[0].Body)
	if err != nil {
		return nil, malformed(sourceKey, "read spreadsheet: %v", err)
	}

	width := t.layout.Columns.width()
	wide := 0
	dropped := 0
	var reportedAt *time.Time
	candidates := make([]models.Candidate, 0, len(rows))

	for _, row := range rows {
		if len(row) >= width {
			wide++
		}
		cand, ok := t.layout.Columns.candidate(row, pages[0].Role, false)
		if ok {
			candidates = append(candidates, cand)
			continue
		}
		if reportedAt == nil {
			reportedAt = normalize.ExtractReportTime(strings.Join(row, " "), t.layout.ReportMarker)
		}
		if len(row) >= width {
			dropped++
		}
	}

	if wide == 0 {
		return nil, malformed(sourceKey, "no row has the %d columns the layout requires", width)
	}
	if len(candidates) == 0 {
		return nil, malformed(sourceKey, "no parsable rows")
	}

	t.log.Debug("tabular document parsed",
		slog.String("source", sourceKey),
		slog.Int("rows", len(rows)),
		slog.Int("candidates", len(candidates)),
		slog.Int("dropped", dropped),
	)

	return &models.SourceDocument{
		SourceKey:  sourceKey,
		ReportedAt: reportedAt,
		Candidates: candidates,
	}, nil
}

func (t *Tabular) readRows(raw []byte) ([][]string, error) {
	format := strings.ToLower(strings.TrimSpace(t.layout.Format))
	if format == FormatAuto {
		format = FormatCSV
		if bytes.HasPrefix(raw, zipMagic) {
			format = FormatXLSX
		}
	}

	switch format {
	case FormatXLSX:
		return readXLSX(raw, t.layout.Sheet)
	case FormatCSV:
		return readCSV(raw, t.layout.CSVDelimiter)
	default:
		return nil, fmt.Errorf("unknown format %q", t.layout.Format)
	}
}

func readXLSX(raw []byte, sheet string) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, errors.New("workbook has no sheets")
		}
		sheet = sheets[0]
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	return rows, nil
}

func readCSV(raw []byte, delimiter string) ([][]string, error) {
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	if delimiter != "" {
		r.Comma = []rune(delimiter)[0]
	} else if sampleHasMore(raw, ';', ',') {
		r.Comma = ';'
	}

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	return rows, nil
}

// sampleHasMore guesses the delimiter from the head of the file.
func sampleHasMore(raw []byte, a, b byte) bool {
	sample := raw
	if len(sample) > 4096 {
		sample = sample[:4096]
	}
	return bytes.Count(sample, []byte{a}) > bytes.Count(sample, []byte{b})
}
