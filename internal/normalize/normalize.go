package normalize

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var (
	whitespace = regexp.MustCompile(`\s+`)
	reportDate = regexp.MustCompile(`(\d{1,2}\.\d{1,2}\.\d{4})(?:[\s,]+(\d{1,2}:\d{2}(?::\d{2})?))?`)
)

// ReportLocation is the zone report timestamps are written in.
var ReportLocation = time.FixedZone("MSK", 3*60*60)

// DefaultReportMarker precedes the publication time in exported lists.
const DefaultReportMarker = "Дата формирования"

// CleanCell applies NFKC (turning non-breaking spaces into plain ones),
// squeezes whitespace and trims the value.
func CleanCell(input string) string {
	if input == "" {
		return ""
	}
	s := norm.NFKC.String(input)
	s = whitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Fold returns the cleaned, case-folded form used for token comparison.
func Fold(input string) string {
	return cases.Fold().String(CleanCell(input))
}

// IsAffirmative compares value to token ignoring case and surrounding space.
func IsAffirmative(value, token string) bool {
	v := Fold(value)
	if v == "" {
		return false
	}
	return v == Fold(token)
}

// ParseScore coerces a score cell. Empty or non-numeric cells return nil.
func ParseScore(input string) *float64 {
	s := strings.ReplaceAll(CleanCell(input), " ", "")
	if s == "" {
		return nil
	}
	s = strings.ReplaceAll(s, ",", ".")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// ParsePriority parses a positive priority, tolerating "1.0" style exports.
func ParsePriority(input string) (int, bool) {
	s := trimIntegralSuffix(strings.ReplaceAll(CleanCell(input), " ", ""))
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// ApplicantID normalizes an identifier cell so that "4 272 684", "4272684"
// and "4272684.0" compare equal.
func ApplicantID(input string) string {
	s := strings.ReplaceAll(CleanCell(input), " ", "")
	return trimIntegralSuffix(s)
}

func trimIntegralSuffix(s string) string {
	head, tail, ok := strings.Cut(s, ".")
	if !ok || head == "" || strings.Trim(tail, "0") != "" || !isDigits(head) {
		return s
	}
	return head
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ExtractReportTime finds marker in text and parses the date that follows
// it. A missing marker or unparseable date yields nil.
func ExtractReportTime(text, marker string) *time.Time {
	if marker == "" {
		marker = DefaultReportMarker
	}
	folded := Fold(text)
	idx := strings.Index(folded, Fold(marker))
	if idx < 0 {
		return nil
	}
	m := reportDate.FindStringSubmatch(folded[idx:])
	if m == nil {
		return nil
	}

	raw := m[1]
	layouts := []string{"2.1.2006"}
	if m[2] != "" {
		raw += " " + m[2]
		layouts = []string{"2.1.2006 15:04:05", "2.1.2006 15:04"}
	}
	for _, layout := range layouts {
		if ts, err := time.ParseInLocation(layout, raw, ReportLocation); err == nil {
			return &ts
		}
	}
	return nil
}
