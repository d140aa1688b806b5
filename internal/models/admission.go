package models

import "time"

// Candidate is one normalized row of an admission list.
type Candidate struct {
	ApplicantID      string   `json:"applicant_id"`
	Priority         int      `json:"priority"`
	Consents         bool     `json:"consents"`
	SecondaryConsent bool     `json:"secondary_consent,omitempty"`
	Score            *float64 `json:"score,omitempty"`
	IsExempt         bool     `json:"is_exempt,omitempty"`
	Quota            string   `json:"quota,omitempty"`
}

// HasScore reports whether the candidate carries a usable score.
func (c Candidate) HasScore() bool {
	return c.Score != nil
}

// SourceDocument is a parsed snapshot of one institution/program list.
// ReportedAt is nil when the document does not state its publication time.
type SourceDocument struct {
	SourceKey   string      `json:"source_key"`
	ReportedAt  *time.Time  `json:"reported_at,omitempty"`
	Candidates  []Candidate `json:"candidates"`
	Fingerprint string      `json:"content_fingerprint"`
}

// Consenting returns the consenting candidates, keeping the first row for a
// repeated applicant id.
func (d *SourceDocument) Consenting() []Candidate {
	out := make([]Candidate, 0, len(d.Candidates))
	seen := make(map[string]struct{}, len(d.Candidates))
	for _, c := range d.Candidates {
		if !c.Consents {
			continue
		}
		if _, dup := seen[c.ApplicantID]; dup {
			continue
		}
		seen[c.ApplicantID] = struct{}{}
		out = append(out, c)
	}
	return out
}

// Tie policies for RankInTargetPriority.
const (
	TieCompetition = "competition"
	TieOrdinal     = "ordinal"
)

// ExemptGroup enables quota-style seat projection.
type ExemptGroup struct {
	// Quotas limits which quota origins count as exempt; empty means all.
	Quotas                  []string `json:"quotas,omitempty" yaml:"quotas"`
	OutrankingPriority      int      `json:"outranking_priority,omitempty" yaml:"outranking_priority"`
	RequireSecondaryConsent bool     `json:"require_secondary_consent,omitempty" yaml:"require_secondary_consent"`
}

// InScope reports whether a quota origin belongs to the exempt scope.
func (g *ExemptGroup) InScope(quota string) bool {
	if len(g.Quotas) == 0 {
		return true
	}
	for _, q := range g.Quotas {
		if q == quota {
			return true
		}
	}
	return false
}

// ProgramRule is the static ranking configuration of one program.
type ProgramRule struct {
	TrackedApplicantID string       `json:"tracked_applicant_id" yaml:"tracked_applicant_id"`
	TargetPriority     int          `json:"target_priority" yaml:"target_priority"`
	ComparisonPriority int          `json:"comparison_priority" yaml:"comparison_priority"`
	TotalSeats         int          `json:"total_seats" yaml:"total_seats"`
	TiePolicy          string       `json:"tie_policy,omitempty" yaml:"tie_policy"`
	Exempt             *ExemptGroup `json:"exempt_group,omitempty" yaml:"exempt_group"`
}

// RankResult is the outcome of ranking the tracked candidate in one snapshot.
type RankResult struct {
	SourceKey                     string     `json:"source_key"`
	ProgramName                   string     `json:"program_name,omitempty"`
	Found                         bool       `json:"found"`
	RankInTargetPriority          int        `json:"rank_in_target_priority,omitempty"`
	CompetitorsAheadOtherPriority int        `json:"competitors_ahead_other_priority"`
	ProjectedSeatNumber           *int       `json:"projected_seat_number,omitempty"`
	ExemptCount                   int        `json:"exempt_count,omitempty"`
	OutrankingNonExempt           int        `json:"outranking_non_exempt,omitempty"`
	TrackedScore                  *float64   `json:"tracked_score,omitempty"`
	TotalSeats                    int        `json:"total_seats"`
	TargetPriority                int        `json:"target_priority"`
	ComparisonPriority            int        `json:"comparison_priority"`
	CandidatesConsidered          int        `json:"candidates_considered"`
	ReportedAt                    *time.Time `json:"reported_at,omitempty"`
}

// RankSnapshot is a committed RankResult as stored in the history index.
type RankSnapshot struct {
	ID          string     `json:"id"`
	CycleID     string     `json:"cycle_id"`
	SourceKey   string     `json:"source_key"`
	Fingerprint string     `json:"fingerprint"`
	Timestamp   time.Time  `json:"timestamp"`
	Result      RankResult `json:"result"`
}
