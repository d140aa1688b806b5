// Package rank computes the tracked applicant's standing in a snapshot.
package rank

import (
	"errors"
	"fmt"
	"sort"

	"github.com/daniilzhulanov/eve-vuz-bot/internal/models"
)

// ErrInvalidRule marks a ProgramRule that cannot be evaluated.
var ErrInvalidRule = errors.New("invalid rule")

// DefaultOutrankingPriority is the priority whose higher scores push the
// projected seat down when the exempt group does not name one.
const DefaultOutrankingPriority = 1

// Validate checks a rule before it is used.
func Validate(rule models.ProgramRule) error {
	switch {
	case rule.TrackedApplicantID == "":
		return fmt.Errorf("%w: tracked applicant id is empty", ErrInvalidRule)
	case rule.TargetPriority <= 0 || rule.ComparisonPriority <= 0:
		return fmt.Errorf("%w: priorities must be positive", ErrInvalidRule)
	case rule.TargetPriority == rule.ComparisonPriority:
		return fmt.Errorf("%w: target and comparison priority are both %d", ErrInvalidRule, rule.TargetPriority)
	case rule.TotalSeats < 0:
		return fmt.Errorf("%w: total seats cannot be negative", ErrInvalidRule)
	}
	switch rule.TiePolicy {
	case "", models.TieCompetition, models.TieOrdinal:
	default:
		return fmt.Errorf("%w: unknown tie policy %q", ErrInvalidRule, rule.TiePolicy)
	}
	if rule.Exempt != nil && rule.Exempt.OutrankingPriority < 0 {
		return fmt.Errorf("%w: outranking priority cannot be negative", ErrInvalidRule)
	}
	return nil
}

// Compute ranks rule.TrackedApplicantID among the consenting candidates of
// doc. An absent applicant is a result with Found=false, not an error.
func Compute(doc *models.SourceDocument, rule models.ProgramRule) (models.RankResult, error) {
	if err := Validate(rule); err != nil {
		return models.RankResult{}, err
	}

	consenting := doc.Consenting()
	res := models.RankResult{
		SourceKey:            doc.SourceKey,
		TotalSeats:           rule.TotalSeats,
		TargetPriority:       rule.TargetPriority,
		ComparisonPriority:   rule.ComparisonPriority,
		CandidatesConsidered: len(consenting),
		ReportedAt:           doc.ReportedAt,
	}

	var target, other []models.Candidate
	for _, c := range consenting {
		switch c.Priority {
		case rule.TargetPriority:
			target = append(target, c)
		case rule.ComparisonPriority:
			other = append(other, c)
		}
	}

	tracked := -1
	for i, c := range target {
		if c.ApplicantID == rule.TrackedApplicantID {
			tracked = i
			break
		}
	}
	if tracked < 0 || !target[tracked].HasScore() {
		return res, nil
	}

	score := *target[tracked].Score
	res.Found = true
	res.TrackedScore = &score

	if rule.TiePolicy == models.TieOrdinal {
		res.RankInTargetPriority = ordinalRank(target, tracked)
	} else {
		res.RankInTargetPriority = countAbove(target, score) + 1
	}
	res.CompetitorsAheadOtherPriority = countAbove(other, score)

	if rule.Exempt != nil {
		res.ExemptCount, res.OutrankingNonExempt = quotaCounts(consenting, rule.Exempt, rule.TrackedApplicantID, score)
		seat := res.ExemptCount + res.OutrankingNonExempt + 1
		res.ProjectedSeatNumber = &seat
	}

	return res, nil
}

// countAbove counts scored candidates strictly above score.
func countAbove(group []models.Candidate, score float64) int {
	n := 0
	for _, c := range group {
		if c.HasScore() && *c.Score > score {
			n++
		}
	}
	return n
}

// ordinalRank is the 1-based position in a stable score-descending sort;
// equal scores keep document order.
func ordinalRank(group []models.Candidate, tracked int) int {
	idx := make([]int, 0, len(group))
	for i, c := range group {
		if c.HasScore() {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return *group[idx[a]].Score > *group[idx[b]].Score
	})
	for pos, i := range idx {
		if i == tracked {
			return pos + 1
		}
	}
	return len(idx)
}

func quotaCounts(consenting []models.Candidate, g *models.ExemptGroup, trackedID string, score float64) (exempt, outranking int) {
	priority := g.OutrankingPriority
	if priority == 0 {
		priority = DefaultOutrankingPriority
	}
	for _, c := range consenting {
		if c.ApplicantID == trackedID {
			continue
		}
		if g.RequireSecondaryConsent && !c.SecondaryConsent {
			continue
		}
		if c.IsExempt {
			if g.InScope(c.Quota) {
				exempt++
			}
			continue
		}
		if c.Priority == priority && c.HasScore() && *c.Score > score {
			outranking++
		}
	}
	return exempt, outranking
}
