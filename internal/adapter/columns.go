package adapter

import (
	"github.com/daniilzhulanov/eve-vuz-bot/internal/models"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/normalize"
)

// DefaultConsentToken is the affirmative value of consent columns.
const DefaultConsentToken = "Да"

// Columns fixes the 0-based position of each role in a row.
type Columns struct {
	ID               int    `yaml:"id"`
	Consent          int    `yaml:"consent"`
	Priority         int    `yaml:"priority"`
	Score            int    `yaml:"score"`
	SecondaryConsent *int   `yaml:"secondary_consent"`
	Exempt           *int   `yaml:"exempt"`
	ConsentToken     string `yaml:"consent_token"`
	ExemptToken      string `yaml:"exempt_token"`
}

// width is the number of cells a row needs to hold every mandatory role.
func (c Columns) width() int {
	w := c.ID
	for _, i := range []int{c.Consent, c.Priority, c.Score} {
		if i > w {
			w = i
		}
	}
	return w + 1
}

func (c Columns) consentToken() string {
	if c.ConsentToken == "" {
		return DefaultConsentToken
	}
	return c.ConsentToken
}

func (c Columns) exemptToken() string {
	if c.ExemptToken == "" {
		return c.consentToken()
	}
	return c.ExemptToken
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

// candidate builds a Candidate from a row. Rows without an id, without a
// numeric score (unless exempt) or without a priority (unless exempt) are
// rejected rather than coerced.
func (c Columns) candidate(row []string, quota string, exemptQuota bool) (models.Candidate, bool) {
	id := normalize.ApplicantID(cell(row, c.ID))
	if id == "" {
		return models.Candidate{}, false
	}

	exempt := exemptQuota
	if c.Exempt != nil && normalize.IsAffirmative(cell(row, *c.Exempt), c.exemptToken()) {
		exempt = true
	}

	score := normalize.ParseScore(cell(row, c.Score))
	if score == nil && !exempt {
		return models.Candidate{}, false
	}

	priority, ok := normalize.ParsePriority(cell(row, c.Priority))
	if !ok && !exempt {
		return models.Candidate{}, false
	}

	cand := models.Candidate{
		ApplicantID: id,
		Priority:    priority,
		Consents:    normalize.IsAffirmative(cell(row, c.Consent), c.consentToken()),
		Score:       score,
		IsExempt:    exempt,
		Quota:       quota,
	}
	if c.SecondaryConsent != nil {
		cand.SecondaryConsent = normalize.IsAffirmative(cell(row, *c.SecondaryConsent), c.consentToken())
	}
	return cand, true
}
