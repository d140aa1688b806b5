// Package notify decides which rank changes are worth a push and hands
// them to the delivery transport.
package notify

import "github.com/daniilzhulanov/eve-vuz-bot/internal/models"

// Kind classifies a Decision.
type Kind string

const (
	// KindBaseline carries values without deltas: first result, or the
	// applicant reappeared after being absent.
	KindBaseline Kind = "baseline"
	KindUpdate   Kind = "update"
	KindNotFound Kind = "not_found"
	KindSuppress Kind = "suppress"
)

// Deltas are current minus previous; nil when either side is absent.
type Deltas struct {
	Rank             *int `json:"rank_in_target_priority"`
	CompetitorsAhead *int `json:"competitors_ahead_other_priority"`
	ProjectedSeat    *int `json:"projected_seat_number"`
}

// Zero reports whether no tracked number moved.
func (d Deltas) Zero() bool {
	for _, v := range []*int{d.Rank, d.CompetitorsAhead, d.ProjectedSeat} {
		if v != nil && *v != 0 {
			return false
		}
	}
	return true
}

// Decision is what subscribers of a source should receive for one cycle.
type Decision struct {
	Kind    Kind              `json:"kind"`
	Current models.RankResult `json:"current"`
	Deltas  Deltas            `json:"deltas"`
}

// Deliver reports whether the decision warrants a push.
func (d Decision) Deliver() bool {
	return d.Kind != KindSuppress
}

// Dispatcher diffs consecutive rank results.
type Dispatcher struct {
	// SuppressUnchanged drops updates in which every delta is zero.
	SuppressUnchanged bool
}

// Diff compares the previous committed result (nil on the first cycle)
// with the current one. A not-found state is announced once per transition.
func (d *Dispatcher) Diff(previous *models.RankResult, current models.RankResult) Decision {
	dec := Decision{Current: current}

	switch {
	case previous == nil:
		dec.Kind = KindBaseline
	case !current.Found:
		dec.Kind = KindSuppress
		if previous.Found {
			dec.Kind = KindNotFound
		}
	case !previous.Found:
		dec.Kind = KindBaseline
	default:
		dec.Kind = KindUpdate
		dec.Deltas = Deltas{
			Rank:             delta(&previous.RankInTargetPriority, &current.RankInTargetPriority),
			CompetitorsAhead: delta(&previous.CompetitorsAheadOtherPriority, &current.CompetitorsAheadOtherPriority),
			ProjectedSeat:    delta(previous.ProjectedSeatNumber, current.ProjectedSeatNumber),
		}
		if d.SuppressUnchanged && dec.Deltas.Zero() {
			dec.Kind = KindSuppress
		}
	}
	return dec
}

func delta(prev, cur *int) *int {
	if prev == nil || cur == nil {
		return nil
	}
	v := *cur - *prev
	return &v
}
