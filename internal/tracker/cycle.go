package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/daniilzhulanov/eve-vuz-bot/internal/dedupe"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/metrics"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/models"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/notify"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/rank"
)

// errNoBaseline guards against a committed fingerprint without a result.
var errNoBaseline = errors.New("no committed result")

// cycle runs fetch -> detect -> parse -> rank -> diff -> commit -> deliver
// for one source. The fingerprint and the previous result are committed
// together and only after ranking succeeded.
func (t *Tracker) cycle(ctx context.Context, src *source) (res models.RankResult, outcome Outcome, err error) {
	src.cycleMu.Lock()
	defer src.cycleMu.Unlock()

	key := src.cfg.Key
	cycleID := uuid.NewString()
	started := time.Now()
	log := t.log.With(slog.String("source", key), slog.String("cycle_id", cycleID))

	src.setState(StateFetching)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
		}
		if err != nil {
			outcome = OutcomeFailed
			t.fail(ctx, src, log, started, err)
		}
		metrics.CycleDuration.WithLabelValues(key).Observe(time.Since(started).Seconds())
	}()

	pages, err := t.fetcher.FetchAll(ctx, src.cfg.Targets)
	if err != nil {
		return models.RankResult{}, OutcomeFailed, err
	}

	bodies := make([][]byte, 0, len(pages))
	for _, p := range pages {
		bodies = append(bodies, p.Body)
	}
	fingerprint := dedupe.Fingerprint(bodies...)

	if !t.detector.Changed(key, fingerprint) {
		last := src.previous()
		if last == nil {
			return models.RankResult{}, OutcomeFailed, errNoBaseline
		}
		src.finish(OutcomeUnchanged, nil)
		metrics.CyclesTotal.WithLabelValues(key, string(OutcomeUnchanged)).Inc()
		log.Debug("source unchanged")
		return *last, OutcomeUnchanged, nil
	}

	doc, err := src.adapter.Parse(key, pages)
	if err != nil {
		return models.RankResult{}, OutcomeFailed, err
	}
	doc.Fingerprint = fingerprint

	res, err = rank.Compute(doc, src.cfg.Rule)
	if err != nil {
		return models.RankResult{}, OutcomeFailed, err
	}
	res.ProgramName = src.cfg.Name

	decision := t.dispatcher.Diff(src.previous(), res)
	committed := res
	src.finish(OutcomeChanged, &committed)
	t.detector.CommitFingerprint(key, fingerprint)

	metrics.CyclesTotal.WithLabelValues(key, string(OutcomeChanged)).Inc()
	metrics.TrackedRank.WithLabelValues(key).Set(float64(res.RankInTargetPriority))
	log.Info("source changed",
		slog.Bool("found", res.Found),
		slog.Int("rank", res.RankInTargetPriority),
		slog.Int("ahead_other_priority", res.CompetitorsAheadOtherPriority),
		slog.String("decision", string(decision.Kind)),
		slog.Int("candidates", len(doc.Candidates)),
	)

	// Committed: history and delivery outlive the caller.
	outCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.deliveryTimeout)
	defer cancel()

	t.record(outCtx, log, cycleID, fingerprint, res)

	if decision.Deliver() {
		t.deliver(outCtx, log, key, cycleID, decision)
	}

	return res, OutcomeChanged, nil
}

func (t *Tracker) fail(ctx context.Context, src *source, log *slog.Logger, started time.Time, err error) {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		src.setState(StateIdle)
		log.Info("cycle abandoned on shutdown")
		return
	}
	src.finish(OutcomeFailed, nil, err)
	metrics.CyclesTotal.WithLabelValues(src.cfg.Key, string(OutcomeFailed)).Inc()
	log.Error("cycle failed",
		slog.Time("cycle_started", started),
		slog.Any("err", err),
	)
}

func (t *Tracker) record(ctx context.Context, log *slog.Logger, cycleID, fingerprint string, res models.RankResult) {
	if t.history == nil {
		return
	}
	snap := models.RankSnapshot{
		ID:          uuid.NewString(),
		CycleID:     cycleID,
		SourceKey:   res.SourceKey,
		Fingerprint: fingerprint,
		Timestamp:   time.Now().UTC(),
		Result:      res,
	}
	if err := t.history.IndexSnapshot(ctx, snap); err != nil {
		log.Warn("store rank history", slog.Any("err", err))
	}
}

// deliver pushes decision to every subscriber of key concurrently. A
// permanent failure drops that subscriber; others are only logged.
func (t *Tracker) deliver(ctx context.Context, log *slog.Logger, key, cycleID string, decision notify.Decision) {
	consumers, err := t.subs.Subscribers(ctx, key)
	if err != nil {
		log.Error("list subscribers", slog.Any("err", err))
		return
	}

	kind := string(decision.Kind)
	var wg sync.WaitGroup
	for _, consumer := range consumers {
		wg.Add(1)
		go func(consumer string) {
			defer wg.Done()

			n := notify.Notification{SourceKey: key, ConsumerID: consumer, CycleID: cycleID, Decision: decision}
			err := t.deliverer.Deliver(ctx, n)
			switch {
			case err == nil:
				metrics.NotificationsTotal.WithLabelValues(key, kind, "delivered").Inc()
			case notify.IsPermanent(err):
				metrics.NotificationsTotal.WithLabelValues(key, kind, "dropped").Inc()
				log.Warn("subscriber unreachable, unsubscribing", slog.String("consumer", consumer), slog.Any("err", err))
				if uerr := t.subs.Unsubscribe(ctx, consumer, key); uerr != nil {
					log.Error("unsubscribe", slog.String("consumer", consumer), slog.Any("err", uerr))
				}
			default:
				metrics.NotificationsTotal.WithLabelValues(key, kind, "failed").Inc()
				log.Warn("delivery failed", slog.String("consumer", consumer), slog.Any("err", err))
			}
		}(consumer)
	}
	wg.Wait()
}

func (s *source) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *source) previous() *models.RankResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// finish records the end of a cycle and returns the committed result.
// A non-nil res replaces it.
func (s *source) finish(outcome Outcome, res *models.RankResult, errs ...error) *models.RankResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.state = StateIdle
	s.outcome = outcome
	s.lastCycle = now

	switch outcome {
	case OutcomeFailed:
		s.failures++
		if len(errs) > 0 && errs[0] != nil {
			s.lastErr = errs[0].Error()
		}
	default:
		s.failures = 0
		s.lastErr = ""
	}
	if res != nil {
		s.last = res
		s.lastChanged = now
	}
	return s.last
}
