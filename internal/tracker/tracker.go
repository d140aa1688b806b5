// Package tracker drives periodic polling of admission lists and pushes
// rank changes to subscribers.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/daniilzhulanov/eve-vuz-bot/internal/adapter"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/config"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/dedupe"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/fetch"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/models"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/notify"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/subscription"
)

// DefaultDeliveryTimeout bounds history writes and deliveries of one cycle.
const DefaultDeliveryTimeout = 30 * time.Second

// ErrUnknownSource is returned for a source key that is not configured.
var ErrUnknownSource = errors.New("unknown source")

// Fetcher downloads the pages of a source.
type Fetcher interface {
	FetchAll(ctx context.Context, targets []fetch.Target) ([]adapter.Page, error)
}

// HistoryStore records committed results.
type HistoryStore interface {
	IndexSnapshot(ctx context.Context, snap models.RankSnapshot) error
}

// State is where a source is in its poll cycle.
type State string

const (
	StateIdle     State = "idle"
	StateFetching State = "fetching"
)

// Outcome is how a finished cycle ended.
type Outcome string

const (
	OutcomeChanged   Outcome = "changed"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeFailed    Outcome = "failed"
)

// Source pairs a configured source with its adapter.
type Source struct {
	Config  config.SourceConfig
	Adapter adapter.Adapter
}

// Status is a point-in-time view of one source.
type Status struct {
	Key                 string             `json:"key"`
	Name                string             `json:"name"`
	Kind                string             `json:"kind"`
	Interval            string             `json:"interval"`
	State               State              `json:"state"`
	LastOutcome         Outcome            `json:"last_outcome,omitempty"`
	LastCycleAt         *time.Time         `json:"last_cycle_at,omitempty"`
	LastChangedAt       *time.Time         `json:"last_changed_at,omitempty"`
	LastError           string             `json:"last_error,omitempty"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	Fingerprint         string             `json:"fingerprint,omitempty"`
	BaselineAt          *time.Time         `json:"baseline_at,omitempty"`
	Result              *models.RankResult `json:"result,omitempty"`
}

type source struct {
	cfg     config.SourceConfig
	adapter adapter.Adapter

	// cycleMu keeps fetch cycles of one key strictly sequential.
	cycleMu sync.Mutex

	mu          sync.RWMutex
	state       State
	outcome     Outcome
	last        *models.RankResult
	lastCycle   time.Time
	lastChanged time.Time
	lastErr     string
	failures    int
}

// Options wires the collaborators of a Tracker. Detector, Dispatcher,
// Subscriptions, Logger and DeliveryTimeout get defaults; History may be nil.
type Options struct {
	Fetcher       Fetcher
	Deliverer     notify.Deliverer
	Detector      *dedupe.Detector
	Dispatcher    *notify.Dispatcher
	Subscriptions subscription.Store
	History       HistoryStore
	Logger        *slog.Logger
	// DeliveryTimeout bounds what runs after commit. It does not inherit
	// the cancellation of the caller's context.
	DeliveryTimeout time.Duration
}

// Tracker owns the per-source state and runs poll cycles.
type Tracker struct {
	sources    map[string]*source
	order      []string
	fetcher    Fetcher
	deliverer  notify.Deliverer
	detector   *dedupe.Detector
	dispatcher *notify.Dispatcher
	subs       subscription.Store
	history    HistoryStore
	log        *slog.Logger

	deliveryTimeout time.Duration
}

// New builds a Tracker for sources.
func New(sources []Source, opts Options) (*Tracker, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Deliverer == nil {
		return nil, errors.New("deliverer is required")
	}
	if opts.Detector == nil {
		opts.Detector = dedupe.NewDetector()
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = &notify.Dispatcher{}
	}
	if opts.Subscriptions == nil {
		opts.Subscriptions = subscription.NewMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = DefaultDeliveryTimeout
	}

	t := &Tracker{
		sources:    make(map[string]*source, len(sources)),
		order:      make([]string, 0, len(sources)),
		fetcher:    opts.Fetcher,
		deliverer:  opts.Deliverer,
		detector:   opts.Detector,
		dispatcher: opts.Dispatcher,
		subs:       opts.Subscriptions,
		history:    opts.History,
		log:        opts.Logger,

		deliveryTimeout: opts.DeliveryTimeout,
	}

	for _, s := range sources {
		key := s.Config.Key
		if key == "" {
			return nil, errors.New("source without key")
		}
		if _, dup := t.sources[key]; dup {
			return nil, fmt.Errorf("duplicate source %s", key)
		}
		if s.Adapter == nil {
			return nil, fmt.Errorf("source %s has no adapter", key)
		}
		if s.Config.Interval <= 0 {
			return nil, fmt.Errorf("source %s: interval must be positive", key)
		}
		t.sources[key] = &source{cfg: s.Config, adapter: s.Adapter, state: StateIdle}
		t.order = append(t.order, key)
	}

	return t, nil
}

func (t *Tracker) lookup(key string) (*source, error) {
	src, ok := t.sources[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, key)
	}
	return src, nil
}

// Run polls every source on its own interval until ctx is canceled. Each
// source is polled once immediately.
func (t *Tracker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, key := range t.order {
		src := t.sources[key]
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.loop(ctx, src)
		}()
	}
	wg.Wait()
}

func (t *Tracker) loop(ctx context.Context, src *source) {
	t.log.Info("polling source",
		slog.String("source", src.cfg.Key),
		slog.Duration("interval", src.cfg.Interval),
	)

	_, _, _ = t.cycle(ctx, src)

	ticker := time.NewTicker(src.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _, _ = t.cycle(ctx, src)
		}
	}
}

// Poll runs one cycle for key outside the regular cadence.
func (t *Tracker) Poll(ctx context.Context, key string) (Outcome, error) {
	src, err := t.lookup(key)
	if err != nil {
		return OutcomeFailed, err
	}
	_, outcome, err := t.cycle(ctx, src)
	return outcome, err
}

// Snapshot refreshes key on demand and returns the committed result. Fetch
// and parse failures are returned as errors; an absent applicant is a
// result with Found=false.
func (t *Tracker) Snapshot(ctx context.Context, key string) (models.RankResult, error) {
	src, err := t.lookup(key)
	if err != nil {
		return models.RankResult{}, err
	}
	res, _, err := t.cycle(ctx, src)
	if err != nil {
		return models.RankResult{}, err
	}
	return res, nil
}

// Status reports the state of key.
func (t *Tracker) Status(key string) (Status, error) {
	src, err := t.lookup(key)
	if err != nil {
		return Status{}, err
	}
	return t.status(src), nil
}

// Statuses reports every source in configuration order.
func (t *Tracker) Statuses() []Status {
	out := make([]Status, 0, len(t.order))
	for _, key := range t.order {
		out = append(out, t.status(t.sources[key]))
	}
	return out
}

// Subscribe registers consumerID for pushes of key.
func (t *Tracker) Subscribe(ctx context.Context, consumerID, key string) error {
	if _, err := t.lookup(key); err != nil {
		return err
	}
	return t.subs.Subscribe(ctx, consumerID, key)
}

// Unsubscribe removes consumerID from key.
func (t *Tracker) Unsubscribe(ctx context.Context, consumerID, key string) error {
	if _, err := t.lookup(key); err != nil {
		return err
	}
	return t.subs.Unsubscribe(ctx, consumerID, key)
}

// Subscribers lists the consumers of key.
func (t *Tracker) Subscribers(ctx context.Context, key string) ([]string, error) {
	if _, err := t.lookup(key); err != nil {
		return nil, err
	}
	return t.subs.Subscribers(ctx, key)
}

func (t *Tracker) status(src *source) Status {
	st := src.status()
	if fp, at, ok := t.detector.Baseline(src.cfg.Key); ok {
		st.Fingerprint = fp
		st.BaselineAt = &at
	}
	return st
}

func (s *source) status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		Key:                 s.cfg.Key,
		Name:                s.cfg.Name,
		Kind:                s.cfg.Kind,
		Interval:            s.cfg.Interval.String(),
		State:               s.state,
		LastOutcome:         s.outcome,
		LastError:           s.lastErr,
		ConsecutiveFailures: s.failures,
	}
	if !s.lastCycle.IsZero() {
		ts := s.lastCycle
		st.LastCycleAt = &ts
	}
	if !s.lastChanged.IsZero() {
		ts := s.lastChanged
		st.LastChangedAt = &ts
	}
	if s.last != nil {
		res := *s.last
		st.Result = &res
	}
	return st
}
