package tracker_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/daniilzhulanov/eve-vuz-bot/internal/adapter"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/config"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/dedupe"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/fetch"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/metrics"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/models"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/notify"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/subscription"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/tracker"
)

const scenarioCSV = "id,consent,priority,score\nX,Да,1,90\nY,Да,1,95\nZ,Да,2,92\n"

type stubFetcher struct {
	mu    sync.Mutex
	body  string
	err   error
	calls int
}

func (f *stubFetcher) set(body string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.body, f.err = body, err
}

func (f *stubFetcher) FetchAll(_ context.Context, targets []fetch.Target) ([]adapter.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	pages := make([]adapter.Page, 0, len(targets))
	for _, t := range targets {
		pages = append(pages, adapter.Page{Role: t.Role, Body: []byte(f.body)})
	}
	return pages, nil
}

type recordingDeliverer struct {
	mu   sync.Mutex
	sent []notify.Notification
	errs map[string]error
}

func (d *recordingDeliverer) Deliver(ctx context.Context, n notify.Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.errs[n.ConsumerID]; err != nil {
		return err
	}
	d.sent = append(d.sent, n)
	return nil
}

func (d *recordingDeliverer) kinds() []notify.Kind {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]notify.Kind, 0, len(d.sent))
	for _, n := range d.sent {
		out = append(out, n.Decision.Kind)
	}
	return out
}

func (d *recordingDeliverer) consumers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.sent))
	for _, n := range d.sent {
		out = append(out, n.ConsumerID)
	}
	sort.Strings(out)
	return out
}

type stubHistory struct {
	mu    sync.Mutex
	snaps []models.RankSnapshot
}

func (h *stubHistory) IndexSnapshot(ctx context.Context, snap models.RankSnapshot) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	h.snaps = append(h.snaps, snap)
	return nil
}

type fixture struct {
	tracker   *tracker.Tracker
	fetcher   *stubFetcher
	deliverer *recordingDeliverer
	detector  *dedupe.Detector
	subs      *subscription.MemoryStore
	history   *stubHistory
}

func sourceConfig(key, tracked string) config.SourceConfig {
	return config.SourceConfig{
		Key:      key,
		Name:     "Экономика",
		Kind:     adapter.KindTabular,
		Targets:  []fetch.Target{{URL: "http://lists.test/" + key + ".csv"}},
		Interval: time.Hour,
		Rule:     models.ProgramRule{TrackedApplicantID: tracked, TargetPriority: 1, ComparisonPriority: 2, TotalSeats: 10},
	}
}

func csvAdapter() adapter.Adapter {
	return adapter.NewTabular(adapter.TabularLayout{
		Format:  adapter.FormatCSV,
		Columns: adapter.Columns{ID: 0, Consent: 1, Priority: 2, Score: 3},
	}, nil)
}

func newFixture(t *testing.T, cfgs ...config.SourceConfig) *fixture {
	t.Helper()
	f := &fixture{
		fetcher:   &stubFetcher{body: scenarioCSV},
		deliverer: &recordingDeliverer{errs: map[string]error{}},
		detector:  dedupe.NewDetector(),
		subs:      subscription.NewMemoryStore(),
		history:   &stubHistory{},
	}
	sources := make([]tracker.Source, 0, len(cfgs))
	for _, c := range cfgs {
		sources = append(sources, tracker.Source{Config: c, Adapter: csvAdapter()})
	}
	tr, err := tracker.New(sources, tracker.Options{
		Fetcher:       f.fetcher,
		Deliverer:     f.deliverer,
		Detector:      f.detector,
		Subscriptions: f.subs,
		History:       f.history,
	})
	require.NoError(t, err)
	f.tracker = tr
	return f
}

func TestScenarioARankThroughPipeline(t *testing.T) {
	f := newFixture(t, sourceConfig("hse", "X"))
	ctx := context.Background()
	require.NoError(t, f.tracker.Subscribe(ctx, "chat-1", "hse"))

	res, err := f.tracker.Snapshot(ctx, "hse")
	require.NoError(t, err)
	require.True(t, res.Found)
	require.Equal(t, 2, res.RankInTargetPriority)
	require.Equal(t, 1, res.CompetitorsAheadOtherPriority)
	require.Equal(t, "Экономика", res.ProgramName)

	require.Equal(t, []notify.Kind{notify.KindBaseline}, f.deliverer.kinds())
	require.Len(t, f.history.snaps, 1)
	require.Equal(t, dedupe.Fingerprint([]byte(scenarioCSV)), f.history.snaps[0].Fingerprint)
}

func TestScenarioBNotFoundNotifiesOnce(t *testing.T) {
	f := newFixture(t, sourceConfig("hse", "W"))
	ctx := context.Background()
	require.NoError(t, f.tracker.Subscribe(ctx, "chat-1", "hse"))

	for i := 0; i < 4; i++ {
		// Regenerated report stamps change the bytes but not the numbers.
		f.fetcher.set(fmt.Sprintf("Дата формирования: 0%d.08.2025\n%s", i+1, scenarioCSV), nil)
		outcome, err := f.tracker.Poll(ctx, "hse")
		require.NoError(t, err)
		require.Equal(t, tracker.OutcomeChanged, outcome)
	}

	kinds := f.deliverer.kinds()
	require.Len(t, kinds, 1)
	require.False(t, f.deliverer.sent[0].Decision.Current.Found)

	st, err := f.tracker.Status("hse")
	require.NoError(t, err)
	require.NotNil(t, st.Result)
	require.False(t, st.Result.Found)
}

func TestScenarioCIdenticalContentSuppressed(t *testing.T) {
	f := newFixture(t, sourceConfig("hse", "X"))
	ctx := context.Background()
	require.NoError(t, f.tracker.Subscribe(ctx, "chat-1", "hse"))

	outcome, err := f.tracker.Poll(ctx, "hse")
	require.NoError(t, err)
	require.Equal(t, tracker.OutcomeChanged, outcome)

	outcome, err = f.tracker.Poll(ctx, "hse")
	require.NoError(t, err)
	require.Equal(t, tracker.OutcomeUnchanged, outcome)

	res, err := f.tracker.Snapshot(ctx, "hse")
	require.NoError(t, err)
	require.Equal(t, 2, res.RankInTargetPriority)

	require.Len(t, f.deliverer.kinds(), 1)
	require.Len(t, f.history.snaps, 1)
	require.Equal(t, 3, f.fetcher.calls)
}

func TestScenarioDQuotaProjection(t *testing.T) {
	cfg := sourceConfig("quota", "X")
	cfg.Rule.Exempt = &models.ExemptGroup{}
	f := newFixture(t, cfg)

	exempt := 4
	tr, err := tracker.New([]tracker.Source{{
		Config: cfg,
		Adapter: adapter.NewTabular(adapter.TabularLayout{
			Format:  adapter.FormatCSV,
			Columns: adapter.Columns{ID: 0, Consent: 1, Priority: 2, Score: 3, Exempt: &exempt},
		}, nil),
	}}, tracker.Options{Fetcher: f.fetcher, Deliverer: f.deliverer})
	require.NoError(t, err)

	f.fetcher.set("E1,Да,1,,Да\nE2,Да,1,,Да\nH1,Да,1,99,\nH2,Да,1,98,\nH3,Да,1,97,\nL1,Да,1,50,\nX,Да,1,90,\n", nil)
	res, err := tr.Snapshot(context.Background(), "quota")
	require.NoError(t, err)
	require.NotNil(t, res.ProjectedSeatNumber)
	require.Equal(t, 2, res.ExemptCount)
	require.Equal(t, 3, res.OutrankingNonExempt)
	require.Equal(t, 6, *res.ProjectedSeatNumber)
}

func TestMalformedDocumentKeepsBaseline(t *testing.T) {
	f := newFixture(t, sourceConfig("hse", "X"))
	ctx := context.Background()
	require.NoError(t, f.tracker.Subscribe(ctx, "chat-1", "hse"))

	_, err := f.tracker.Poll(ctx, "hse")
	require.NoError(t, err)

	f.fetcher.set("<html>технические работы</html>", nil)
	outcome, err := f.tracker.Poll(ctx, "hse")
	require.Equal(t, tracker.OutcomeFailed, outcome)
	require.True(t, errors.Is(err, adapter.ErrMalformedDocument))

	_, err = f.tracker.Snapshot(ctx, "hse")
	require.True(t, errors.Is(err, adapter.ErrMalformedDocument))

	st, err := f.tracker.Status("hse")
	require.NoError(t, err)
	require.Equal(t, tracker.OutcomeFailed, st.LastOutcome)
	require.Equal(t, 2, st.ConsecutiveFailures)
	require.NotEmpty(t, st.LastError)
	require.Equal(t, 2, st.Result.RankInTargetPriority)

	require.False(t, f.detector.HasChanged("hse", []byte(scenarioCSV)))

	f.fetcher.set(scenarioCSV, nil)
	outcome, err = f.tracker.Poll(ctx, "hse")
	require.NoError(t, err)
	require.Equal(t, tracker.OutcomeUnchanged, outcome)
	require.Len(t, f.deliverer.kinds(), 1)

	st, _ = f.tracker.Status("hse")
	require.Zero(t, st.ConsecutiveFailures)
}

func TestFetchErrorIsDistinctFromNotFound(t *testing.T) {
	f := newFixture(t, sourceConfig("hse", "W"))
	f.fetcher.set("", &fetch.Error{URL: "http://lists.test/hse.csv", Status: 503})

	_, err := f.tracker.Snapshot(context.Background(), "hse")
	require.True(t, errors.Is(err, fetch.ErrFetch))
	require.False(t, errors.Is(err, adapter.ErrMalformedDocument))

	f.fetcher.set(scenarioCSV, nil)
	res, err := f.tracker.Snapshot(context.Background(), "hse")
	require.NoError(t, err)
	require.False(t, res.Found)
}

func TestUpdateCarriesDeltas(t *testing.T) {
	f := newFixture(t, sourceConfig("hse", "X"))
	ctx := context.Background()
	require.NoError(t, f.tracker.Subscribe(ctx, "chat-1", "hse"))

	_, err := f.tracker.Poll(ctx, "hse")
	require.NoError(t, err)

	f.fetcher.set(scenarioCSV+"V,Да,1,99\nU,Да,2,98\n", nil)
	_, err = f.tracker.Poll(ctx, "hse")
	require.NoError(t, err)

	require.Equal(t, []notify.Kind{notify.KindBaseline, notify.KindUpdate}, f.deliverer.kinds())
	update := f.deliverer.sent[1].Decision
	require.Equal(t, 1, *update.Deltas.Rank)
	require.Equal(t, 1, *update.Deltas.CompetitorsAhead)
	require.Nil(t, update.Deltas.ProjectedSeat)
	require.Equal(t, 3, update.Current.RankInTargetPriority)
}

func TestDeliveryFailuresAreIsolated(t *testing.T) {
	f := newFixture(t, sourceConfig("hse", "X"))
	ctx := context.Background()
	for _, c := range []string{"chat-ok", "chat-gone", "chat-flaky"} {
		require.NoError(t, f.tracker.Subscribe(ctx, c, "hse"))
	}
	f.deliverer.errs["chat-gone"] = fmt.Errorf("bot was blocked: %w", notify.ErrPermanentDelivery)
	f.deliverer.errs["chat-flaky"] = errors.New("timeout")

	_, err := f.tracker.Poll(ctx, "hse")
	require.NoError(t, err)

	require.Equal(t, []string{"chat-ok"}, f.deliverer.consumers())

	subs, err := f.tracker.Subscribers(ctx, "hse")
	require.NoError(t, err)
	require.Equal(t, []string{"chat-flaky", "chat-ok"}, subs)
}

func TestUnknownSource(t *testing.T) {
	f := newFixture(t, sourceConfig("hse", "X"))
	ctx := context.Background()

	_, err := f.tracker.Snapshot(ctx, "mipt")
	require.True(t, errors.Is(err, tracker.ErrUnknownSource))
	require.True(t, errors.Is(f.tracker.Subscribe(ctx, "c", "mipt"), tracker.ErrUnknownSource))
	_, err = f.tracker.Status("mipt")
	require.True(t, errors.Is(err, tracker.ErrUnknownSource))
}

func TestSourcesAreIndependent(t *testing.T) {
	resh := sourceConfig("resh", "Z")
	resh.Rule.TargetPriority, resh.Rule.ComparisonPriority = 2, 1
	f := newFixture(t, sourceConfig("hse", "X"), resh)
	ctx := context.Background()

	_, err := f.tracker.Poll(ctx, "hse")
	require.NoError(t, err)

	// Same bytes under another key still count as new for that key.
	outcome, err := f.tracker.Poll(ctx, "resh")
	require.NoError(t, err)
	require.Equal(t, tracker.OutcomeChanged, outcome)

	statuses := f.tracker.Statuses()
	require.Len(t, statuses, 2)
	require.Equal(t, "hse", statuses[0].Key)
	require.Equal(t, "resh", statuses[1].Key)
	require.True(t, statuses[1].Result.Found)
	require.Equal(t, 1, statuses[1].Result.RankInTargetPriority)
	require.Equal(t, 1, statuses[1].Result.CompetitorsAheadOtherPriority)
}

func TestRunPollsUntilCanceled(t *testing.T) {
	cfg := sourceConfig("hse", "X")
	cfg.Interval = 10 * time.Millisecond
	f := newFixture(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.tracker.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		f.fetcher.mu.Lock()
		defer f.fetcher.mu.Unlock()
		return f.fetcher.calls >= 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	st, err := f.tracker.Status("hse")
	require.NoError(t, err)
	require.Equal(t, tracker.StateIdle, st.State)
	require.Len(t, f.history.snaps, 1)
}

func TestNewRejectsBadSources(t *testing.T) {
	opts := tracker.Options{Fetcher: &stubFetcher{}, Deliverer: &recordingDeliverer{}}

	_, err := tracker.New([]tracker.Source{{Config: sourceConfig("a", "X")}}, opts)
	require.Error(t, err)

	zero := sourceConfig("a", "X")
	zero.Interval = 0
	_, err = tracker.New([]tracker.Source{{Config: zero, Adapter: csvAdapter()}}, opts)
	require.Error(t, err)

	_, err = tracker.New([]tracker.Source{
		{Config: sourceConfig("a", "X"), Adapter: csvAdapter()},
		{Config: sourceConfig("a", "Y"), Adapter: csvAdapter()},
	}, opts)
	require.Error(t, err)

	_, err = tracker.New(nil, tracker.Options{Deliverer: &recordingDeliverer{}})
	require.Error(t, err)
}

// cancelingFetcher ends the caller's context once the pages are in hand,
// like a client hanging up on an on-demand refresh.
type cancelingFetcher struct {
	*stubFetcher
	cancel context.CancelFunc
}

func (f *cancelingFetcher) FetchAll(ctx context.Context, targets []fetch.Target) ([]adapter.Page, error) {
	pages, err := f.stubFetcher.FetchAll(ctx, targets)
	f.cancel()
	return pages, err
}

func TestCallerCancelAfterCommitStillDelivers(t *testing.T) {
	f := newFixture(t, sourceConfig("hse", "X"))
	require.NoError(t, f.tracker.Subscribe(context.Background(), "chat-1", "hse"))

	reqCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr, err := tracker.New([]tracker.Source{{Config: sourceConfig("hse", "X"), Adapter: csvAdapter()}}, tracker.Options{
		Fetcher:       &cancelingFetcher{stubFetcher: f.fetcher, cancel: cancel},
		Deliverer:     f.deliverer,
		Subscriptions: f.subs,
		History:       f.history,
	})
	require.NoError(t, err)

	res, err := tr.Snapshot(reqCtx, "hse")
	require.NoError(t, err)
	require.True(t, res.Found)
	require.Error(t, reqCtx.Err())

	require.Equal(t, []notify.Kind{notify.KindBaseline}, f.deliverer.kinds())
	require.Len(t, f.history.snaps, 1)

	outcome, err := tr.Poll(context.Background(), "hse")
	require.NoError(t, err)
	require.Equal(t, tracker.OutcomeUnchanged, outcome)
	require.Len(t, f.deliverer.kinds(), 1)
}

func TestCommittedFingerprintWithoutResultCountsOnce(t *testing.T) {
	f := newFixture(t, sourceConfig("orphan", "X"))
	f.detector.Commit("orphan", []byte(scenarioCSV))

	outcome, err := f.tracker.Poll(context.Background(), "orphan")
	require.Error(t, err)
	require.Equal(t, tracker.OutcomeFailed, outcome)

	st, err := f.tracker.Status("orphan")
	require.NoError(t, err)
	require.Equal(t, tracker.OutcomeFailed, st.LastOutcome)
	require.Equal(t, 1, st.ConsecutiveFailures)

	require.Zero(t, testutil.ToFloat64(metrics.CyclesTotal.WithLabelValues("orphan", string(tracker.OutcomeUnchanged))))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.CyclesTotal.WithLabelValues("orphan", string(tracker.OutcomeFailed))))
}

func TestStatusReportsBaseline(t *testing.T) {
	f := newFixture(t, sourceConfig("hse", "X"))

	st, err := f.tracker.Status("hse")
	require.NoError(t, err)
	require.Empty(t, st.Fingerprint)
	require.Nil(t, st.BaselineAt)

	_, err = f.tracker.Poll(context.Background(), "hse")
	require.NoError(t, err)

	st, err = f.tracker.Status("hse")
	require.NoError(t, err)
	require.Equal(t, dedupe.Fingerprint([]byte(scenarioCSV)), st.Fingerprint)
	require.NotNil(t, st.BaselineAt)
}
