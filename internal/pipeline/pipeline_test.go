package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AngelCh415/campaign-etl/internal/artifact"
	"github.com/AngelCh415/campaign-etl/internal/config"
	"github.com/AngelCh415/campaign-etl/internal/ingest"
	"github.com/AngelCh415/campaign-etl/internal/logging"
	"github.com/AngelCh415/campaign-etl/internal/metrics"
	"github.com/AngelCh415/campaign-etl/internal/models"
	"github.com/AngelCh415/campaign-etl/internal/params"
	"github.com/AngelCh415/campaign-etl/internal/platform"
	"github.com/AngelCh415/campaign-etl/internal/reconcile"
	"github.com/AngelCh415/campaign-etl/internal/store"
)

func day(s string) time.Time {
	d, err := models.ParseDay(s)
	if err != nil {
		panic(err)
	}
	return d
}

type stubPerf struct {
	rows  map[platform.Kind][]models.PerformanceRecord
	fail  map[platform.Kind]error
	calls int
}

func (s *stubPerf) FetchPerformance(_ context.Context, src platform.Source, start, end time.Time) ([]models.PerformanceRecord, error) {
	s.calls++
	if err := s.fail[src.Kind]; err != nil {
		return nil, err
	}
	var out []models.PerformanceRecord
	for _, r := range s.rows[src.Kind] {
		if !r.Date.Before(start) && !r.Date.After(end) {
			out = append(out, r)
		}
	}
	return out, nil
}

type stubAnalytics struct {
	overview []models.AnalyticsOverviewRecord
	events   []models.AnalyticsEventRecord
	err      error
	queries  []ingest.AnalyticsQuery
}

// within applies the query's narrowing the way the analytics service does.
func within(q ingest.AnalyticsQuery, source, campaign string) bool {
	if q.Sources != nil && !slices.Contains(q.Sources, source) {
		return false
	}
	return q.Campaigns == nil || slices.Contains(q.Campaigns, ingest.CollapseSpaces(campaign))
}

func (s *stubAnalytics) FetchOverview(_ context.Context, q ingest.AnalyticsQuery, _, _ time.Time) ([]models.AnalyticsOverviewRecord, error) {
	s.queries = append(s.queries, q)
	if s.err != nil {
		return nil, s.err
	}
	var out []models.AnalyticsOverviewRecord
	for _, r := range s.overview {
		if within(q, r.Source, r.Campaign) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *stubAnalytics) FetchEvents(_ context.Context, q ingest.AnalyticsQuery, _, _ time.Time) ([]models.AnalyticsEventRecord, error) {
	var out []models.AnalyticsEventRecord
	for _, r := range s.events {
		if within(q, r.Source, r.Campaign) {
			out = append(out, r)
		}
	}
	return out, nil
}

type fixture struct {
	p         *Pipeline
	perf      *stubPerf
	analytics *stubAnalytics
	artifacts *artifact.MemoryWriter
	summary   *metrics.Service
}

func newFixture() *fixture {
	f := &fixture{
		perf:      &stubPerf{rows: map[platform.Kind][]models.PerformanceRecord{}, fail: map[platform.Kind]error{}},
		analytics: &stubAnalytics{},
		artifacts: artifact.NewMemoryWriter(),
		summary:   metrics.NewService(),
	}
	log := logging.Nop()
	f.p = New(Deps{
		Performance:    f.perf,
		Analytics:      f.analytics,
		PerfStore:      store.NewMemoryStore[models.PerformanceRecord](),
		AnalyticsStore: store.NewMemoryStore[models.AnalyticsRow](),
		Joiner:         params.NewJoiner(f.artifacts, log),
		Engine:         reconcile.NewEngine(f.artifacts, log),
		Sinks:          []Sink{f.summary},
		Log:            log,
		Now:            func() time.Time { return time.Date(2024, 5, 11, 8, 0, 0, 0, time.UTC) },
	})
	return f
}

func spring(sources ...platform.Source) Campaign {
	return Campaign{
		Name:            "Spring",
		Start:           day("2024-05-09"),
		End:             day("2024-05-31"),
		ViewID:          "v1",
		Sources:         sources,
		Parametrization: []models.ParametrizationEntry{{Content: "c1", Attributes: map[string]string{"format": "video"}}},
	}
}

func fbSource() platform.Source {
	return platform.Source{Kind: platform.Facebook, Selector: platform.Accounts{IDs: []string{"act_1"}}}
}

func fbRow(content string, impressions int64) models.PerformanceRecord {
	return models.PerformanceRecord{
		Date:     day("2024-05-10"),
		Platform: "facebook",
		Source:   "fb",
		Campaign: "Spring  Sale",
		Content:  content,
		Metrics:  models.Metrics{Impressions: impressions},
	}
}

func tiktokSource() platform.Source {
	return platform.Source{Kind: platform.TikTok, Selector: platform.Accounts{IDs: []string{"adv_9"}}}
}

func tiktokRow(content string, impressions int64) models.PerformanceRecord {
	r := fbRow(content, impressions)
	r.Platform, r.Source = "tiktok", "tiktok"
	return r
}

func gaRow(source, content string, sessions int64) models.AnalyticsOverviewRecord {
	return models.AnalyticsOverviewRecord{Date: day("2024-05-10"), Source: source, Campaign: "Spring Sale", Content: content, Sessions: sessions}
}

func outcomes(rows []models.ReconciledRecord) map[string]models.JoinOutcome {
	out := map[string]models.JoinOutcome{}
	for _, r := range rows {
		out[r.Dimension] = r.Outcome
	}
	return out
}

func TestRunReconcilesCampaign(t *testing.T) {
	f := newFixture()
	f.perf.rows[platform.Facebook] = []models.PerformanceRecord{fbRow("c1", 10), fbRow("c2", 4)}
	f.analytics.overview = []models.AnalyticsOverviewRecord{
		gaRow("fb", "c1", 5),
		gaRow("fb", "c9", 2),
		gaRow("google", "c1", 7),
	}
	f.analytics.events = []models.AnalyticsEventRecord{
		{Date: day("2024-05-10"), Source: "fb", Campaign: "Spring Sale", Content: "c1", Category: "cta", Action: "click", EventCounts: models.EventCounts{TotalEvents: 3}},
	}

	res, err := f.p.Run(context.Background(), spring(fbSource()))
	require.NoError(t, err)
	require.Len(t, res.Sources, 1)

	sr := res.Sources[0]
	assert.Len(t, sr.Enriched, 2)
	assert.Equal(t, map[string]models.JoinOutcome{
		"c1": models.OutcomeOK,
		"c2": models.OutcomePerformanceOnly,
		"c9": models.OutcomeAnalyticsOnlyOrphan,
	}, outcomes(res.Overview()))

	require.Len(t, res.Events(), 1)
	assert.Equal(t, models.OutcomeOK, res.Events()[0].Outcome)

	require.Len(t, sr.Warnings, 1)
	var unmatched *params.UnmatchedParametrizationError
	require.ErrorAs(t, sr.Warnings[0], &unmatched)
	assert.Equal(t, []string{"c2"}, unmatched.Values)
	_, ok := f.artifacts.Get(artifact.Name("Spring", "facebook_unmatched_content"))
	assert.True(t, ok)

	require.Len(t, f.analytics.queries, 1)
	q := f.analytics.queries[0]
	assert.Equal(t, "v1", q.ViewID)
	assert.Nil(t, q.Sources)
	assert.Equal(t, []string{"Spring Sale"}, q.Campaigns)

	rows, err := f.summary.QuerySummary("spring", nil)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestRunSecondCallHitsCache(t *testing.T) {
	f := newFixture()
	f.perf.rows[platform.Facebook] = []models.PerformanceRecord{fbRow("c1", 10)}
	f.analytics.overview = []models.AnalyticsOverviewRecord{gaRow("fb", "c1", 5)}

	c := spring(fbSource())
	_, err := f.p.Run(context.Background(), c)
	require.NoError(t, err)
	res, err := f.p.Run(context.Background(), c)
	require.NoError(t, err)

	assert.Equal(t, 1, f.perf.calls)
	assert.Len(t, f.analytics.queries, 1)
	assert.Equal(t, models.OutcomeOK, outcomes(res.Overview())["c1"])
}

func TestRunIsolatesFailingSource(t *testing.T) {
	f := newFixture()
	f.perf.rows[platform.Facebook] = []models.PerformanceRecord{fbRow("c1", 10)}
	f.perf.fail[platform.TikTok] = errors.New("token expired")
	res, err := f.p.Run(context.Background(), spring(tiktokSource(), fbSource()))
	require.Error(t, err)
	require.NotNil(t, res)

	var se *SourceErrors
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Errs, "tiktok")
	assert.Len(t, se.Errs, 1)

	var fe *ingest.FetchError
	assert.ErrorAs(t, err, &fe)

	require.Len(t, res.Sources, 1)
	assert.Equal(t, platform.Facebook, res.Sources[0].Source)
	assert.NotEmpty(t, res.Sources[0].Overview)
}

func TestRunAnalyticsFailureKeepsEnrichedRows(t *testing.T) {
	f := newFixture()
	f.perf.rows[platform.Facebook] = []models.PerformanceRecord{fbRow("c1", 10)}
	f.analytics.err = errors.New("quota exceeded")

	res, err := f.p.Run(context.Background(), spring(fbSource()))
	var se *SourceErrors
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Errs, "analytics_bm")
	require.Len(t, res.Sources, 1)
	assert.Len(t, res.Sources[0].Enriched, 1)
	assert.Empty(t, res.Sources[0].Overview)
}

func TestRunRecoversAnalyticsAfterSourceFailure(t *testing.T) {
	f := newFixture()
	f.perf.rows[platform.Facebook] = []models.PerformanceRecord{fbRow("c1", 10)}
	f.perf.rows[platform.TikTok] = []models.PerformanceRecord{tiktokRow("c1", 8)}
	f.perf.fail[platform.Facebook] = errors.New("token expired")
	f.analytics.overview = []models.AnalyticsOverviewRecord{gaRow("fb", "c1", 5), gaRow("tiktok", "c1", 3)}
	c := spring(fbSource(), tiktokSource())

	_, err := f.p.Run(context.Background(), c)
	var se *SourceErrors
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Errs, "facebook")

	delete(f.perf.fail, platform.Facebook)
	res, err := f.p.Run(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, res.Sources, 2)
	for _, sr := range res.Sources {
		assert.Equal(t, models.OutcomeOK, outcomes(sr.Overview)["c1"], sr.Source.String())
	}
}

func TestRunRefetchesAnalyticsForNewCampaignName(t *testing.T) {
	f := newFixture()
	f.perf.rows[platform.Facebook] = []models.PerformanceRecord{fbRow("c1", 10)}
	f.perf.fail[platform.TikTok] = errors.New("rate limited")
	late := gaRow("tiktok", "c1", 3)
	late.Campaign = "Spring Retarget"
	f.analytics.overview = []models.AnalyticsOverviewRecord{gaRow("fb", "c1", 5), late}
	c := spring(fbSource(), tiktokSource())

	_, err := f.p.Run(context.Background(), c)
	require.Error(t, err)

	row := tiktokRow("c1", 8)
	row.Campaign = "Spring Retarget"
	f.perf.rows[platform.TikTok] = []models.PerformanceRecord{row}
	delete(f.perf.fail, platform.TikTok)

	res, err := f.p.Run(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, f.analytics.queries, 2)
	assert.Equal(t, []string{"Spring Retarget", "Spring Sale"}, f.analytics.queries[1].Campaigns)
	for _, sr := range res.Sources {
		assert.Equal(t, models.OutcomeOK, outcomes(sr.Overview)["c1"], sr.Source.String())
	}
}

func TestRunWithoutViewSkipsAnalytics(t *testing.T) {
	f := newFixture()
	f.perf.rows[platform.Facebook] = []models.PerformanceRecord{fbRow("c1", 10)}
	f.analytics.overview = []models.AnalyticsOverviewRecord{gaRow("fb", "c1", 5)}
	c := spring(fbSource())
	c.ViewID = ""

	res, err := f.p.Run(context.Background(), c)
	require.NoError(t, err)
	assert.Empty(t, f.analytics.queries)
	assert.Equal(t, map[string]models.JoinOutcome{"c1": models.OutcomePerformanceOnly}, outcomes(res.Overview()))
}

func TestRunAlreadyCurrentReturnsCachedResult(t *testing.T) {
	f := newFixture()
	f.perf.rows[platform.Facebook] = []models.PerformanceRecord{fbRow("c1", 10)}
	f.perf.fail[platform.TikTok] = errors.New("token expired")
	c := spring(fbSource(), tiktokSource())

	_, err := f.p.Run(context.Background(), c)
	require.Error(t, err)
	_, err = f.p.Run(context.Background(), c)
	require.Error(t, err, "a run with failures is not current")
	assert.Equal(t, 3, f.perf.calls, "facebook served from the store, tiktok retried")

	delete(f.perf.fail, platform.TikTok)
	first, err := f.p.Run(context.Background(), c)
	require.NoError(t, err)
	calls := f.perf.calls

	again, err := f.p.Run(context.Background(), c)
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.Equal(t, calls, f.perf.calls)
}

type recordingSink struct {
	mu   sync.Mutex
	outs []models.CampaignOutput
	err  error
}

func (s *recordingSink) Publish(_ context.Context, out models.CampaignOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outs = append(s.outs, out)
	return s.err
}

func TestRunPublishesOutput(t *testing.T) {
	f := newFixture()
	sink := &recordingSink{}
	f.p.sinks = append(f.p.sinks, sink)
	f.perf.rows[platform.Facebook] = []models.PerformanceRecord{fbRow("c1", 10), fbRow("c2", 4)}
	f.analytics.overview = []models.AnalyticsOverviewRecord{gaRow("fb", "c1", 5)}

	_, err := f.p.Run(context.Background(), spring(fbSource()))
	require.NoError(t, err)
	require.Len(t, sink.outs, 1)
	out := sink.outs[0]
	assert.Equal(t, "Spring", out.Campaign)
	assert.Len(t, out.Performance, 2)
	assert.Len(t, out.Overview, 2)
	assert.Equal(t, time.Date(2024, 5, 11, 8, 0, 0, 0, time.UTC), out.Updated)
}

func TestRunPublishFailureIsReported(t *testing.T) {
	f := newFixture()
	f.p.sinks = []Sink{&recordingSink{err: errors.New("disk full")}}
	f.perf.rows[platform.Facebook] = []models.PerformanceRecord{fbRow("c1", 10)}

	res, err := f.p.Run(context.Background(), spring(fbSource()))
	var se *SourceErrors
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Errs, "output")
	require.Len(t, res.Sources, 1)
}

func TestStartReportsConflictSynchronously(t *testing.T) {
	f := newFixture()
	f.perf.rows[platform.Facebook] = []models.PerformanceRecord{fbRow("c1", 10)}
	require.True(t, f.p.lock("spring"))
	assert.ErrorIs(t, f.p.Start(context.Background(), spring(fbSource()), nil), ErrRunInProgress)
	f.p.unlock("spring")

	done := make(chan error, 1)
	require.NoError(t, f.p.Start(context.Background(), spring(fbSource()), func(_ *Result, err error) { done <- err }))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("background run never finished")
	}
	assert.True(t, f.p.lock("spring"), "lock released after the run")
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	f := newFixture()
	require.True(t, f.p.lock("spring"))
	_, err := f.p.Run(context.Background(), spring(fbSource()))
	assert.ErrorIs(t, err, ErrRunInProgress)

	f.p.unlock("spring")
	_, err = f.p.Run(context.Background(), spring(fbSource()))
	assert.NoError(t, err)
}

func TestRunActiveSkipsInactive(t *testing.T) {
	f := newFixture()
	f.perf.rows[platform.Facebook] = []models.PerformanceRecord{fbRow("c1", 10)}

	past := spring(fbSource())
	past.Name = "Winter"
	past.Start, past.End = day("2024-01-01"), day("2024-01-31")

	out, err := f.p.RunActive(context.Background(), []Campaign{past, spring(fbSource())})
	require.NoError(t, err)
	assert.Contains(t, out, "Spring")
	assert.NotContains(t, out, "Winter")
}

func TestAnalyticsQueryForCreativeManagement(t *testing.T) {
	cm := platform.Source{Kind: platform.CampaignManager, Selector: platform.Campaigns{Names: []string{" Spring   CM ", "Alt"}}}
	c := spring(cm)
	results := []SourceResult{{Source: platform.CampaignManager}}
	q := analyticsQuery(c, results, sourceGroup{name: "analytics_cm", members: []int{0}})
	assert.Nil(t, q.Sources)
	assert.Equal(t, []string{"Alt", "Spring CM"}, q.Campaigns)
}

func TestActive(t *testing.T) {
	c := Campaign{Start: day("2024-05-01"), End: day("2024-05-31")}
	cases := map[string]bool{
		"2024-05-01": false,
		"2024-05-02": true,
		"2024-05-31": true,
		"2024-06-01": true,
		"2024-06-02": false,
	}
	for d, want := range cases {
		assert.Equal(t, want, c.Active(day(d).Add(13*time.Hour)), d)
	}
}

func TestFromConfig(t *testing.T) {
	dir := t.TempDir()
	table := `[{"content":"c1","ad_name":"Hero","attributes":{"format":"video"}}]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "params.json"), []byte(table), 0o644))

	c, err := FromConfig(config.Campaign{
		Name:            "Spring",
		Start:           "2024-05-01",
		End:             "2024-05-31",
		Parametrization: "params.json",
		Sources: []config.Source{
			{Platform: "facebook", Accounts: []string{"act_1"}},
			{Platform: "campaign_manager", Campaigns: []string{"Spring CM"}},
		},
	}, dir)
	require.NoError(t, err)
	assert.Equal(t, day("2024-05-01"), c.Start)
	require.Len(t, c.Sources, 2)
	assert.Equal(t, platform.Accounts{IDs: []string{"act_1"}}, c.Sources[0].Selector)
	assert.Equal(t, platform.Campaigns{Names: []string{"Spring CM"}}, c.Sources[1].Selector)
	require.Len(t, c.Parametrization, 1)
	assert.Equal(t, "video", c.Parametrization[0].Attributes["format"])
}

func TestFromConfigRejectsBadInput(t *testing.T) {
	cases := map[string]config.Campaign{
		"bad date":     {Name: "x", Start: "05/01/2024", End: "2024-05-31"},
		"bad platform": {Name: "x", Start: "2024-05-01", End: "2024-05-31", Sources: []config.Source{{Platform: "myspace", Accounts: []string{"a"}}}},
		"reversed":     {Name: "x", Start: "2024-05-31", End: "2024-05-01"},
		"no params":    {Name: "x", Start: "2024-05-01", End: "2024-05-31", Parametrization: "missing.json"},
		"duplicate": {Name: "x", Start: "2024-05-01", End: "2024-05-31", Sources: []config.Source{
			{Platform: "facebook", Accounts: []string{"a"}},
			{Platform: "facebook", Accounts: []string{"b"}},
		}},
	}
	for name, cc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromConfig(cc, t.TempDir())
			assert.Error(t, err)
		})
	}
}
