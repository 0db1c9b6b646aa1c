// Package pipeline runs one campaign end to end: incremental fetch per source,
// parametrization join, analytics fetch per analytics group, reconciliation.
// A failing source is reported and skipped; the other sources still run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/AngelCh415/campaign-etl/internal/ingest"
	"github.com/AngelCh415/campaign-etl/internal/models"
	"github.com/AngelCh415/campaign-etl/internal/params"
	"github.com/AngelCh415/campaign-etl/internal/platform"
	"github.com/AngelCh415/campaign-etl/internal/reconcile"
	"github.com/AngelCh415/campaign-etl/internal/store"
)

var ErrRunInProgress = errors.New("campaign run already in progress")

// Sink receives the final tables of every run that produced output.
type Sink interface {
	Publish(ctx context.Context, out models.CampaignOutput) error
}

type Deps struct {
	Performance    ingest.PerformanceFetcher
	Analytics      ingest.AnalyticsFetcher
	PerfStore      store.RecordStore[models.PerformanceRecord]
	AnalyticsStore store.RecordStore[models.AnalyticsRow]
	Joiner         *params.Joiner
	Engine         *reconcile.Engine
	Sinks          []Sink
	Log            *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

type Pipeline struct {
	perf      ingest.PerformanceFetcher
	analytics ingest.AnalyticsFetcher
	perfUpd   *ingest.Updater[models.PerformanceRecord]
	gaUpd     *ingest.Updater[models.AnalyticsRow]
	joiner    *params.Joiner
	engine    *reconcile.Engine
	sinks     []Sink
	log       *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	running map[string]bool
	current map[string]currentRun
}

// currentRun is the last clean result of a campaign and the day it ran.
type currentRun struct {
	day time.Time
	res *Result
}

func New(d Deps) *Pipeline {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		perf:      d.Performance,
		analytics: d.Analytics,
		perfUpd:   ingest.NewUpdater(d.PerfStore, d.Log).WithClock(now),
		gaUpd:     ingest.NewUpdater(d.AnalyticsStore, d.Log).WithClock(now),
		joiner:    d.Joiner,
		engine:    d.Engine,
		sinks:     d.Sinks,
		log:       d.Log,
		now:       now,
		running:   map[string]bool{},
		current:   map[string]currentRun{},
	}
}

// SourceResult is the output for one platform of a campaign.
type SourceResult struct {
	Source   platform.Kind
	Enriched []models.EnrichedRecord
	Overview []models.ReconciledRecord
	Events   []models.ReconciledEvent
	// Warnings holds non-fatal conditions such as unmatched parametrization.
	Warnings []error
}

type Result struct {
	Campaign string
	Sources  []SourceResult
}

func (r *Result) Performance() []models.EnrichedRecord {
	var out []models.EnrichedRecord
	for _, s := range r.Sources {
		out = append(out, s.Enriched...)
	}
	return out
}

func (r *Result) Overview() []models.ReconciledRecord {
	var out []models.ReconciledRecord
	for _, s := range r.Sources {
		out = append(out, s.Overview...)
	}
	return out
}

func (r *Result) Events() []models.ReconciledEvent {
	var out []models.ReconciledEvent
	for _, s := range r.Sources {
		out = append(out, s.Events...)
	}
	return out
}

// SourceErrors collects fatal per-source failures of one run, keyed by
// platform name or analytics group.
type SourceErrors struct {
	Campaign string
	Errs     map[string]error
}

func (e *SourceErrors) Error() string {
	names := make([]string, 0, len(e.Errs))
	for n := range e.Errs {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = n + ": " + e.Errs[n].Error()
	}
	return fmt.Sprintf("campaign %s: %d source(s) failed: %s", e.Campaign, len(names), strings.Join(parts, "; "))
}

func (e *SourceErrors) Unwrap() []error {
	out := make([]error, 0, len(e.Errs))
	for _, err := range e.Errs {
		out = append(out, err)
	}
	return out
}

func (p *Pipeline) lock(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := strings.ToLower(name)
	if p.running[key] {
		return false
	}
	p.running[key] = true
	return true
}

func (p *Pipeline) unlock(name string) {
	p.mu.Lock()
	delete(p.running, strings.ToLower(name))
	p.mu.Unlock()
}

func (p *Pipeline) currentResult(name string, today time.Time) (*Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cr, ok := p.current[strings.ToLower(name)]
	if !ok || !cr.day.Equal(today) {
		return nil, false
	}
	return cr.res, true
}

func (p *Pipeline) markCurrent(name string, today time.Time, res *Result) {
	p.mu.Lock()
	p.current[strings.ToLower(name)] = currentRun{day: today, res: res}
	p.mu.Unlock()
}

// Run refreshes and reconciles every source of c. The result is returned
// even when some sources failed; those failures come back as *SourceErrors.
// A campaign that already ran cleanly today returns that run's result.
func (p *Pipeline) Run(ctx context.Context, c Campaign) (*Result, error) {
	if err := p.acquire(c); err != nil {
		return nil, err
	}
	defer p.unlock(c.Name)
	return p.execute(ctx, c)
}

// Start is Run in the background. Validation and the per-campaign lock
// happen before it returns, so ErrRunInProgress is reported synchronously.
// done, if not nil, receives the outcome after the lock is released.
func (p *Pipeline) Start(ctx context.Context, c Campaign, done func(*Result, error)) error {
	if err := p.acquire(c); err != nil {
		return err
	}
	go func() {
		res, err := p.execute(ctx, c)
		p.unlock(c.Name)
		if done != nil {
			done(res, err)
		}
	}()
	return nil
}

func (p *Pipeline) acquire(c Campaign) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if !p.lock(c.Name) {
		return fmt.Errorf("%s: %w", c.Name, ErrRunInProgress)
	}
	return nil
}

func (p *Pipeline) execute(ctx context.Context, c Campaign) (*Result, error) {
	start := p.now()
	today := models.Day(start)
	log := p.log.With(slog.String("campaign", c.Name))
	if res, ok := p.currentResult(c.Name, today); ok {
		log.Info("campaign already current", slog.String("day", models.FormatDay(today)))
		return res, nil
	}

	res := &Result{Campaign: c.Name}
	failed := map[string]error{}

	for _, src := range c.Sources {
		sr, err := p.runSource(ctx, c, src)
		if err != nil {
			log.Error("source failed", slog.String("source", src.Kind.String()), slog.Any("err", err))
			failed[src.Kind.String()] = err
			continue
		}
		res.Sources = append(res.Sources, *sr)
	}

	for _, group := range groupSources(res.Sources) {
		if err := p.reconcileGroup(ctx, c, res.Sources, group); err != nil {
			log.Error("analytics failed", slog.String("group", group.name), slog.Any("err", err))
			failed[group.name] = err
		}
	}

	if len(res.Sources) > 0 {
		if err := p.publish(ctx, res); err != nil {
			log.Error("publish failed", slog.Any("err", err))
			failed["output"] = err
		}
	}
	log.Info("campaign run finished",
		slog.Int("sources", len(res.Sources)),
		slog.Int("failed", len(failed)),
		slog.Int("rows", len(res.Overview())),
		slog.Duration("took", p.now().Sub(start)))

	if len(failed) > 0 {
		return res, &SourceErrors{Campaign: c.Name, Errs: failed}
	}
	p.markCurrent(c.Name, today, res)
	return res, nil
}

func (p *Pipeline) publish(ctx context.Context, res *Result) error {
	out := models.CampaignOutput{
		Campaign:    res.Campaign,
		Updated:     p.now(),
		Performance: res.Performance(),
		Overview:    res.Overview(),
		Events:      res.Events(),
	}
	var errs []error
	for _, s := range p.sinks {
		if err := s.Publish(ctx, out); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) runSource(ctx context.Context, c Campaign, src platform.Source) (*SourceResult, error) {
	key := store.Key{Campaign: c.Name, Source: src.Kind.String()}
	rows, err := p.perfUpd.Update(ctx, key, c.Start, ingest.PerformanceFetch(p.perf, src))
	if err != nil {
		return nil, err
	}

	tagged, untagged := params.Partition(rows)
	jr, err := p.joiner.Join(ctx, params.JoinInput{
		Campaign: c.Name,
		Platform: src.Kind,
		Tagged:   tagged,
		Untagged: untagged,
		Table:    c.Parametrization,
	})
	sr := &SourceResult{Source: src.Kind, Enriched: jr.Records()}
	if err != nil {
		sr.Warnings = append(sr.Warnings, err)
	}
	return sr, nil
}

type sourceGroup struct {
	name    string
	members []int
}

// groupSources buckets results by analytics group, in first-seen order.
func groupSources(results []SourceResult) []sourceGroup {
	var groups []sourceGroup
	pos := map[string]int{}
	for i, r := range results {
		name := r.Source.AnalyticsGroup()
		j, ok := pos[name]
		if !ok {
			j = len(groups)
			pos[name] = j
			groups = append(groups, sourceGroup{name: name})
		}
		groups[j].members = append(groups[j].members, i)
	}
	return groups
}

// reconcileGroup fetches the group's analytics rows and reconciles each
// member against them. Without a view id every member reconciles against
// nothing and all rows come out performance-only.
func (p *Pipeline) reconcileGroup(ctx context.Context, c Campaign, results []SourceResult, g sourceGroup) error {
	var (
		overview []models.AnalyticsOverviewRecord
		events   []models.AnalyticsEventRecord
	)
	if c.ViewID != "" {
		q := analyticsQuery(c, results, g)
		rows, err := p.gaUpd.Update(ctx, analyticsKey(c.Name, g.name, q), c.Start, ingest.AnalyticsFetch(p.analytics, q))
		if err != nil {
			return err
		}
		overview, events = models.SplitAnalytics(rows)
	} else {
		p.log.Debug("no analytics view, skipping fetch", slog.String("campaign", c.Name), slog.String("group", g.name))
	}

	var errs []error
	for _, i := range g.members {
		sr := &results[i]
		rr, err := p.engine.Reconcile(ctx, reconcile.Input{
			Campaign:    c.Name,
			Platform:    sr.Source,
			Performance: sr.Enriched,
			Overview:    overview,
			Events:      events,
		})
		if rr == nil {
			errs = append(errs, fmt.Errorf("%s: %w", sr.Source, err))
			continue
		}
		if err != nil {
			sr.Warnings = append(sr.Warnings, err)
		}
		sr.Overview = rr.Overview
		sr.Events = rr.Events
	}
	return errors.Join(errs...)
}

// analyticsQuery narrows the analytics extraction to the campaign names of
// the group. Creative-management names come from the selector; ad platform
// names come from the performance rows. Sources are left open: the engine
// filters per platform, and the stored set must stay valid for members
// that did not report this run.
func analyticsQuery(c Campaign, results []SourceResult, g sourceGroup) ingest.AnalyticsQuery {
	names := map[string]struct{}{}
	for _, i := range g.members {
		kind := results[i].Source
		if kind.JobBased() {
			for _, src := range c.Sources {
				if sel, ok := src.Selector.(platform.Campaigns); ok && src.Kind == kind {
					for _, n := range sel.Names {
						names[ingest.CollapseSpaces(n)] = struct{}{}
					}
				}
			}
			continue
		}
		for _, r := range results[i].Enriched {
			if n := ingest.CollapseSpaces(r.Campaign); n != "" {
				names[n] = struct{}{}
			}
		}
	}
	return ingest.AnalyticsQuery{ViewID: c.ViewID, Campaigns: sortedKeys(names)}
}

// analyticsKey scopes the stored analytics set to the query it was fetched
// with. A different set of campaign names gets its own set and watermark,
// so rows for a newly seen name are fetched over the full range.
func analyticsKey(campaign, group string, q ingest.AnalyticsQuery) store.Key {
	if len(q.Campaigns) == 0 {
		return store.Key{Campaign: campaign, Source: group}
	}
	h := xxh3.HashString(q.ViewID + "\x00" + strings.Join(q.Campaigns, "\x00"))
	return store.Key{Campaign: campaign, Source: fmt.Sprintf("%s-%016x", group, h)}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// RunActive runs every campaign active today, one after another.
func (p *Pipeline) RunActive(ctx context.Context, campaigns []Campaign) (map[string]*Result, error) {
	today := p.now()
	out := map[string]*Result{}
	var errs []error
	for _, c := range campaigns {
		if !c.Active(today) {
			p.log.Debug("campaign inactive", slog.String("campaign", c.Name))
			continue
		}
		res, err := p.Run(ctx, c)
		if res != nil {
			out[c.Name] = res
		}
		if err != nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return out, errors.Join(errs...)
}
