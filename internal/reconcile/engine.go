// Package reconcile joins platform performance rows (BM) with analytics
// overview rows (GA) for one platform and classifies every row with a single
// join outcome:
//
//	ok                     BM row with a GA row on the same key
//	performance_only       BM row, no GA row
//	analytics_only_valid   GA row, no BM row that day, BM knows the creative
//	analytics_only_orphan  GA row, BM never saw the creative
//
// Event rows are summed per key and attached to the classified overview.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/AngelCh415/campaign-etl/internal/artifact"
	"github.com/AngelCh415/campaign-etl/internal/metrics"
	"github.com/AngelCh415/campaign-etl/internal/models"
	"github.com/AngelCh415/campaign-etl/internal/platform"
)

// DuplicatePolicy decides what survives when GA returns several overview rows
// for one key.
type DuplicatePolicy int

const (
	// KeepFirst keeps the first row in input order and drops the rest.
	KeepFirst DuplicatePolicy = iota
	// Sum folds the colliding rows' metrics into the first row.
	Sum
)

func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "keep_first", "first":
		return KeepFirst, nil
	case "sum":
		return Sum, nil
	}
	return 0, fmt.Errorf("unknown duplicate policy %q", s)
}

type Input struct {
	Campaign    string
	Platform    platform.Kind
	Performance []models.EnrichedRecord
	Overview    []models.AnalyticsOverviewRecord
	Events      []models.AnalyticsEventRecord
}

type Result struct {
	Overview []models.ReconciledRecord
	Events   []models.ReconciledEvent
	Counts   map[models.JoinOutcome]int
	// Dropped counts GA rows removed by the duplicate guard.
	Dropped int
}

// DuplicateAnalyticsKeyError reports GA keys that arrived more than once.
// The reconciliation still completed.
type DuplicateAnalyticsKeyError struct {
	Campaign string
	Platform platform.Kind
	Keys     []string
	Dropped  int
	Artifact string
}

func (e *DuplicateAnalyticsKeyError) Error() string {
	return fmt.Sprintf("%s/%s: %d analytics key(s) duplicated, %d row(s) dropped, see %s",
		e.Campaign, e.Platform, len(e.Keys), e.Dropped, e.Artifact)
}

type Engine struct {
	artifacts artifact.Writer
	log       *slog.Logger
	policy    DuplicatePolicy
}

type Option func(*Engine)

func WithDuplicatePolicy(p DuplicatePolicy) Option { return func(e *Engine) { e.policy = p } }

func NewEngine(w artifact.Writer, log *slog.Logger, opts ...Option) *Engine {
	e := &Engine{artifacts: w, log: log}
	for _, o := range opts {
		o(e)
	}
	return e
}

type gaRow struct {
	key Key
	row models.AnalyticsOverviewRecord
}

// Reconcile classifies in.Performance and in.Overview and attaches in.Events.
// A non-nil error with a non-nil result is a *DuplicateAnalyticsKeyError.
func (e *Engine) Reconcile(ctx context.Context, in Input) (*Result, error) {
	kind := in.Platform
	overview, events := filterSources(kind, in.Overview, in.Events)

	ga, dupErr := e.dedup(ctx, in, overview)
	gaByKey := make(map[string]models.AnalyticsOverviewRecord, len(ga))
	for _, g := range ga {
		gaByKey[g.key.String()] = g.row
	}

	res := &Result{Counts: map[models.JoinOutcome]int{}}
	if dupErr != nil {
		res.Dropped = dupErr.Dropped
	}

	bmKeys := make(map[string]struct{}, len(in.Performance))
	bmByDim := make(map[string]models.EnrichedRecord)
	for _, bm := range in.Performance {
		k := PerformanceKey(kind, bm.PerformanceRecord)
		ks := k.String()
		bmKeys[ks] = struct{}{}
		if _, ok := bmByDim[k.dimension()]; !ok {
			bmByDim[k.dimension()] = bm
		}

		rec := models.ReconciledRecord{
			Key:       ks,
			Outcome:   models.OutcomePerformanceOnly,
			Platform:  kind.String(),
			Date:      k.Date,
			Source:    bm.Source,
			Dimension: k.Dimension,
			BM:        bm,
		}
		if g, ok := gaByKey[ks]; ok {
			g := g
			rec.Outcome = models.OutcomeOK
			rec.AnalyticsKey = ks
			rec.GA = &g
		}
		res.add(rec)
	}

	for _, g := range ga {
		ks := g.key.String()
		if _, ok := bmKeys[ks]; ok {
			continue
		}
		row := g.row
		rec := models.ReconciledRecord{
			Key:          ks,
			AnalyticsKey: ks,
			Outcome:      models.OutcomeAnalyticsOnlyOrphan,
			Platform:     kind.String(),
			Date:         g.key.Date,
			Source:       row.Source,
			Dimension:    g.key.Dimension,
			GA:           &row,
		}
		if known, ok := bmByDim[g.key.dimension()]; ok {
			rec.Outcome = models.OutcomeAnalyticsOnlyValid
			rec.BM = known
			rec.BM.Metadata = copyMap(known.Metadata)
		} else {
			rec.BM.Platform = kind.String()
			rec.BM.Campaign = row.Campaign
			rec.BM.Content = row.Content
			rec.BM.AdID = row.AdID
			rec.BM.CreativeID = row.CreativeID
		}
		rec.BM.Date = g.key.Date
		rec.BM.Source = row.Source
		rec.BM.Metrics = models.Metrics{}
		res.add(rec)
	}

	res.Events = attachEvents(kind, events, res.Overview)

	for o, n := range res.Counts {
		metrics.ReconciledRows.WithLabelValues(kind.String(), string(o)).Add(float64(n))
	}
	e.log.Info("reconciled",
		slog.String("campaign", in.Campaign),
		slog.String("platform", kind.String()),
		slog.Int("ok", res.Counts[models.OutcomeOK]),
		slog.Int("performance_only", res.Counts[models.OutcomePerformanceOnly]),
		slog.Int("analytics_only_valid", res.Counts[models.OutcomeAnalyticsOnlyValid]),
		slog.Int("analytics_only_orphan", res.Counts[models.OutcomeAnalyticsOnlyOrphan]),
		slog.Int("events", len(res.Events)))

	if dupErr != nil {
		return res, dupErr
	}
	return res, nil
}

func (r *Result) add(rec models.ReconciledRecord) {
	r.Overview = append(r.Overview, rec)
	r.Counts[rec.Outcome]++
}

// dedup makes GA keys unique according to the engine's policy and exports
// every colliding row.
func (e *Engine) dedup(ctx context.Context, in Input, rows []models.AnalyticsOverviewRecord) ([]gaRow, *DuplicateAnalyticsKeyError) {
	out := make([]gaRow, 0, len(rows))
	pos := make(map[string]int, len(rows))
	groups := make(map[string][]models.AnalyticsOverviewRecord)
	var order []string

	for _, r := range rows {
		k := OverviewKey(in.Platform, r)
		ks := k.String()
		if i, ok := pos[ks]; ok {
			if len(groups[ks]) == 0 {
				order = append(order, ks)
				groups[ks] = append(groups[ks], out[i].row)
			}
			groups[ks] = append(groups[ks], r)
			if e.policy == Sum {
				out[i].row = sumOverview(out[i].row, r)
			}
			continue
		}
		pos[ks] = len(out)
		out = append(out, gaRow{key: k, row: r})
	}
	if len(order) == 0 {
		return out, nil
	}

	name := artifact.Name(in.Campaign, in.Platform.String()+"_duplicated_analytics")
	var table [][]string
	dropped := 0
	for _, ks := range order {
		dropped += len(groups[ks]) - 1
		for _, r := range groups[ks] {
			table = append(table, overviewCSV(ks, r))
		}
	}
	metrics.DuplicateAnalyticsRows.WithLabelValues(in.Platform.String()).Add(float64(dropped))
	if err := e.artifacts.Write(ctx, name, overviewHeader, table); err != nil {
		e.log.Error("write duplicate artifact", slog.String("artifact", name), slog.Any("err", err))
	}
	e.log.Warn("duplicate analytics keys",
		slog.String("campaign", in.Campaign),
		slog.String("platform", in.Platform.String()),
		slog.Int("keys", len(order)),
		slog.Int("dropped", dropped))

	return out, &DuplicateAnalyticsKeyError{
		Campaign: in.Campaign,
		Platform: in.Platform,
		Keys:     order,
		Dropped:  dropped,
		Artifact: name,
	}
}

func sumOverview(a, b models.AnalyticsOverviewRecord) models.AnalyticsOverviewRecord {
	a.Sessions += b.Sessions
	a.Users += b.Users
	a.NewUsers += b.NewUsers
	a.Bounces += b.Bounces
	a.Pageviews += b.Pageviews
	a.SessionDuration += b.SessionDuration
	return a
}

var overviewHeader = []string{
	"key", "date", "source", "medium", "campaign", "content", "ad_id", "cm_creative_id",
	"sessions", "users", "new_users", "bounces", "pageviews", "session_duration",
}

func overviewCSV(key string, r models.AnalyticsOverviewRecord) []string {
	i := func(v int64) string { return strconv.FormatInt(v, 10) }
	return []string{
		key, models.FormatDay(r.Date), r.Source, r.Medium, r.Campaign, r.Content, r.AdID, r.CreativeID,
		i(r.Sessions), i(r.Users), i(r.NewUsers), i(r.Bounces), i(r.Pageviews),
		strconv.FormatFloat(r.SessionDuration, 'f', -1, 64),
	}
}

// filterSources keeps analytics rows whose source belongs to the platform.
func filterSources(kind platform.Kind, ov []models.AnalyticsOverviewRecord, ev []models.AnalyticsEventRecord) ([]models.AnalyticsOverviewRecord, []models.AnalyticsEventRecord) {
	allowed := kind.AnalyticsSources()
	if allowed == nil {
		return ov, ev
	}
	ok := make(map[string]struct{}, len(allowed))
	for _, s := range allowed {
		ok[s] = struct{}{}
	}
	var fov []models.AnalyticsOverviewRecord
	for _, r := range ov {
		if _, in := ok[strings.ToLower(r.Source)]; in {
			fov = append(fov, r)
		}
	}
	var fev []models.AnalyticsEventRecord
	for _, r := range ev {
		if _, in := ok[strings.ToLower(r.Source)]; in {
			fev = append(fev, r)
		}
	}
	return fov, fev
}

type eventKey struct {
	key, category, action, label string
}

// attachEvents sums events per (key, category, action, label) and copies the
// BM dimensions of the first overview row carrying the same GA key.
func attachEvents(kind platform.Kind, events []models.AnalyticsEventRecord, overview []models.ReconciledRecord) []models.ReconciledEvent {
	byKey := make(map[string]*models.ReconciledRecord)
	for i := range overview {
		rec := &overview[i]
		if rec.AnalyticsKey == "" {
			continue
		}
		if _, ok := byKey[rec.AnalyticsKey]; !ok {
			byKey[rec.AnalyticsKey] = rec
		}
	}

	idx := make(map[eventKey]int)
	var out []models.ReconciledEvent
	for _, ev := range events {
		k := EventKey(kind, ev)
		ks := k.String()
		ek := eventKey{ks, ev.Category, ev.Action, ev.Label}
		if i, ok := idx[ek]; ok {
			out[i].EventCounts = out[i].EventCounts.Add(ev.EventCounts)
			continue
		}
		re := models.ReconciledEvent{
			Key:         ks,
			Platform:    kind.String(),
			Date:        k.Date,
			Source:      ev.Source,
			Dimension:   k.Dimension,
			Campaign:    ev.Campaign,
			Category:    ev.Category,
			Action:      ev.Action,
			Label:       ev.Label,
			EventCounts: ev.EventCounts,
		}
		if rec, ok := byKey[ks]; ok {
			re.Outcome = rec.Outcome
			if rec.BM.Campaign != "" {
				re.Campaign = rec.BM.Campaign
			}
			re.Adset = rec.BM.Adset
			re.AdName = rec.BM.AdName
			re.Metadata = copyMap(rec.BM.Metadata)
		}
		idx[ek] = len(out)
		out = append(out, re)
	}
	return out
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
