package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AngelCh415/campaign-etl/internal/models"
)

var ErrUnknownCampaign = errors.New("no reconciled data for campaign")

// SummaryRow aggregates reconciled overview rows per day, platform and outcome.
type SummaryRow struct {
	Date        string             `json:"date"`
	Platform    string             `json:"platform"`
	Outcome     models.JoinOutcome `json:"join_outcome"`
	Rows        int                `json:"rows"`
	Impressions int64              `json:"impressions"`
	Clicks      int64              `json:"clicks"`
	Cost        float64            `json:"cost"`
	Sessions    int64              `json:"sessions"`
	Users       int64              `json:"users"`
	Pageviews   int64              `json:"pageviews"`

	CPC            float64 `json:"cpc"`
	CTR            float64 `json:"ctr"`
	CostPerSession float64 `json:"cost_per_session"`
}

// EventRow aggregates reconciled events per day, platform and event triple.
type EventRow struct {
	Date     string             `json:"date"`
	Platform string             `json:"platform"`
	Outcome  models.JoinOutcome `json:"join_outcome,omitempty"`
	Category string             `json:"event_category"`
	Action   string             `json:"event_action"`
	Label    string             `json:"event_label"`
	models.EventCounts
}

type snapshot struct {
	overview []models.ReconciledRecord
	events   []models.ReconciledEvent
	updated  time.Time
}

// Service keeps the latest reconciliation of every campaign and answers
// summary queries over it.
type Service struct {
	mu   sync.RWMutex
	runs map[string]snapshot
}

func NewService() *Service { return &Service{runs: map[string]snapshot{}} }

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func csvSet(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, p := range strings.Split(s, ",") {
		p = norm(p)
		if p != "" {
			out[p] = struct{}{}
		}
	}
	return out
}

// Put replaces the stored reconciliation of campaign.
func (s *Service) Put(campaign string, overview []models.ReconciledRecord, events []models.ReconciledEvent, at time.Time) {
	s.mu.Lock()
	s.runs[norm(campaign)] = snapshot{overview: overview, events: events, updated: at}
	s.mu.Unlock()
}

// Publish stores the reconciled tables of out, replacing the previous run.
func (s *Service) Publish(_ context.Context, out models.CampaignOutput) error {
	s.Put(out.Campaign, out.Overview, out.Events, out.Updated)
	return nil
}

// Updated returns when campaign was last stored.
func (s *Service) Updated(campaign string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.runs[norm(campaign)]
	return snap.updated, ok
}

func (s *Service) get(campaign string) (snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.runs[norm(campaign)]
	if !ok {
		return snapshot{}, fmt.Errorf("%s: %w", campaign, ErrUnknownCampaign)
	}
	return snap, nil
}

type filter struct {
	from, to  time.Time
	platforms map[string]struct{}
	outcomes  map[string]struct{}
}

func parseFilter(v url.Values) (filter, error) {
	f := filter{platforms: csvSet(v.Get("platform")), outcomes: csvSet(v.Get("outcome"))}
	var err error
	if s := v.Get("from"); s != "" {
		if f.from, err = models.ParseDay(s); err != nil {
			return f, fmt.Errorf("from: %w", err)
		}
	}
	if s := v.Get("to"); s != "" {
		if f.to, err = models.ParseDay(s); err != nil {
			return f, fmt.Errorf("to: %w", err)
		}
	}
	for o := range f.outcomes {
		if _, err := models.ParseOutcome(o); err != nil {
			return f, err
		}
	}
	return f, nil
}

func (f filter) match(date time.Time, platform string, outcome models.JoinOutcome) bool {
	if !f.from.IsZero() && date.Before(f.from) {
		return false
	}
	if !f.to.IsZero() && date.After(f.to) {
		return false
	}
	if len(f.platforms) > 0 {
		if _, ok := f.platforms[norm(platform)]; !ok {
			return false
		}
	}
	if len(f.outcomes) > 0 {
		if _, ok := f.outcomes[string(outcome)]; !ok {
			return false
		}
	}
	return true
}

// QuerySummary supports from, to, platform, outcome, limit and offset.
func (s *Service) QuerySummary(campaign string, v url.Values) ([]SummaryRow, error) {
	snap, err := s.get(campaign)
	if err != nil {
		return nil, err
	}
	f, err := parseFilter(v)
	if err != nil {
		return nil, err
	}
	limit := atoiDef(v.Get("limit"), 100)
	offset := atoiDef(v.Get("offset"), 0)

	type key struct {
		date     time.Time
		platform string
		outcome  models.JoinOutcome
	}
	aggs := map[key]*SummaryRow{}
	for _, r := range snap.overview {
		if !f.match(r.Date, r.Platform, r.Outcome) {
			continue
		}
		k := key{r.Date, r.Platform, r.Outcome}
		a, ok := aggs[k]
		if !ok {
			a = &SummaryRow{Date: models.FormatDay(r.Date), Platform: r.Platform, Outcome: r.Outcome}
			aggs[k] = a
		}
		a.Rows++
		a.Impressions += r.BM.Impressions
		a.Clicks += r.BM.Clicks
		a.Cost += r.BM.Cost
		if r.GA != nil {
			a.Sessions += r.GA.Sessions
			a.Users += r.GA.Users
			a.Pageviews += r.GA.Pageviews
		}
	}

	rows := make([]SummaryRow, 0, len(aggs))
	for _, a := range aggs {
		rows = append(rows, derive(*a))
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Date != rows[j].Date {
			return rows[i].Date < rows[j].Date
		}
		if rows[i].Platform != rows[j].Platform {
			return rows[i].Platform < rows[j].Platform
		}
		return rows[i].Outcome < rows[j].Outcome
	})

	limit, offset = clampLimitOffset(limit, offset, len(rows))
	return paginate(rows, limit, offset), nil
}

func derive(a SummaryRow) SummaryRow {
	a.Cost = round2(a.Cost)
	if a.Clicks > 0 {
		a.CPC = round3(a.Cost / float64(a.Clicks))
	}
	if a.Impressions > 0 {
		a.CTR = round3(float64(a.Clicks) / float64(a.Impressions))
	}
	if a.Sessions > 0 {
		a.CostPerSession = round3(a.Cost / float64(a.Sessions))
	}
	return a
}

// QueryEvents supports the same parameters as QuerySummary plus category.
func (s *Service) QueryEvents(campaign string, v url.Values) ([]EventRow, error) {
	snap, err := s.get(campaign)
	if err != nil {
		return nil, err
	}
	f, err := parseFilter(v)
	if err != nil {
		return nil, err
	}
	cats := csvSet(v.Get("category"))
	limit := atoiDef(v.Get("limit"), 100)
	offset := atoiDef(v.Get("offset"), 0)

	type key struct {
		date     time.Time
		platform string
		outcome  models.JoinOutcome
		category string
		action   string
		label    string
	}
	aggs := map[key]*EventRow{}
	for _, e := range snap.events {
		if !f.match(e.Date, e.Platform, e.Outcome) {
			continue
		}
		if len(cats) > 0 {
			if _, ok := cats[norm(e.Category)]; !ok {
				continue
			}
		}
		k := key{e.Date, e.Platform, e.Outcome, e.Category, e.Action, e.Label}
		a, ok := aggs[k]
		if !ok {
			a = &EventRow{
				Date:     models.FormatDay(e.Date),
				Platform: e.Platform,
				Outcome:  e.Outcome,
				Category: e.Category,
				Action:   e.Action,
				Label:    e.Label,
			}
			aggs[k] = a
		}
		a.EventCounts = a.EventCounts.Add(e.EventCounts)
	}

	rows := make([]EventRow, 0, len(aggs))
	for _, a := range aggs {
		rows = append(rows, *a)
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.Platform != b.Platform {
			return a.Platform < b.Platform
		}
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		if a.Action != b.Action {
			return a.Action < b.Action
		}
		if a.Label != b.Label {
			return a.Label < b.Label
		}
		return a.Outcome < b.Outcome
	})

	limit, offset = clampLimitOffset(limit, offset, len(rows))
	return paginate(rows, limit, offset), nil
}

func paginate[T any](rows []T, limit, offset int) []T {
	if offset >= len(rows) {
		return []T{}
	}
	end := offset + limit
	if end > len(rows) {
		end = len(rows)
	}
	return rows[offset:end]
}

func atoiDef(s string, d int) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return d
	}
	return v
}

func clampLimitOffset(limit, offset, n int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = n
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset > n {
		offset = n
	}
	return limit, offset
}

func round2(f float64) float64 { return float64(int64(f*100+0.5)) / 100 }
func round3(f float64) float64 { return float64(int64(f*1000+0.5)) / 1000 }
