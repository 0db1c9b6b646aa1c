package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/AngelCh415/campaign-etl/internal/models"
	"github.com/AngelCh415/campaign-etl/internal/platform"
)

// PerformanceFetcher pulls daily performance rows for one source.
type PerformanceFetcher interface {
	FetchPerformance(ctx context.Context, src platform.Source, start, end time.Time) ([]models.PerformanceRecord, error)
}

// AnalyticsQuery narrows an analytics extraction.
type AnalyticsQuery struct {
	ViewID    string
	Sources   []string
	Campaigns []string
}

// AnalyticsFetcher pulls overview and event rows from the analytics service.
type AnalyticsFetcher interface {
	FetchOverview(ctx context.Context, q AnalyticsQuery, start, end time.Time) ([]models.AnalyticsOverviewRecord, error)
	FetchEvents(ctx context.Context, q AnalyticsQuery, start, end time.Time) ([]models.AnalyticsEventRecord, error)
}

// AnalyticsFetch adapts f to the updater: overview and events share one
// record set and one watermark.
func AnalyticsFetch(f AnalyticsFetcher, q AnalyticsQuery) FetchFunc[models.AnalyticsRow] {
	return func(ctx context.Context, start, end time.Time) ([]models.AnalyticsRow, error) {
		ov, err := f.FetchOverview(ctx, q, start, end)
		if err != nil {
			return nil, fmt.Errorf("overview: %w", err)
		}
		ev, err := f.FetchEvents(ctx, q, start, end)
		if err != nil {
			return nil, fmt.Errorf("events: %w", err)
		}
		return models.CombineAnalytics(ov, ev), nil
	}
}

// PerformanceFetch adapts f to the updater for one source.
func PerformanceFetch(f PerformanceFetcher, src platform.Source) FetchFunc[models.PerformanceRecord] {
	return func(ctx context.Context, start, end time.Time) ([]models.PerformanceRecord, error) {
		return f.FetchPerformance(ctx, src, start, end)
	}
}

// Router sends job-based sources to Jobs and everything else to Direct.
type Router struct {
	Direct PerformanceFetcher
	Jobs   PerformanceFetcher
}

func (r Router) FetchPerformance(ctx context.Context, src platform.Source, start, end time.Time) ([]models.PerformanceRecord, error) {
	f := r.Direct
	if src.Kind.JobBased() && r.Jobs != nil {
		f = r.Jobs
	}
	if f == nil {
		return nil, fmt.Errorf("%s: no fetcher configured", src.Kind)
	}
	return f.FetchPerformance(ctx, src, start, end)
}

type performanceRow struct {
	Date        string  `json:"date"`
	Source      string  `json:"source"`
	Campaign    string  `json:"campaign"`
	CampaignID  string  `json:"campaign_id"`
	Adset       string  `json:"adset_name"`
	AdsetID     string  `json:"adset_id"`
	AdName      string  `json:"ad_name"`
	AdID        string  `json:"ad_id"`
	Content     string  `json:"content"`
	Creative    string  `json:"cm_creative"`
	CreativeID  string  `json:"cm_creative_id"`
	Impressions int64   `json:"impressions"`
	Clicks      int64   `json:"clicks"`
	Cost        float64 `json:"cost"`
	VideoViews  int64   `json:"video_views"`
	Engagements int64   `json:"engagements"`
	Completions int64   `json:"completions"`
}

// HTTPPerformanceFetcher reads GET {base}/performance/{platform}.
type HTTPPerformanceFetcher struct {
	base string
	c    HTTPClient
	log  *slog.Logger
}

func NewHTTPPerformanceFetcher(baseURL string, c HTTPClient, log *slog.Logger) *HTTPPerformanceFetcher {
	return &HTTPPerformanceFetcher{base: strings.TrimRight(baseURL, "/"), c: c, log: log}
}

func (f *HTTPPerformanceFetcher) FetchPerformance(ctx context.Context, src platform.Source, start, end time.Time) ([]models.PerformanceRecord, error) {
	q, err := selectorQuery(src.Selector)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", src.Kind, err)
	}
	q.Set("start_date", models.FormatDay(start))
	q.Set("end_date", models.FormatDay(end))

	var rows []performanceRow
	if err := GetJSONWithRetry(ctx, f.c, f.base+"/performance/"+src.Kind.String()+"?"+q.Encode(), &rows); err != nil {
		return nil, err
	}

	out := make([]models.PerformanceRecord, 0, len(rows))
	for _, r := range rows {
		d, err := models.ParseDay(strings.TrimSpace(r.Date))
		if err != nil {
			f.log.Warn("skipping row with bad date", slog.String("platform", src.Kind.String()), slog.String("date", r.Date))
			continue
		}
		out = append(out, normalizePerformance(src.Kind, d, r))
	}
	return out, nil
}

// selectorQuery turns a selector into query parameters.
func selectorQuery(sel platform.Selector) (url.Values, error) {
	q := url.Values{}
	switch s := sel.(type) {
	case platform.Accounts:
		for _, id := range s.IDs {
			q.Add("account_id", id)
		}
	case platform.Campaigns:
		for _, n := range s.Names {
			q.Add("campaign", n)
		}
	default:
		return nil, fmt.Errorf("unsupported selector %T", sel)
	}
	return q, nil
}

type overviewRow struct {
	Date            string  `json:"date"`
	Source          string  `json:"source"`
	Medium          string  `json:"medium"`
	Campaign        string  `json:"campaign"`
	Content         string  `json:"content"`
	AdID            string  `json:"ad_id"`
	CreativeID      string  `json:"cm_creative_id"`
	Sessions        int64   `json:"sessions"`
	Users           int64   `json:"users"`
	NewUsers        int64   `json:"new_users"`
	Bounces         int64   `json:"bounces"`
	Pageviews       int64   `json:"pageviews"`
	SessionDuration float64 `json:"session_duration"`
}

type eventRow struct {
	Date              string `json:"date"`
	Source            string `json:"source"`
	Medium            string `json:"medium"`
	Campaign          string `json:"campaign"`
	Content           string `json:"content"`
	AdID              string `json:"ad_id"`
	CreativeID        string `json:"cm_creative_id"`
	Category          string `json:"event_category"`
	Action            string `json:"event_action"`
	Label             string `json:"event_label"`
	TotalEvents       int64  `json:"total_events"`
	UniqueEvents      int64  `json:"unique_events"`
	SessionsWithEvent int64  `json:"sessions_with_event"`
}

// HTTPAnalyticsFetcher reads GET {base}/analytics/overview and
// GET {base}/analytics/events.
type HTTPAnalyticsFetcher struct {
	base string
	c    HTTPClient
	log  *slog.Logger
}

func NewHTTPAnalyticsFetcher(baseURL string, c HTTPClient, log *slog.Logger) *HTTPAnalyticsFetcher {
	return &HTTPAnalyticsFetcher{base: strings.TrimRight(baseURL, "/"), c: c, log: log}
}

func (f *HTTPAnalyticsFetcher) url(kind string, q AnalyticsQuery, start, end time.Time) string {
	v := url.Values{}
	v.Set("view_id", q.ViewID)
	v.Set("start_date", models.FormatDay(start))
	v.Set("end_date", models.FormatDay(end))
	for _, s := range q.Sources {
		v.Add("source", s)
	}
	for _, c := range q.Campaigns {
		v.Add("campaign", c)
	}
	return f.base + "/analytics/" + kind + "?" + v.Encode()
}

func (f *HTTPAnalyticsFetcher) FetchOverview(ctx context.Context, q AnalyticsQuery, start, end time.Time) ([]models.AnalyticsOverviewRecord, error) {
	var rows []overviewRow
	if err := GetJSONWithRetry(ctx, f.c, f.url("overview", q, start, end), &rows); err != nil {
		return nil, err
	}
	out := make([]models.AnalyticsOverviewRecord, 0, len(rows))
	for _, r := range rows {
		d, err := models.ParseDay(strings.TrimSpace(r.Date))
		if err != nil {
			f.log.Warn("skipping overview row with bad date", slog.String("date", r.Date))
			continue
		}
		out = append(out, models.AnalyticsOverviewRecord{
			Date:            d,
			Source:          lower(r.Source),
			Medium:          lower(r.Medium),
			Campaign:        strings.TrimSpace(r.Campaign),
			Content:         strings.TrimSpace(r.Content),
			AdID:            strings.TrimSpace(r.AdID),
			CreativeID:      strings.TrimSpace(r.CreativeID),
			Sessions:        max0(r.Sessions),
			Users:           max0(r.Users),
			NewUsers:        max0(r.NewUsers),
			Bounces:         max0(r.Bounces),
			Pageviews:       max0(r.Pageviews),
			SessionDuration: maxf(r.SessionDuration),
		})
	}
	return out, nil
}

func (f *HTTPAnalyticsFetcher) FetchEvents(ctx context.Context, q AnalyticsQuery, start, end time.Time) ([]models.AnalyticsEventRecord, error) {
	var rows []eventRow
	if err := GetJSONWithRetry(ctx, f.c, f.url("events", q, start, end), &rows); err != nil {
		return nil, err
	}
	out := make([]models.AnalyticsEventRecord, 0, len(rows))
	for _, r := range rows {
		d, err := models.ParseDay(strings.TrimSpace(r.Date))
		if err != nil {
			f.log.Warn("skipping event row with bad date", slog.String("date", r.Date))
			continue
		}
		out = append(out, models.AnalyticsEventRecord{
			Date:       d,
			Source:     lower(r.Source),
			Medium:     lower(r.Medium),
			Campaign:   strings.TrimSpace(r.Campaign),
			Content:    strings.TrimSpace(r.Content),
			AdID:       strings.TrimSpace(r.AdID),
			CreativeID: strings.TrimSpace(r.CreativeID),
			Category:   strings.TrimSpace(r.Category),
			Action:     strings.TrimSpace(r.Action),
			Label:      strings.TrimSpace(r.Label),
			EventCounts: models.EventCounts{
				TotalEvents:       max0(r.TotalEvents),
				UniqueEvents:      max0(r.UniqueEvents),
				SessionsWithEvent: max0(r.SessionsWithEvent),
			},
		})
	}
	return out, nil
}
