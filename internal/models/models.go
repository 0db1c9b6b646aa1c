package models

import (
	"sort"
	"time"
)

const DateLayout = "2006-01-02"

// Dated is implemented by every row kept in a watermark store.
type Dated interface {
	RecordDate() time.Time
}

type Metrics struct {
	Impressions int64   `json:"impressions"`
	Clicks      int64   `json:"clicks"`
	Cost        float64 `json:"cost"`
	VideoViews  int64   `json:"video_views"`
	Engagements int64   `json:"engagements"`
	Completions int64   `json:"completions"`
}

func (m Metrics) IsZero() bool { return m == Metrics{} }

func (m Metrics) Add(o Metrics) Metrics {
	return Metrics{
		Impressions: m.Impressions + o.Impressions,
		Clicks:      m.Clicks + o.Clicks,
		Cost:        m.Cost + o.Cost,
		VideoViews:  m.VideoViews + o.VideoViews,
		Engagements: m.Engagements + o.Engagements,
		Completions: m.Completions + o.Completions,
	}
}

// PerformanceRecord is one normalized row from an ad platform ("BM" side).
type PerformanceRecord struct {
	Date       time.Time `json:"date"`
	Platform   string    `json:"platform"`
	Source     string    `json:"source"`
	Campaign   string    `json:"campaign"`
	CampaignID string    `json:"campaign_id"`
	Adset      string    `json:"adset_name"`
	AdsetID    string    `json:"adset_id"`
	AdName     string    `json:"ad_name"`
	AdID       string    `json:"ad_id"`
	Content    string    `json:"content"`
	Creative   string    `json:"cm_creative"`
	CreativeID string    `json:"cm_creative_id"`
	Metrics
}

func (r PerformanceRecord) RecordDate() time.Time { return r.Date }

// PerformanceColumns lists the column names a PerformanceRecord occupies in a
// flattened table. Parametrization attributes with these names collide.
var PerformanceColumns = map[string]struct{}{
	"date": {}, "platform": {}, "source": {}, "campaign": {}, "campaign_id": {},
	"adset_name": {}, "adset_id": {}, "ad_name": {}, "ad_id": {}, "content": {},
	"cm_creative": {}, "cm_creative_id": {}, "impressions": {}, "clicks": {},
	"cost": {}, "video_views": {}, "engagements": {}, "completions": {},
}

// ParametrizationEntry is externally maintained creative metadata.
type ParametrizationEntry struct {
	Content    string            `json:"content"`
	AdName     string            `json:"ad_name"`
	Creative   string            `json:"cm_creative"`
	Attributes map[string]string `json:"attributes"`
}

// EnrichedRecord is a performance row after the parametrization join.
type EnrichedRecord struct {
	PerformanceRecord
	Metadata map[string]string `json:"metadata,omitempty"`
	Matched  bool              `json:"matched"`
}

type AnalyticsOverviewRecord struct {
	Date            time.Time `json:"date"`
	Source          string    `json:"source"`
	Medium          string    `json:"medium"`
	Campaign        string    `json:"campaign"`
	Content         string    `json:"content"`
	AdID            string    `json:"ad_id"`
	CreativeID      string    `json:"cm_creative_id"`
	Sessions        int64     `json:"sessions"`
	Users           int64     `json:"users"`
	NewUsers        int64     `json:"new_users"`
	Bounces         int64     `json:"bounces"`
	Pageviews       int64     `json:"pageviews"`
	SessionDuration float64   `json:"session_duration"`
}

func (r AnalyticsOverviewRecord) RecordDate() time.Time { return r.Date }

type EventCounts struct {
	TotalEvents       int64 `json:"total_events"`
	UniqueEvents      int64 `json:"unique_events"`
	SessionsWithEvent int64 `json:"sessions_with_event"`
}

func (c EventCounts) Add(o EventCounts) EventCounts {
	return EventCounts{
		TotalEvents:       c.TotalEvents + o.TotalEvents,
		UniqueEvents:      c.UniqueEvents + o.UniqueEvents,
		SessionsWithEvent: c.SessionsWithEvent + o.SessionsWithEvent,
	}
}

type AnalyticsEventRecord struct {
	Date       time.Time `json:"date"`
	Source     string    `json:"source"`
	Medium     string    `json:"medium"`
	Campaign   string    `json:"campaign"`
	Content    string    `json:"content"`
	AdID       string    `json:"ad_id"`
	CreativeID string    `json:"cm_creative_id"`
	Category   string    `json:"event_category"`
	Action     string    `json:"event_action"`
	Label      string    `json:"event_label"`
	EventCounts
}

func (r AnalyticsEventRecord) RecordDate() time.Time { return r.Date }

// AnalyticsRow stores overview and event rows in one table so both share a
// single watermark. Exactly one of Overview and Event is set.
type AnalyticsRow struct {
	Date     time.Time                `json:"date"`
	Overview *AnalyticsOverviewRecord `json:"overview,omitempty"`
	Event    *AnalyticsEventRecord    `json:"event,omitempty"`
}

func (r AnalyticsRow) RecordDate() time.Time { return r.Date }

func OverviewRow(o AnalyticsOverviewRecord) AnalyticsRow {
	return AnalyticsRow{Date: o.Date, Overview: &o}
}

func EventRow(e AnalyticsEventRecord) AnalyticsRow {
	return AnalyticsRow{Date: e.Date, Event: &e}
}

func CombineAnalytics(ov []AnalyticsOverviewRecord, ev []AnalyticsEventRecord) []AnalyticsRow {
	out := make([]AnalyticsRow, 0, len(ov)+len(ev))
	for _, o := range ov {
		out = append(out, OverviewRow(o))
	}
	for _, e := range ev {
		out = append(out, EventRow(e))
	}
	return out
}

func SplitAnalytics(rows []AnalyticsRow) ([]AnalyticsOverviewRecord, []AnalyticsEventRecord) {
	var ov []AnalyticsOverviewRecord
	var ev []AnalyticsEventRecord
	for _, r := range rows {
		switch {
		case r.Overview != nil:
			ov = append(ov, *r.Overview)
		case r.Event != nil:
			ev = append(ev, *r.Event)
		}
	}
	return ov, ev
}

// Day truncates t to its calendar date at midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ParseDay(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}

func FormatDay(t time.Time) string { return t.Format(DateLayout) }

// SortByDate orders rows by date, keeping the relative order of rows that share a date.
func SortByDate[T Dated](rows []T) {
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].RecordDate().Before(rows[j].RecordDate())
	})
}

// MaxDate returns the latest date in rows and false when rows is empty.
func MaxDate[T Dated](rows []T) (time.Time, bool) {
	var maxD time.Time
	for i, r := range rows {
		d := Day(r.RecordDate())
		if i == 0 || d.After(maxD) {
			maxD = d
		}
	}
	return maxD, len(rows) > 0
}
