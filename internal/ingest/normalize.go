package ingest

import (
	"strings"
	"time"

	"github.com/AngelCh415/campaign-etl/internal/models"
	"github.com/AngelCh415/campaign-etl/internal/platform"
)

// normalizePerformance trims dimensions, clamps negative metrics and fills
// the analytics source when the platform left it blank.
func normalizePerformance(kind platform.Kind, date time.Time, r performanceRow) models.PerformanceRecord {
	source := lower(r.Source)
	if source == "" {
		if s := kind.AnalyticsSources(); len(s) > 0 {
			source = s[0]
		}
	}
	return models.PerformanceRecord{
		Date:       date,
		Platform:   kind.String(),
		Source:     source,
		Campaign:   strings.TrimSpace(r.Campaign),
		CampaignID: strings.TrimSpace(r.CampaignID),
		Adset:      strings.TrimSpace(r.Adset),
		AdsetID:    strings.TrimSpace(r.AdsetID),
		AdName:     strings.TrimSpace(r.AdName),
		AdID:       strings.TrimSpace(r.AdID),
		Content:    strings.TrimSpace(r.Content),
		Creative:   strings.TrimSpace(r.Creative),
		CreativeID: strings.TrimSpace(r.CreativeID),
		Metrics: models.Metrics{
			Impressions: max0(r.Impressions),
			Clicks:      max0(r.Clicks),
			Cost:        maxf(r.Cost),
			VideoViews:  max0(r.VideoViews),
			Engagements: max0(r.Engagements),
			Completions: max0(r.Completions),
		},
	}
}

// CollapseSpaces folds runs of blanks into one space. Campaign names typed in
// ad platforms often carry doubled spaces the analytics side does not.
func CollapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func lower(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func max0(i int64) int64 {
	if i < 0 {
		return 0
	}
	return i
}

func maxf(f float64) float64 {
	if f < 0 {
		return 0
	}
	return f
}
