// Package platform enumerates the ad platforms a campaign can pull from and the
// per-platform rules used by the parametrization join and reconciliation.
package platform

import (
	"fmt"
	"strings"

	"github.com/AngelCh415/campaign-etl/internal/models"
)

type Kind int

const (
	Facebook Kind = iota + 1
	SearchAds
	TikTok
	LinkedIn
	Twitter
	CampaignManager
)

var kinds = []Kind{Facebook, SearchAds, TikTok, LinkedIn, Twitter, CampaignManager}

func Kinds() []Kind { return append([]Kind(nil), kinds...) }

func (k Kind) String() string {
	switch k {
	case Facebook:
		return "facebook"
	case SearchAds:
		return "google_ads"
	case TikTok:
		return "tiktok"
	case LinkedIn:
		return "linkedin"
	case Twitter:
		return "twitter"
	case CampaignManager:
		return "campaign_manager"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, k := range kinds {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown platform %q", s)
}

// AnalyticsSources lists the analytics "source" values that belong to the
// platform. A nil result means every source is accepted.
func (k Kind) AnalyticsSources() []string {
	switch k {
	case Facebook:
		return []string{"fb", "ig"}
	case SearchAds:
		return []string{"google"}
	case TikTok:
		return []string{"tiktok"}
	case LinkedIn:
		return []string{"linkedin"}
	case Twitter:
		return []string{"twitter"}
	case CampaignManager:
		return nil
	}
	return nil
}

// AnalyticsGroup names the analytics table the platform reconciles against.
// The creative-management platform has its own analytics extraction.
func (k Kind) AnalyticsGroup() string {
	if k == CampaignManager {
		return "analytics_cm"
	}
	return "analytics_bm"
}

// KeyField names a join column shared by performance rows and the
// parametrization table.
type KeyField string

const (
	KeyContent  KeyField = "content"
	KeyAdName   KeyField = "ad_name"
	KeyAdset    KeyField = "adset_name"
	KeyCreative KeyField = "cm_creative"
)

// FallbackKey is the parametrization join key for rows without a content tag.
func (k Kind) FallbackKey() KeyField {
	switch k {
	case SearchAds:
		return KeyAdset
	case CampaignManager:
		return KeyCreative
	}
	return KeyAdName
}

// PerformanceValue extracts the value of field from a performance row.
func PerformanceValue(r models.PerformanceRecord, field KeyField) string {
	switch field {
	case KeyContent:
		return r.Content
	case KeyAdset:
		return r.Adset
	case KeyCreative:
		return r.Creative
	}
	return r.AdName
}

// EntryValue extracts the value of field from a parametrization entry. The
// table has a single creative-name column that matches ad names on most
// platforms and adset names on the search-ads platform.
func EntryValue(e models.ParametrizationEntry, field KeyField) string {
	switch field {
	case KeyContent:
		return e.Content
	case KeyCreative:
		return e.Creative
	}
	return e.AdName
}

// KeyByAdID reports whether reconciliation keys are (date, ad id) instead of
// (date, source, dimension).
func (k Kind) KeyByAdID() bool { return k == SearchAds }

// PerformanceDimension is the BM-side dimension value used in reconciliation keys.
func (k Kind) PerformanceDimension(r models.PerformanceRecord) string {
	switch k {
	case SearchAds:
		return r.AdID
	case CampaignManager:
		return r.CreativeID
	}
	return r.Content
}

// OverviewDimension is the GA-side dimension value used in reconciliation keys.
func (k Kind) OverviewDimension(r models.AnalyticsOverviewRecord) string {
	switch k {
	case SearchAds:
		return r.AdID
	case CampaignManager:
		return r.CreativeID
	}
	return r.Content
}

func (k Kind) EventDimension(r models.AnalyticsEventRecord) string {
	switch k {
	case SearchAds:
		return r.AdID
	case CampaignManager:
		return r.CreativeID
	}
	return r.Content
}

// JobBased reports whether the platform computes reports out of band.
func (k Kind) JobBased() bool { return k == CampaignManager }
