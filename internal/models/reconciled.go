package models

import (
	"fmt"
	"time"
)

// JoinOutcome classifies how a reconciled row matched across BM and GA.
type JoinOutcome string

const (
	OutcomeOK                  JoinOutcome = "ok"
	OutcomePerformanceOnly     JoinOutcome = "performance_only"
	OutcomeAnalyticsOnlyValid  JoinOutcome = "analytics_only_valid"
	OutcomeAnalyticsOnlyOrphan JoinOutcome = "analytics_only_orphan"
)

var Outcomes = []JoinOutcome{
	OutcomeOK,
	OutcomePerformanceOnly,
	OutcomeAnalyticsOnlyValid,
	OutcomeAnalyticsOnlyOrphan,
}

func ParseOutcome(s string) (JoinOutcome, error) {
	for _, o := range Outcomes {
		if string(o) == s {
			return o, nil
		}
	}
	return "", fmt.Errorf("unknown join outcome %q", s)
}

// AnalyticsOnly reports whether the row has no real BM observation.
func (o JoinOutcome) AnalyticsOnly() bool {
	return o == OutcomeAnalyticsOnlyValid || o == OutcomeAnalyticsOnlyOrphan
}

// ReconciledRecord is one row of the classified overview table.
type ReconciledRecord struct {
	Key          string                   `json:"key"`
	AnalyticsKey string                   `json:"ga_key,omitempty"`
	Outcome      JoinOutcome              `json:"join_outcome"`
	Platform     string                   `json:"platform"`
	Date         time.Time                `json:"date"`
	Source       string                   `json:"source"`
	Dimension    string                   `json:"dimension"`
	BM           EnrichedRecord           `json:"bm"`
	GA           *AnalyticsOverviewRecord `json:"ga,omitempty"`
}

// ReconciledEvent is one row of the classified event table. It carries no BM
// or GA session metrics so event rows can be summed on their own.
type ReconciledEvent struct {
	Key       string            `json:"key"`
	Outcome   JoinOutcome       `json:"join_outcome,omitempty"`
	Platform  string            `json:"platform"`
	Date      time.Time         `json:"date"`
	Source    string            `json:"source"`
	Dimension string            `json:"dimension"`
	Campaign  string            `json:"campaign"`
	Adset     string            `json:"adset_name"`
	AdName    string            `json:"ad_name"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Category  string            `json:"event_category"`
	Action    string            `json:"event_action"`
	Label     string            `json:"event_label"`
	EventCounts
}

// CampaignOutput is the final state of one campaign after a run: every
// enriched performance row plus the reconciled overview and event tables.
type CampaignOutput struct {
	Campaign    string             `json:"campaign"`
	Updated     time.Time          `json:"updated"`
	Performance []EnrichedRecord   `json:"performance"`
	Overview    []ReconciledRecord `json:"overview"`
	Events      []ReconciledEvent  `json:"events"`
}
