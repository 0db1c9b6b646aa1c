// Package output persists the final tables of each campaign run: the
// enriched performance rows and the reconciled overview and event rows.
package output

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"github.com/AngelCh415/campaign-etl/internal/models"
	"github.com/AngelCh415/campaign-etl/internal/store"
)

const (
	performanceFile = "performance.json"
	overviewFile    = "overview.json"
	eventsFile      = "events.json"
	manifestFile    = "manifest.json"
)

// Manifest describes the tables of the last published run. It is written
// after the tables, so a present manifest means a complete set.
type Manifest struct {
	Campaign        string    `json:"campaign"`
	Updated         time.Time `json:"updated"`
	PerformanceRows int       `json:"performance_rows"`
	OverviewRows    int       `json:"overview_rows"`
	EventRows       int       `json:"event_rows"`
}

// FileSink writes <dir>/<campaign>/{performance,overview,events,manifest}.json.
// Every file is replaced atomically.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) *FileSink { return &FileSink{dir: dir} }

func (s *FileSink) campaignDir(campaign string) (string, error) {
	if err := (store.Key{Campaign: campaign, Source: "output"}).Validate(); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, campaign), nil
}

func (s *FileSink) Publish(_ context.Context, out models.CampaignOutput) error {
	dir, err := s.campaignDir(out.Campaign)
	if err != nil {
		return err
	}
	tables := []struct {
		name string
		v    any
	}{
		{performanceFile, nonNil(out.Performance)},
		{overviewFile, nonNil(out.Overview)},
		{eventsFile, nonNil(out.Events)},
		{manifestFile, Manifest{
			Campaign:        out.Campaign,
			Updated:         out.Updated.UTC(),
			PerformanceRows: len(out.Performance),
			OverviewRows:    len(out.Overview),
			EventRows:       len(out.Events),
		}},
	}
	for _, t := range tables {
		b, err := json.Marshal(t.v)
		if err != nil {
			return fmt.Errorf("encode %s/%s: %w", out.Campaign, t.name, err)
		}
		if err := store.WriteFileAtomic(filepath.Join(dir, t.name), b); err != nil {
			return fmt.Errorf("write %s/%s: %w", out.Campaign, t.name, err)
		}
	}
	return nil
}

// Load returns the last published output of campaign, or nil if none.
func (s *FileSink) Load(campaign string) (*models.CampaignOutput, error) {
	dir, err := s.campaignDir(campaign)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := readJSON(filepath.Join(dir, manifestFile), &m); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := &models.CampaignOutput{Campaign: m.Campaign, Updated: m.Updated}
	if err := readJSON(filepath.Join(dir, performanceFile), &out.Performance); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(dir, overviewFile), &out.Overview); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(dir, eventsFile), &out.Events); err != nil {
		return nil, err
	}
	return out, nil
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func nonNil[T any](rows []T) []T {
	if rows == nil {
		return []T{}
	}
	return rows
}
