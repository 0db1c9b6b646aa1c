package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"github.com/AngelCh415/campaign-etl/internal/config"
	"github.com/AngelCh415/campaign-etl/internal/models"
	"github.com/AngelCh415/campaign-etl/internal/platform"
)

// Campaign is one advertising campaign with its data sources.
type Campaign struct {
	Name            string
	Start           time.Time
	End             time.Time
	ViewID          string
	Sources         []platform.Source
	Parametrization []models.ParametrizationEntry
}

// Active reports whether the campaign should be refreshed on today: the day
// after it starts through the day after it ends.
func (c Campaign) Active(today time.Time) bool {
	t := models.Day(today)
	return c.Start.Before(t) && !t.After(c.End.AddDate(0, 0, 1))
}

func (c Campaign) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("campaign name is required"))
	}
	if c.End.Before(c.Start) {
		errs = append(errs, fmt.Errorf("campaign %s ends before it starts", c.Name))
	}
	seen := map[platform.Kind]struct{}{}
	for _, s := range c.Sources {
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
		}
		if _, dup := seen[s.Kind]; dup {
			errs = append(errs, fmt.Errorf("campaign %s: %s listed twice", c.Name, s.Kind))
		}
		seen[s.Kind] = struct{}{}
	}
	return errors.Join(errs...)
}

// FromConfig builds a Campaign from its YAML form. A relative
// parametrization path is resolved against baseDir.
func FromConfig(cc config.Campaign, baseDir string) (Campaign, error) {
	start, err := models.ParseDay(cc.Start)
	if err != nil {
		return Campaign{}, fmt.Errorf("campaign %s start: %w", cc.Name, err)
	}
	end, err := models.ParseDay(cc.End)
	if err != nil {
		return Campaign{}, fmt.Errorf("campaign %s end: %w", cc.Name, err)
	}
	c := Campaign{Name: cc.Name, Start: start, End: end, ViewID: cc.ViewID}

	for _, sc := range cc.Sources {
		kind, err := platform.ParseKind(sc.Platform)
		if err != nil {
			return Campaign{}, fmt.Errorf("campaign %s: %w", cc.Name, err)
		}
		values := sc.Accounts
		if len(sc.Campaigns) > 0 {
			values = sc.Campaigns
		}
		src, err := platform.NewSource(kind, values)
		if err != nil {
			return Campaign{}, fmt.Errorf("campaign %s: %w", cc.Name, err)
		}
		c.Sources = append(c.Sources, src)
	}

	if cc.Parametrization != "" {
		path := cc.Parametrization
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		table, err := LoadParametrization(path)
		if err != nil {
			return Campaign{}, fmt.Errorf("campaign %s: %w", cc.Name, err)
		}
		c.Parametrization = table
	}
	return c, c.Validate()
}

// LoadParametrization reads a JSON array of parametrization entries.
func LoadParametrization(path string) ([]models.ParametrizationEntry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read parametrization: %w", err)
	}
	var table []models.ParametrizationEntry
	if err := json.Unmarshal(b, &table); err != nil {
		return nil, fmt.Errorf("decode parametrization %s: %w", path, err)
	}
	return table, nil
}
