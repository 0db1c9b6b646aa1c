// Package params enriches performance rows with creative metadata from the
// parametrization table.
package params

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/AngelCh415/campaign-etl/internal/artifact"
	"github.com/AngelCh415/campaign-etl/internal/metrics"
	"github.com/AngelCh415/campaign-etl/internal/models"
	"github.com/AngelCh415/campaign-etl/internal/platform"
)

// Partition splits records into rows with a content tag and rows without.
// Order is kept within each side.
func Partition(records []models.PerformanceRecord) (tagged, untagged []models.PerformanceRecord) {
	for _, r := range records {
		if strings.TrimSpace(r.Content) != "" {
			tagged = append(tagged, r)
		} else {
			untagged = append(untagged, r)
		}
	}
	return tagged, untagged
}

type JoinInput struct {
	Campaign string
	Platform platform.Kind
	Tagged   []models.PerformanceRecord
	Untagged []models.PerformanceRecord
	Table    []models.ParametrizationEntry
}

type JoinResult struct {
	Tagged   []models.EnrichedRecord
	Untagged []models.EnrichedRecord
	// Unmatched lists, per join key, the sorted distinct values missing from
	// the table.
	Unmatched map[platform.KeyField][]string
}

// Records recombines both subsets, tagged rows first.
func (r *JoinResult) Records() []models.EnrichedRecord {
	out := make([]models.EnrichedRecord, 0, len(r.Tagged)+len(r.Untagged))
	out = append(out, r.Tagged...)
	return append(out, r.Untagged...)
}

// UnmatchedParametrizationError reports performance key values that have no
// parametrization entry. The affected rows are kept with empty metadata.
type UnmatchedParametrizationError struct {
	Campaign string
	Platform platform.Kind
	Key      platform.KeyField
	Values   []string
	Artifact string
}

func (e *UnmatchedParametrizationError) Error() string {
	return fmt.Sprintf("%s/%s: %d %s value(s) missing from parametrization, see %s",
		e.Campaign, e.Platform, len(e.Values), e.Key, e.Artifact)
}

type Joiner struct {
	artifacts artifact.Writer
	log       *slog.Logger
}

func NewJoiner(w artifact.Writer, log *slog.Logger) *Joiner {
	return &Joiner{artifacts: w, log: log}
}

// Join left-joins tagged rows on content and untagged rows on the platform's
// fallback key. The returned error, when not nil, only ever wraps
// *UnmatchedParametrizationError values; the result is complete either way.
func (j *Joiner) Join(ctx context.Context, in JoinInput) (*JoinResult, error) {
	res := &JoinResult{Unmatched: map[platform.KeyField][]string{}}
	var errs []error

	fallback := in.Platform.FallbackKey()
	passes := []struct {
		field platform.KeyField
		rows  []models.PerformanceRecord
		out   *[]models.EnrichedRecord
	}{
		{platform.KeyContent, in.Tagged, &res.Tagged},
		{fallback, in.Untagged, &res.Untagged},
	}
	for _, p := range passes {
		enriched, missing := leftJoin(p.rows, in.Table, p.field)
		*p.out = enriched
		if len(missing) == 0 {
			continue
		}
		res.Unmatched[p.field] = missing
		if err := j.report(ctx, in, p.field, missing); err != nil {
			errs = append(errs, err)
		}
	}
	return res, errors.Join(errs...)
}

func (j *Joiner) report(ctx context.Context, in JoinInput, field platform.KeyField, missing []string) error {
	name := artifact.Name(in.Campaign, fmt.Sprintf("%s_unmatched_%s", in.Platform, field))
	metrics.UnmatchedParametrization.WithLabelValues(in.Platform.String(), string(field)).Add(float64(len(missing)))

	rows := make([][]string, len(missing))
	for i, v := range missing {
		rows[i] = []string{v}
	}
	if err := j.artifacts.Write(ctx, name, []string{string(field)}, rows); err != nil {
		j.log.Error("write unmatched artifact", slog.String("artifact", name), slog.Any("err", err))
	}
	j.log.Warn("parametrization incomplete",
		slog.String("campaign", in.Campaign),
		slog.String("platform", in.Platform.String()),
		slog.String("key", string(field)),
		slog.Int("missing", len(missing)))

	return &UnmatchedParametrizationError{
		Campaign: in.Campaign,
		Platform: in.Platform,
		Key:      field,
		Values:   missing,
		Artifact: name,
	}
}

func leftJoin(rows []models.PerformanceRecord, table []models.ParametrizationEntry, field platform.KeyField) ([]models.EnrichedRecord, []string) {
	index := make(map[string]map[string]string, len(table))
	for _, e := range table {
		k := platform.EntryValue(e, field)
		if k == "" {
			continue
		}
		if _, dup := index[k]; dup {
			continue // first entry wins
		}
		index[k] = metadata(e)
	}

	out := make([]models.EnrichedRecord, 0, len(rows))
	seen := map[string]struct{}{}
	var missing []string
	for _, r := range rows {
		k := platform.PerformanceValue(r, field)
		md, ok := index[k]
		if !ok {
			if _, dup := seen[k]; !dup {
				seen[k] = struct{}{}
				missing = append(missing, k)
			}
		}
		out = append(out, models.EnrichedRecord{PerformanceRecord: r, Metadata: copyMap(md), Matched: ok})
	}
	sort.Strings(missing)
	return out, missing
}

// metadata drops attributes whose names collide with performance columns.
func metadata(e models.ParametrizationEntry) map[string]string {
	md := make(map[string]string, len(e.Attributes))
	for k, v := range e.Attributes {
		if _, taken := models.PerformanceColumns[strings.ToLower(k)]; taken {
			continue
		}
		md[k] = v
	}
	return md
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
