package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/AngelCh415/campaign-etl/internal/jobpoll"
	"github.com/AngelCh415/campaign-etl/internal/models"
	"github.com/AngelCh415/campaign-etl/internal/platform"
)

// ReportRunner submits a report job and streams the finished file.
// *jobpoll.Poller implements it.
type ReportRunner interface {
	Run(ctx context.Context, spec jobpoll.JobSpec, w io.Writer) (int64, error)
}

// ReportFetcher serves job-based platforms: it asks the platform for a CSV
// report covering the range and parses it into performance rows.
type ReportFetcher struct {
	runner ReportRunner
	log    *slog.Logger
}

func NewReportFetcher(r ReportRunner, log *slog.Logger) *ReportFetcher {
	return &ReportFetcher{runner: r, log: log}
}

func (f *ReportFetcher) FetchPerformance(ctx context.Context, src platform.Source, start, end time.Time) ([]models.PerformanceRecord, error) {
	q, err := selectorQuery(src.Selector)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", src.Kind, err)
	}
	spec := jobpoll.JobSpec{
		Kind:   "standard",
		Start:  models.FormatDay(start),
		End:    models.FormatDay(end),
		Params: q,
	}
	var buf bytes.Buffer
	if _, err := f.runner.Run(ctx, spec, &buf); err != nil {
		return nil, err
	}
	return ParseReport(src.Kind, &buf, f.log)
}

var errNoDateColumn = errors.New("report has no date column")

// ParseReport reads a CSV report whose header uses the performance column
// names. Rows whose date does not parse (totals, footers) are skipped.
func ParseReport(kind platform.Kind, r io.Reader, log *slog.Logger) ([]models.PerformanceRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read report header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := idx["date"]; !ok {
		return nil, errNoDateColumn
	}

	var out []models.PerformanceRecord
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("read report line %d: %w", line, err)
		}
		col := func(name string) string {
			if i, ok := idx[name]; ok && i < len(rec) {
				return strings.TrimSpace(rec[i])
			}
			return ""
		}
		d, err := models.ParseDay(col("date"))
		if err != nil {
			continue
		}
		row := performanceRow{
			Source:     col("source"),
			Campaign:   col("campaign"),
			CampaignID: col("campaign_id"),
			Adset:      col("adset_name"),
			AdsetID:    col("adset_id"),
			AdName:     col("ad_name"),
			AdID:       col("ad_id"),
			Content:    col("content"),
			Creative:   col("cm_creative"),
			CreativeID: col("cm_creative_id"),
		}
		var perr error
		row.Impressions, perr = parseInt(col("impressions"), perr)
		row.Clicks, perr = parseInt(col("clicks"), perr)
		row.VideoViews, perr = parseInt(col("video_views"), perr)
		row.Engagements, perr = parseInt(col("engagements"), perr)
		row.Completions, perr = parseInt(col("completions"), perr)
		row.Cost, perr = parseFloat(col("cost"), perr)
		if perr != nil {
			log.Warn("skipping report row", slog.Int("line", line), slog.Any("err", perr))
			continue
		}
		out = append(out, normalizePerformance(kind, d, row))
	}
	return out, nil
}

func parseInt(s string, prev error) (int64, error) {
	if prev != nil || s == "" {
		return 0, prev
	}
	v, err := strconv.ParseInt(strings.ReplaceAll(s, ",", ""), 10, 64)
	return v, err
}

func parseFloat(s string, prev error) (float64, error) {
	if prev != nil || s == "" {
		return 0, prev
	}
	return strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
}
