package httpx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AngelCh415/campaign-etl/internal/logging"
	"github.com/AngelCh415/campaign-etl/internal/metrics"
	"github.com/AngelCh415/campaign-etl/internal/models"
	"github.com/AngelCh415/campaign-etl/internal/pipeline"
	"github.com/AngelCh415/campaign-etl/internal/platform"
)

type stubRunner struct {
	res *pipeline.Result
	err error
	ran []string
}

func (s *stubRunner) Run(_ context.Context, c pipeline.Campaign) (*pipeline.Result, error) {
	s.ran = append(s.ran, c.Name)
	return s.res, s.err
}

func (s *stubRunner) Start(ctx context.Context, c pipeline.Campaign, done func(*pipeline.Result, error)) error {
	if errors.Is(s.err, pipeline.ErrRunInProgress) {
		return s.err
	}
	res, err := s.Run(ctx, c)
	if done != nil {
		done(res, err)
	}
	return nil
}

func newTestRouter(run Runner) (http.Handler, *metrics.Service) {
	svc := metrics.NewService()
	list := CampaignList{{Name: "Spring"}, {Name: "Autumn"}}
	return NewRouter(logging.Nop(), run, list, svc), svc
}

func do(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, target, nil))
	return rr
}

func TestHealthAndMetrics(t *testing.T) {
	h, _ := newTestRouter(&stubRunner{})
	rr := do(h, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	rr = do(h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}

func TestRunCampaign(t *testing.T) {
	run := &stubRunner{res: &pipeline.Result{
		Campaign: "Spring",
		Sources: []pipeline.SourceResult{{
			Source:   platform.Facebook,
			Enriched: make([]models.EnrichedRecord, 2),
			Overview: []models.ReconciledRecord{{Outcome: models.OutcomeOK}, {Outcome: models.OutcomePerformanceOnly}},
			Warnings: []error{errors.New("1 content value(s) missing")},
		}},
	}}
	h, _ := newTestRouter(run)

	rr := do(h, http.MethodPost, "/campaigns/spring/run")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, []string{"Spring"}, run.ran)

	var rep runReport
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rep))
	require.Len(t, rep.Sources, 1)
	assert.Equal(t, "facebook", rep.Sources[0].Platform)
	assert.Equal(t, 2, rep.Sources[0].Rows)
	assert.Equal(t, 1, rep.Sources[0].Outcomes[models.OutcomeOK])
	assert.Len(t, rep.Sources[0].Warnings, 1)
	assert.Empty(t, rep.Errors)
}

func TestRunCampaignErrors(t *testing.T) {
	h, _ := newTestRouter(&stubRunner{})
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodPost, "/campaigns/winter/run").Code)

	h, _ = newTestRouter(&stubRunner{err: pipeline.ErrRunInProgress})
	assert.Equal(t, http.StatusConflict, do(h, http.MethodPost, "/campaigns/spring/run").Code)

	failed := &pipeline.SourceErrors{Campaign: "Spring", Errs: map[string]error{"tiktok": errors.New("boom")}}
	h, _ = newTestRouter(&stubRunner{res: &pipeline.Result{Campaign: "Spring"}, err: failed})
	rr := do(h, http.MethodPost, "/campaigns/spring/run")
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Contains(t, rr.Body.String(), "boom")

	partial := &pipeline.Result{Campaign: "Spring", Sources: []pipeline.SourceResult{{Source: platform.Facebook}}}
	h, _ = newTestRouter(&stubRunner{res: partial, err: failed})
	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/campaigns/spring/run").Code)
}

func TestRunCampaignAsync(t *testing.T) {
	done := make(chan struct{})
	run := runnerFunc(func(context.Context, pipeline.Campaign) (*pipeline.Result, error) {
		close(done)
		return &pipeline.Result{}, nil
	})
	h, _ := newTestRouter(run)
	rr := do(h, http.MethodPost, "/campaigns/spring/run?async=true")
	assert.Equal(t, http.StatusAccepted, rr.Code)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async run never started")
	}
}

type runnerFunc func(context.Context, pipeline.Campaign) (*pipeline.Result, error)

func (f runnerFunc) Run(ctx context.Context, c pipeline.Campaign) (*pipeline.Result, error) {
	return f(ctx, c)
}

func (f runnerFunc) Start(ctx context.Context, c pipeline.Campaign, done func(*pipeline.Result, error)) error {
	go func() {
		res, err := f(ctx, c)
		if done != nil {
			done(res, err)
		}
	}()
	return nil
}

func TestRunCampaignAsyncConflict(t *testing.T) {
	run := &stubRunner{err: pipeline.ErrRunInProgress}
	h, _ := newTestRouter(run)
	rr := do(h, http.MethodPost, "/campaigns/spring/run?async=true")
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Empty(t, run.ran)
}

func TestSummaryAndCampaigns(t *testing.T) {
	h, svc := newTestRouter(&stubRunner{})
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/campaigns/spring/summary").Code)

	d, _ := models.ParseDay("2024-05-02")
	svc.Put("Spring", []models.ReconciledRecord{{Date: d, Platform: "facebook", Outcome: models.OutcomeOK}}, nil, time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC))

	rr := do(h, http.MethodGet, "/campaigns/spring/summary?outcome=ok")
	require.Equal(t, http.StatusOK, rr.Code)
	var rows []metrics.SummaryRow
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].Rows)

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/campaigns/spring/summary?from=bad").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/campaigns/spring/events").Code)

	rr = do(h, http.MethodGet, "/campaigns")
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.True(t, strings.Index(body, "Autumn") < strings.Index(body, "Spring"))
	assert.Contains(t, body, "2024-05-03T00:00:00Z")
}
