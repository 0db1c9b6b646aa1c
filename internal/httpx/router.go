package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AngelCh415/campaign-etl/internal/metrics"
	"github.com/AngelCh415/campaign-etl/internal/models"
	"github.com/AngelCh415/campaign-etl/internal/pipeline"
	"github.com/AngelCh415/campaign-etl/internal/utils"
)

// Runner executes one campaign run, in the foreground or the background.
// Start must report pipeline.ErrRunInProgress before returning.
type Runner interface {
	Run(ctx context.Context, c pipeline.Campaign) (*pipeline.Result, error)
	Start(ctx context.Context, c pipeline.Campaign, done func(*pipeline.Result, error)) error
}

// Campaigns resolves a campaign by name.
type Campaigns interface {
	Lookup(name string) (pipeline.Campaign, bool)
	Names() []string
}

// CampaignList is a fixed set of campaigns, matched case-insensitively.
type CampaignList []pipeline.Campaign

func (l CampaignList) Lookup(name string) (pipeline.Campaign, bool) {
	for _, c := range l {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return pipeline.Campaign{}, false
}

func (l CampaignList) Names() []string {
	out := make([]string, len(l))
	for i, c := range l {
		out[i] = c.Name
	}
	sort.Strings(out)
	return out
}

type sourceReport struct {
	Platform string                     `json:"platform"`
	Rows     int                        `json:"performance_rows"`
	Outcomes map[models.JoinOutcome]int `json:"outcomes"`
	Events   int                        `json:"events"`
	Warnings []string                   `json:"warnings,omitempty"`
}

type runReport struct {
	Campaign string         `json:"campaign"`
	Sources  []sourceReport `json:"sources"`
	Errors   []string       `json:"errors,omitempty"`
}

func report(name string, res *pipeline.Result, err error) runReport {
	rep := runReport{Campaign: name, Sources: []sourceReport{}}
	if res != nil {
		for _, s := range res.Sources {
			sr := sourceReport{
				Platform: s.Source.String(),
				Rows:     len(s.Enriched),
				Outcomes: map[models.JoinOutcome]int{},
				Events:   len(s.Events),
			}
			for _, r := range s.Overview {
				sr.Outcomes[r.Outcome]++
			}
			for _, w := range s.Warnings {
				sr.Warnings = append(sr.Warnings, w.Error())
			}
			rep.Sources = append(rep.Sources, sr)
		}
	}
	var se *pipeline.SourceErrors
	switch {
	case errors.As(err, &se):
		for _, e := range se.Unwrap() {
			rep.Errors = append(rep.Errors, e.Error())
		}
		sort.Strings(rep.Errors)
	case err != nil:
		rep.Errors = []string{err.Error()}
	}
	return rep
}

func NewRouter(log *slog.Logger, run Runner, campaigns Campaigns, mSvc *metrics.Service) http.Handler {
	mux := chi.NewRouter()
	mux.Use(utils.RequestID)
	mux.Use(utils.Logger(log))

	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
	mux.Get("/readyz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ready")) })
	mux.Handle("/metrics", promhttp.Handler())

	mux.Get("/campaigns", func(w http.ResponseWriter, r *http.Request) {
		type entry struct {
			Name    string `json:"name"`
			Updated string `json:"updated,omitempty"`
		}
		out := []entry{}
		for _, n := range campaigns.Names() {
			e := entry{Name: n}
			if at, ok := mSvc.Updated(n); ok {
				e.Updated = at.UTC().Format("2006-01-02T15:04:05Z")
			}
			out = append(out, e)
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.Route("/campaigns/{name}", func(cr chi.Router) {
		cr.Post("/run", func(w http.ResponseWriter, r *http.Request) {
			name := chi.URLParam(r, "name")
			c, ok := campaigns.Lookup(name)
			if !ok {
				http.Error(w, "unknown campaign", http.StatusNotFound)
				return
			}

			if r.URL.Query().Get("async") == "true" {
				err := run.Start(context.WithoutCancel(r.Context()), c, func(_ *pipeline.Result, err error) {
					if err != nil {
						log.Error("async run failed", slog.String("campaign", c.Name), slog.Any("err", err))
					}
				})
				switch {
				case errors.Is(err, pipeline.ErrRunInProgress):
					http.Error(w, err.Error(), http.StatusConflict)
					return
				case err != nil:
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				w.WriteHeader(http.StatusAccepted)
				w.Write([]byte("run started"))
				return
			}

			res, err := run.Run(r.Context(), c)
			switch {
			case errors.Is(err, pipeline.ErrRunInProgress):
				http.Error(w, err.Error(), http.StatusConflict)
				return
			case err != nil && (res == nil || len(res.Sources) == 0):
				writeJSON(w, http.StatusBadGateway, report(c.Name, res, err))
				return
			}
			writeJSON(w, http.StatusOK, report(c.Name, res, err))
		})

		cr.Get("/summary", func(w http.ResponseWriter, r *http.Request) {
			rows, err := mSvc.QuerySummary(chi.URLParam(r, "name"), r.URL.Query())
			if err != nil {
				http.Error(w, err.Error(), queryStatus(err))
				return
			}
			writeJSON(w, http.StatusOK, rows)
		})

		cr.Get("/events", func(w http.ResponseWriter, r *http.Request) {
			rows, err := mSvc.QueryEvents(chi.URLParam(r, "name"), r.URL.Query())
			if err != nil {
				http.Error(w, err.Error(), queryStatus(err))
				return
			}
			writeJSON(w, http.StatusOK, rows)
		})
	})

	return mux
}

func queryStatus(err error) int {
	if errors.Is(err, metrics.ErrUnknownCampaign) {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", " ")
	enc.Encode(v)
}
