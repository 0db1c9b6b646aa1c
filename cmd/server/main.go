package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/AngelCh415/campaign-etl/internal/artifact"
	"github.com/AngelCh415/campaign-etl/internal/config"
	"github.com/AngelCh415/campaign-etl/internal/httpx"
	"github.com/AngelCh415/campaign-etl/internal/ingest"
	"github.com/AngelCh415/campaign-etl/internal/jobpoll"
	"github.com/AngelCh415/campaign-etl/internal/logging"
	"github.com/AngelCh415/campaign-etl/internal/metrics"
	"github.com/AngelCh415/campaign-etl/internal/models"
	"github.com/AngelCh415/campaign-etl/internal/output"
	"github.com/AngelCh415/campaign-etl/internal/params"
	"github.com/AngelCh415/campaign-etl/internal/pipeline"
	"github.com/AngelCh415/campaign-etl/internal/reconcile"
	"github.com/AngelCh415/campaign-etl/internal/store"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		slog.Error("config", slog.Any("err", err))
		os.Exit(1)
	}

	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger := logging.New()
	slog.SetDefault(logger)

	perfStore, gaStore, closeStores, err := openStores(cfg)
	if err != nil {
		logger.Error("open store", slog.Any("err", err))
		os.Exit(1)
	}
	defer closeStores()

	campaigns, err := loadCampaigns(cfg)
	if err != nil {
		logger.Error("campaigns", slog.Any("err", err))
		os.Exit(1)
	}

	policy, err := reconcile.ParseDuplicatePolicy(cfg.DuplicatePolicy)
	if err != nil {
		logger.Error("duplicate policy", slog.Any("err", err))
		os.Exit(1)
	}

	cl := ingest.NewHTTPClient(cfg.HTTPTimeout)
	jobsClient := jobpoll.NewHTTPClient(cfg.JobsURL, cl, jobpoll.WithRateLimit(cfg.JobsRateLimit, 1))
	poller, err := jobpoll.New(jobsClient, cfg.Poller.JobPoll(), jobpoll.WithLogger(logger))
	if err != nil {
		logger.Error("poller", slog.Any("err", err))
		os.Exit(1)
	}

	artifacts := artifact.NewFileWriter(cfg.ArtifactDir)
	outputs := output.NewFileSink(cfg.OutputDir)
	mSvc := metrics.NewService()
	warmSummary(logger, mSvc, outputs, campaigns)
	p := pipeline.New(pipeline.Deps{
		Performance: ingest.Router{
			Direct: ingest.NewHTTPPerformanceFetcher(cfg.PerformanceURL, cl, logger),
			Jobs:   ingest.NewReportFetcher(poller, logger),
		},
		Analytics:      ingest.NewHTTPAnalyticsFetcher(cfg.AnalyticsURL, cl, logger),
		PerfStore:      perfStore,
		AnalyticsStore: gaStore,
		Joiner:         params.NewJoiner(artifacts, logger),
		Engine:         reconcile.NewEngine(artifacts, logger, reconcile.WithDuplicatePolicy(policy)),
		Sinks:          []pipeline.Sink{outputs, mSvc},
		Log:            logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.RunOnStart {
		go func() {
			if _, err := p.RunActive(ctx, campaigns); err != nil {
				logger.Error("startup run", slog.Any("err", err))
			}
		}()
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpx.NewRouter(logger, p, httpx.CampaignList(campaigns), mSvc),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting server", slog.String("port", cfg.Port), slog.Int("campaigns", len(campaigns)))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func openStores(cfg *config.Config) (store.RecordStore[models.PerformanceRecord], store.RecordStore[models.AnalyticsRow], func() error, error) {
	noop := func() error { return nil }
	switch cfg.StoreBackend {
	case "memory":
		return store.NewMemoryStore[models.PerformanceRecord](), store.NewMemoryStore[models.AnalyticsRow](), noop, nil
	case "badger":
		db, err := store.OpenBadger(filepath.Join(cfg.DataDir, "badger"))
		if err != nil {
			return nil, nil, nil, err
		}
		return store.NewBadgerStore[models.PerformanceRecord](db), store.NewBadgerStore[models.AnalyticsRow](db), db.Close, nil
	}
	return store.NewFileStore[models.PerformanceRecord](filepath.Join(cfg.DataDir, "performance")),
		store.NewFileStore[models.AnalyticsRow](filepath.Join(cfg.DataDir, "analytics")),
		noop, nil
}

// loadCampaigns resolves parametrization paths against the config file's
// directory when CONFIG_PATH is set, else the working directory.
func loadCampaigns(cfg *config.Config) ([]pipeline.Campaign, error) {
	base := "."
	if p := os.Getenv(config.ConfigPathEnvVar); p != "" {
		base = filepath.Dir(p)
	}
	out := make([]pipeline.Campaign, 0, len(cfg.Campaigns))
	for _, cc := range cfg.Campaigns {
		c, err := pipeline.FromConfig(cc, base)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// warmSummary loads the last published output of each campaign so the
// summary endpoints answer before the first run of this process.
func warmSummary(log *slog.Logger, mSvc *metrics.Service, outputs *output.FileSink, campaigns []pipeline.Campaign) {
	for _, c := range campaigns {
		out, err := outputs.Load(c.Name)
		if err != nil {
			log.Warn("load published output", slog.String("campaign", c.Name), slog.Any("err", err))
			continue
		}
		if out != nil {
			mSvc.Put(c.Name, out.Overview, out.Events, out.Updated)
		}
	}
}
