// Package jobpoll drives "submit a remote report, poll until it is ready,
// download the result" protocols.
//
// A job moves through queued -> processing -> available|failed, or to timeout
// when the elapsed-time budget runs out while waiting. Waits between polls are
// drawn from a widening random window (see utils.Backoff) so concurrent
// pollers do not synchronize. Failed jobs are never resubmitted here; callers
// decide whether to submit a new job.
package jobpoll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/looplab/fsm"

	"github.com/AngelCh415/campaign-etl/internal/logging"
	"github.com/AngelCh415/campaign-etl/internal/metrics"
	"github.com/AngelCh415/campaign-etl/internal/utils"
)

type Config struct {
	MinInterval        time.Duration
	MaxInterval        time.Duration
	ElapsedBudget      time.Duration
	ChunkSize          int64
	ChunkRetries       int
	ChunkRetryInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinInterval:        10 * time.Second,
		MaxInterval:        60 * time.Second,
		ElapsedBudget:      5 * time.Minute,
		ChunkSize:          32 << 20,
		ChunkRetries:       3,
		ChunkRetryInterval: time.Second,
	}
}

func (c Config) Validate() error {
	switch {
	case c.MinInterval <= 0:
		return errors.New("poller: min interval must be positive")
	case c.MaxInterval < c.MinInterval:
		return errors.New("poller: max interval below min interval")
	case c.ElapsedBudget <= 0:
		return errors.New("poller: elapsed budget must be positive")
	case c.ChunkSize <= 0:
		return errors.New("poller: chunk size must be positive")
	case c.ChunkRetries < 0:
		return errors.New("poller: chunk retries must not be negative")
	}
	return nil
}

// JobSpec describes the report a remote platform should compute.
type JobSpec struct {
	Kind   string              `json:"kind"`
	Start  string              `json:"start_date"`
	End    string              `json:"end_date"`
	Params map[string][]string `json:"params,omitempty"`
}

type Handle struct {
	ID string `json:"id"`
}

// RemoteState is the status a provider reports for a job.
type RemoteState int

const (
	RemoteQueued RemoteState = iota
	RemoteProcessing
	RemoteAvailable
	RemoteFailed
)

type Status struct {
	State   RemoteState
	Message string
	// Size is the result size in bytes, or 0 when the provider does not say.
	Size int64
}

// Client is the provider side of the protocol.
type Client interface {
	Submit(ctx context.Context, spec JobSpec) (Handle, error)
	Poll(ctx context.Context, h Handle) (Status, error)
	// DownloadChunk returns at most length bytes starting at offset. A short
	// or empty body means the result ends there.
	DownloadChunk(ctx context.Context, h Handle, offset, length int64) (io.ReadCloser, error)
}

const (
	StateQueued     = "queued"
	StateProcessing = "processing"
	StateAvailable  = "available"
	StateFailed     = "failed"
	StateTimeout    = "timeout"

	eventProcess  = "process"
	eventComplete = "complete"
	eventFail     = "fail"
	eventExpire   = "expire"
)

var (
	ErrRemoteJobFailed = errors.New("remote job failed")
	ErrJobTimeout      = errors.New("remote job timed out")
	ErrNotAvailable    = errors.New("job result not available")
)

// RemoteJobFailedError carries the provider's status message.
type RemoteJobFailedError struct {
	JobID   string
	Message string
}

func (e *RemoteJobFailedError) Error() string {
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Message)
}

func (e *RemoteJobFailedError) Is(target error) bool { return target == ErrRemoteJobFailed }

// DownloadError reports a chunk that could not be fetched after retries.
type DownloadError struct {
	JobID  string
	Offset int64
	Err    error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download job %s at offset %d: %v", e.JobID, e.Offset, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Job tracks one submitted report.
type Job struct {
	Handle    Handle
	Spec      JobSpec
	Submitted time.Time
	Last      Status
	machine   *fsm.FSM
}

func newJob(h Handle, spec JobSpec, at time.Time) *Job {
	live := []string{StateQueued, StateProcessing}
	return &Job{
		Handle:    h,
		Spec:      spec,
		Submitted: at,
		machine: fsm.NewFSM(StateQueued, fsm.Events{
			{Name: eventProcess, Src: []string{StateQueued}, Dst: StateProcessing},
			{Name: eventComplete, Src: live, Dst: StateAvailable},
			{Name: eventFail, Src: live, Dst: StateFailed},
			{Name: eventExpire, Src: live, Dst: StateTimeout},
		}, fsm.Callbacks{}),
	}
}

func (j *Job) State() string { return j.machine.Current() }

func (j *Job) Terminal() bool {
	switch j.State() {
	case StateAvailable, StateFailed, StateTimeout:
		return true
	}
	return false
}

func (j *Job) fire(ctx context.Context, event string) error {
	if err := j.machine.Event(ctx, event); err != nil {
		return fmt.Errorf("job %s: %s from %s: %w", j.Handle.ID, event, j.State(), err)
	}
	return nil
}

type Poller struct {
	client  Client
	cfg     Config
	log     *slog.Logger
	backoff utils.Backoff
	rnd     *rand.Rand
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

type Option func(*Poller)

// WithClock replaces the wall clock and the sleep used between polls.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Poller) {
		p.now = now
		p.sleep = sleep
	}
}

func WithRand(rnd *rand.Rand) Option { return func(p *Poller) { p.rnd = rnd } }

func WithLogger(log *slog.Logger) Option { return func(p *Poller) { p.log = log } }

func New(client Client, cfg Config, opts ...Option) (*Poller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Poller{
		client: client,
		cfg:    cfg,
		log:    logging.New(),
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, o := range opts {
		o(p)
	}
	p.backoff = utils.NewBackoff(cfg.MinInterval, cfg.MaxInterval, p.rnd)
	return p, nil
}

func (p *Poller) Submit(ctx context.Context, spec JobSpec) (*Job, error) {
	h, err := p.client.Submit(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("submit %s job: %w", spec.Kind, err)
	}
	p.log.Info("report job submitted", slog.String("job", h.ID), slog.String("kind", spec.Kind),
		slog.String("start", spec.Start), slog.String("end", spec.End))
	return newJob(h, spec, p.now()), nil
}

// Poll asks the provider for the job's status once.
func (p *Poller) Poll(ctx context.Context, job *Job) (Status, error) {
	metrics.JobPolls.Inc()
	st, err := p.client.Poll(ctx, job.Handle)
	if err != nil {
		return Status{}, fmt.Errorf("poll job %s: %w", job.Handle.ID, err)
	}
	job.Last = st
	if st.State != RemoteQueued && job.State() == StateQueued {
		if err := job.fire(ctx, eventProcess); err != nil {
			return st, err
		}
	}
	return st, nil
}

// AwaitCompletion polls until the job is available, failed, or the elapsed
// budget is spent. It never downloads.
func (p *Poller) AwaitCompletion(ctx context.Context, job *Job) (Status, error) {
	if job.Terminal() {
		return job.Last, fmt.Errorf("job %s already %s", job.Handle.ID, job.State())
	}
	start := p.now()
	var wait time.Duration
	for {
		st, err := p.Poll(ctx, job)
		if err != nil {
			return st, err
		}

		switch st.State {
		case RemoteAvailable:
			metrics.JobsFinished.WithLabelValues(StateAvailable).Inc()
			p.log.Info("report job available", slog.String("job", job.Handle.ID), slog.Int64("size", st.Size))
			return st, job.fire(ctx, eventComplete)
		case RemoteFailed:
			metrics.JobsFinished.WithLabelValues(StateFailed).Inc()
			if err := job.fire(ctx, eventFail); err != nil {
				return st, err
			}
			return st, &RemoteJobFailedError{JobID: job.Handle.ID, Message: st.Message}
		}

		elapsed := p.now().Sub(start)
		if elapsed > p.cfg.ElapsedBudget {
			metrics.JobsFinished.WithLabelValues(StateTimeout).Inc()
			if err := job.fire(ctx, eventExpire); err != nil {
				return st, err
			}
			return st, fmt.Errorf("job %s after %s: %w", job.Handle.ID, elapsed, ErrJobTimeout)
		}

		wait = p.backoff.Next(wait)
		p.log.Debug("report job pending", slog.String("job", job.Handle.ID),
			slog.String("state", job.State()), slog.Duration("sleep", wait))
		if err := p.sleep(ctx, wait); err != nil {
			return st, err
		}
	}
}

// Run submits spec, waits for it and streams the result into w.
func (p *Poller) Run(ctx context.Context, spec JobSpec, w io.Writer) (int64, error) {
	job, err := p.Submit(ctx, spec)
	if err != nil {
		return 0, err
	}
	if _, err := p.AwaitCompletion(ctx, job); err != nil {
		return 0, err
	}
	return p.Download(ctx, job, w)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
