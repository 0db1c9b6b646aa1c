package jobpoll

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/AngelCh415/campaign-etl/internal/metrics"
)

// Download copies an available job's result into w in ChunkSize pieces. Each
// chunk is buffered and retried whole, so w only ever receives complete chunks.
func (p *Poller) Download(ctx context.Context, job *Job, w io.Writer) (int64, error) {
	if job.State() != StateAvailable {
		return 0, fmt.Errorf("job %s is %s: %w", job.Handle.ID, job.State(), ErrNotAvailable)
	}
	size := job.Last.Size
	var offset int64
	for size <= 0 || offset < size {
		length := p.cfg.ChunkSize
		if size > 0 && size-offset < length {
			length = size - offset
		}
		chunk, err := p.fetchChunk(ctx, job, offset, length)
		if err != nil {
			return offset, err
		}
		if len(chunk) > 0 {
			if _, err := w.Write(chunk); err != nil {
				return offset, &DownloadError{JobID: job.Handle.ID, Offset: offset, Err: err}
			}
			offset += int64(len(chunk))
			metrics.JobDownloadBytes.Add(float64(len(chunk)))
		}
		if int64(len(chunk)) < length {
			break
		}
	}
	if size > 0 && offset < size {
		return offset, &DownloadError{JobID: job.Handle.ID, Offset: offset, Err: io.ErrUnexpectedEOF}
	}
	p.log.Info("report downloaded", slog.String("job", job.Handle.ID), slog.Int64("bytes", offset))
	return offset, nil
}

func (p *Poller) fetchChunk(ctx context.Context, job *Job, offset, length int64) ([]byte, error) {
	var chunk []byte
	attempt := 0
	op := func() error {
		attempt++
		rc, err := p.client.DownloadChunk(ctx, job.Handle, offset, length)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer rc.Close()
		b, err := io.ReadAll(io.LimitReader(rc, length))
		if err != nil {
			return err
		}
		chunk = b
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.cfg.ChunkRetryInterval
	eb.MaxInterval = p.cfg.MaxInterval
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.cfg.ChunkRetries)), ctx)

	notify := func(err error, wait time.Duration) {
		p.log.Warn("chunk download failed, retrying", slog.String("job", job.Handle.ID),
			slog.Int64("offset", offset), slog.Int("attempt", attempt), slog.Duration("wait", wait), slog.Any("err", err))
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, &DownloadError{JobID: job.Handle.ID, Offset: offset, Err: err}
	}
	return chunk, nil
}
