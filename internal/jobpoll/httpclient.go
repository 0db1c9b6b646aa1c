package jobpoll

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/AngelCh415/campaign-etl/internal/logging"
	"github.com/AngelCh415/campaign-etl/internal/utils"
)

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError is a non-2xx answer from the job API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("job api: status %d: %s", e.Code, e.Body)
}

type response struct {
	code int
	body []byte
}

// HTTPClient speaks a small REST job API:
//
//	POST /jobs               submit, answers {"id": "..."}
//	GET  /jobs/{id}          status, answers {"status": "...", "message": "...", "size": n}
//	GET  /jobs/{id}/file     result, honours Range
type HTTPClient struct {
	base    string
	doer    Doer
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[response]
}

type HTTPOption func(*HTTPClient)

// WithRateLimit caps outgoing requests per second. A non-positive rate
// leaves requests unlimited.
func WithRateLimit(perSecond float64, burst int) HTTPOption {
	return func(c *HTTPClient) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
		}
	}
}

func NewHTTPClient(baseURL string, doer Doer, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		base:    strings.TrimRight(baseURL, "/"),
		doer:    doer,
		limiter: rate.NewLimiter(rate.Inf, 1),
		cb:      utils.NewBreaker[response]("job-api", logging.New()),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type submitResponse struct {
	ID string `json:"id"`
}

type statusResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Size    int64  `json:"size"`
}

func (c *HTTPClient) Submit(ctx context.Context, spec JobSpec) (Handle, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return Handle{}, err
	}
	resp, err := c.do(ctx, http.MethodPost, c.base+"/jobs", body, nil)
	if err != nil {
		return Handle{}, err
	}
	var out submitResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return Handle{}, fmt.Errorf("decode submit response: %w", err)
	}
	if out.ID == "" {
		return Handle{}, fmt.Errorf("submit response carries no job id")
	}
	return Handle{ID: out.ID}, nil
}

func (c *HTTPClient) Poll(ctx context.Context, h Handle) (Status, error) {
	resp, err := c.do(ctx, http.MethodGet, c.jobURL(h), nil, nil)
	if err != nil {
		return Status{}, err
	}
	var out statusResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return Status{}, fmt.Errorf("decode job status: %w", err)
	}
	st := Status{State: ParseRemoteState(out.Status), Message: out.Message, Size: out.Size}
	if st.State == RemoteFailed && st.Message == "" {
		st.Message = out.Status
	}
	return st, nil
}

func (c *HTTPClient) DownloadChunk(ctx context.Context, h Handle, offset, length int64) (io.ReadCloser, error) {
	hdr := http.Header{}
	hdr.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	resp, err := c.do(ctx, http.MethodGet, c.jobURL(h)+"/file", nil, hdr)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusRequestedRangeNotSatisfiable {
			return io.NopCloser(bytes.NewReader(nil)), nil
		}
		return nil, err
	}
	b := resp.body
	if resp.code == http.StatusOK {
		// range ignored: cut the window out of the full body
		if offset >= int64(len(b)) {
			b = nil
		} else {
			end := offset + length
			if end > int64(len(b)) {
				end = int64(len(b))
			}
			b = b[offset:end]
		}
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (c *HTTPClient) jobURL(h Handle) string {
	return c.base + "/jobs/" + url.PathEscape(h.ID)
}

func (c *HTTPClient) do(ctx context.Context, method, u string, body []byte, hdr http.Header) (response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return response{}, err
	}
	resp, err := c.cb.Execute(func() (response, error) {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, rd)
		if err != nil {
			return response{}, err
		}
		for k, v := range hdr {
			req.Header[k] = v
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		res, err := c.doer.Do(req)
		if err != nil {
			return response{}, err
		}
		defer res.Body.Close()
		b, err := io.ReadAll(res.Body)
		if err != nil {
			return response{}, err
		}
		if res.StatusCode >= 500 {
			return response{}, &StatusError{Code: res.StatusCode, Body: truncate(b)}
		}
		return response{code: res.StatusCode, body: b}, nil
	})
	if err != nil {
		return response{}, err
	}
	if resp.code < 200 || resp.code >= 300 {
		return response{}, &StatusError{Code: resp.code, Body: truncate(resp.body)}
	}
	return resp, nil
}

// ParseRemoteState maps provider status strings onto RemoteState. Anything
// unknown counts as a failure.
func ParseRemoteState(s string) RemoteState {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "QUEUED", "PENDING":
		return RemoteQueued
	case "PROCESSING", "RUNNING", "IN_PROGRESS":
		return RemoteProcessing
	case "REPORT_AVAILABLE", "AVAILABLE", "SUCCESS", "DONE":
		return RemoteAvailable
	}
	return RemoteFailed
}

func truncate(b []byte) string {
	if len(b) > 512 {
		b = b[:512]
	}
	return string(b)
}

var _ Client = (*HTTPClient)(nil)

// String is used in log lines.
func (s RemoteState) String() string {
	switch s {
	case RemoteQueued:
		return "queued"
	case RemoteProcessing:
		return "processing"
	case RemoteAvailable:
		return "available"
	}
	return "failed"
}
