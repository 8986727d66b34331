// Package pipeline retrieves the payloads of selected records.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/numberforty/cc-codex-crawler/internal/model"
	"github.com/numberforty/cc-codex-crawler/internal/retry"
	"github.com/numberforty/cc-codex-crawler/internal/shard"
	"github.com/numberforty/cc-codex-crawler/internal/util"
	"github.com/numberforty/cc-codex-crawler/internal/worker"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// fetchSleepFunc waits between fetch attempts; tests replace it
var fetchSleepFunc retry.SleepFunc = retry.Sleep

// Fetch attempt outcomes reported to the Recorder
const (
	outcomeSuccess   = "success"
	outcomeRetry     = "retry"
	outcomeFailed    = "failed"
	outcomeCancelled = "cancelled"
)

// Recorder receives fetch metrics. *metrics.Collector satisfies it.
type Recorder interface {
	FetchAttempt(outcome string)
	ObserveFetch(d time.Duration)
	SetInFlight(n int)
}

type nopRecorder struct{}

func (nopRecorder) FetchAttempt(string) {}
func (nopRecorder) ObserveFetch(time.Duration) {}
func (nopRecorder) SetInFlight(int) {}

// SkipError means a record was turned down without a failure: wrong
// extension or category, oversized payload, or disallowed by robots.txt.
type SkipError struct {
	URL    string
	Reason string
}

func (e *SkipError) Error() string {
	return fmt.Sprintf("skip %s: %s", e.URL, e.Reason)
}

// IsSkip reports whether err is a SkipError
func IsSkip(err error) bool {
	var se *SkipError
	return errors.As(err, &se)
}

// Executor turns selected records into artifacts. Archive records carry
// their payload; index records are fetched by byte range from the corpus
// or read from a local copy of the archive.
type Executor struct {
	client    *http.Client
	baseURL   string
	dataDir   string
	userAgent string
	filter    Filter
	maxBytes  int64
	policy    retry.Policy

	slots     *semaphore.Weighted
	inFlight  atomic.Int64
	highWater atomic.Int64

	intervals *worker.Limiter // Per worker; nil when no interval is set
	hosts     *worker.Limiter // Per host crawl delay
	robots    *util.RobotsChecker

	recorder Recorder
	logger   *zap.Logger
}

// NewExecutor creates an executor for the run configuration. robots may be
// nil, in which case crawl delays are not honored.
func NewExecutor(cfg *model.Config, robots *util.RobotsChecker, recorder Recorder, logger *zap.Logger) *Executor {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	workers := cfg.Concurrency.Workers
	if workers < 1 {
		workers = 1
	}

	e := &Executor{
		client:    util.NewHTTPClient(cfg.HTTP, cfg.HTTP.Timeout),
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		dataDir:   cfg.DataDir,
		userAgent: cfg.HTTP.UserAgent,
		filter:    NewFilter(cfg.Filter),
		maxBytes:  cfg.Filter.MaxPayloadBytes,
		policy:    retry.FromConfig(cfg.Retry),
		slots:     semaphore.NewWeighted(int64(workers)),
		hosts:     worker.NewIntervalLimiter(0),
		recorder:  recorder,
		logger:    logger.With(zap.String("component", "executor")),
	}
	if cfg.RateLimiting.MinInterval > 0 {
		e.intervals = worker.NewIntervalLimiter(cfg.RateLimiting.MinInterval)
	}
	if cfg.RateLimiting.RespectRobots {
		e.robots = robots
	}
	return e
}

// Filter returns the payload filter in use
func (e *Executor) Filter() Filter {
	return e.filter
}

// InFlight returns the number of retrievals currently holding a slot
func (e *Executor) InFlight() int {
	return int(e.inFlight.Load())
}

// HighWater returns the largest number of concurrent retrievals seen
func (e *Executor) HighWater() int {
	return int(e.highWater.Load())
}

// Admit applies the checks that need no network access and returns the
// matched extension. Records with an inline payload have it loaded here,
// so they stay valid after their reader advances.
func (e *Executor) Admit(rec *model.Record) (string, error) {
	ext, ok := e.filter.MatchURL(rec.URL())
	if !ok {
		return "", &SkipError{URL: rec.URL(), Reason: "extension not accepted"}
	}
	if !rec.HasBody() {
		return ext, nil
	}

	if !e.filter.MatchContentType(rec.ContentType) {
		return "", &SkipError{URL: rec.URL(), Reason: fmt.Sprintf("content type %q outside %s", rec.ContentType, e.filter.Category)}
	}
	if err := rec.LoadPayload(e.maxBytes); err != nil {
		if errors.Is(err, model.ErrPayloadTooLarge) {
			return "", &SkipError{URL: rec.URL(), Reason: err.Error()}
		}
		return "", &model.FetchError{URL: rec.URL(), Message: "read inline payload", Cause: err}
	}
	return ext, nil
}

// Retrieve produces the artifact of one selected record. The artifact
// index is left for the caller to assign. workerID keys the per-worker
// rate limit.
func (e *Executor) Retrieve(ctx context.Context, workerID int, rec *model.Record) (*model.Artifact, error) {
	ext, err := e.Admit(rec)
	if err != nil {
		return nil, err
	}

	if rec.Payload != nil {
		return newArtifact(rec, ext, rec.Payload, rec.ContentType), nil
	}

	if err := e.slots.Acquire(ctx, 1); err != nil {
		return nil, &model.FetchError{URL: rec.URL(), Message: "canceled waiting for a fetch slot", Cause: err}
	}
	defer e.release()
	e.acquired()

	start := time.Now()
	data, err := e.readSlice(ctx, workerID, rec)
	e.recorder.ObserveFetch(time.Since(start))
	if err != nil {
		return nil, err
	}

	inner, err := shard.ExtractResponse(rec.Source, data, e.maxBytes)
	if err != nil {
		if errors.Is(err, model.ErrPayloadTooLarge) {
			return nil, &SkipError{URL: rec.URL(), Reason: err.Error()}
		}
		return nil, &model.FetchError{URL: rec.URL(), Message: "decode WARC slice", Cause: err}
	}
	if !e.filter.MatchContentType(inner.ContentType) {
		return nil, &SkipError{URL: rec.URL(), Reason: fmt.Sprintf("content type %q outside %s", inner.ContentType, e.filter.Category)}
	}

	return newArtifact(rec, ext, inner.Payload, inner.ContentType), nil
}

func (e *Executor) acquired() {
	n := e.inFlight.Add(1)
	for {
		hw := e.highWater.Load()
		if n <= hw || e.highWater.CompareAndSwap(hw, n) {
			break
		}
	}
	e.recorder.SetInFlight(int(n))
}

func (e *Executor) release() {
	n := e.inFlight.Add(-1)
	e.recorder.SetInFlight(int(n))
	e.slots.Release(1)
}

func newArtifact(rec *model.Record, ext string, data []byte, contentType string) *model.Artifact {
	return &model.Artifact{
		Data:        data,
		Extension:   ext,
		ContentType: contentType,
		URL:         rec.URL(),
		SourceID:    rec.Source.ID,
		Offset:      rec.Offset,
	}
}

// span is the byte range an index record addresses
type span struct {
	filename string
	offset   int64
	length   int64
}

func recordSpan(rec *model.Record) (span, error) {
	s := span{filename: rec.Fields[model.FieldFilename]}
	if s.filename == "" {
		return s, errors.New("missing filename")
	}
	var err error
	if s.offset, err = rec.Int64Field(model.FieldOffset); err != nil {
		return s, err
	}
	if s.length, err = rec.Int64Field(model.FieldLength); err != nil {
		return s, err
	}
	if s.offset < 0 || s.length <= 0 {
		return s, fmt.Errorf("invalid range offset=%d length=%d", s.offset, s.length)
	}
	return s, nil
}

// readSlice returns the compressed WARC slice of an index record,
// preferring a local copy of the archive when the data directory has one
func (e *Executor) readSlice(ctx context.Context, workerID int, rec *model.Record) ([]byte, error) {
	s, err := recordSpan(rec)
	if err != nil {
		return nil, &model.FetchError{URL: rec.URL(), Message: "incomplete index record", Cause: err}
	}

	if e.dataDir != "" {
		local := filepath.Join(e.dataDir, path.Base(s.filename))
		if _, err := os.Stat(local); err == nil {
			data, err := readLocalSlice(local, s)
			if err != nil {
				return nil, &model.FetchError{URL: local, Message: "read local slice", Cause: err}
			}
			e.recorder.FetchAttempt(outcomeSuccess)
			return data, nil
		}
	}

	target := e.sliceURL(s.filename)
	if e.robots != nil {
		allowed, delay, err := e.robots.CanFetch(ctx, target)
		if err == nil && !allowed {
			return nil, &SkipError{URL: rec.URL(), Reason: "disallowed by robots.txt"}
		}
		host, _ := worker.HostKey(target)
		if !e.hosts.HasKey(host) && delay > 0 {
			e.hosts.SetInterval(host, delay)
			e.logger.Debug("honoring crawl delay", zap.String("host", host), zap.Duration("delay", delay))
		}
	}

	return e.fetchWithRetry(ctx, workerID, target, s)
}

func readLocalSlice(name string, s span) ([]byte, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.NewSectionReader(f, s.offset, s.length))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != s.length {
		return nil, fmt.Errorf("short read: %d of %d bytes", len(data), s.length)
	}
	return data, nil
}

func (e *Executor) sliceURL(filename string) string {
	if strings.HasPrefix(filename, "http://") || strings.HasPrefix(filename, "https://") {
		return filename
	}
	return e.baseURL + "/" + strings.TrimLeft(filename, "/")
}

// fetchWithRetry issues the range request until it succeeds, fails
// permanently, or the backoff runs out
func (e *Executor) fetchWithRetry(ctx context.Context, workerID int, target string, s span) ([]byte, error) {
	backoff := e.policy.Start()
	for {
		if err := e.throttle(ctx, workerID, target); err != nil {
			e.recorder.FetchAttempt(outcomeCancelled)
			return nil, &model.FetchError{URL: target, Attempts: backoff.Attempts(), Message: "canceled", Cause: err}
		}

		data, status, err := e.fetchRange(ctx, target, s)
		if err == nil {
			e.recorder.FetchAttempt(outcomeSuccess)
			return data, nil
		}
		if ctx.Err() != nil {
			e.recorder.FetchAttempt(outcomeCancelled)
			return nil, &model.FetchError{URL: target, Attempts: backoff.Attempts() + 1, Message: "canceled", Cause: ctx.Err()}
		}

		if !isRetryableFetch(status) {
			e.recorder.FetchAttempt(outcomeFailed)
			return nil, &model.FetchError{
				URL:        target,
				StatusCode: status,
				Attempts:   backoff.Attempts() + 1,
				Message:    "range request failed",
				Cause:      err,
			}
		}

		delay, ok := backoff.Next()
		if !ok {
			e.recorder.FetchAttempt(outcomeFailed)
			return nil, &model.FetchError{
				URL:        target,
				StatusCode: status,
				Retryable:  true,
				Attempts:   backoff.Attempts(),
				Message:    "retries exhausted",
				Cause:      err,
			}
		}

		e.recorder.FetchAttempt(outcomeRetry)
		e.logger.Debug("retrying range request",
			zap.String("url", target),
			zap.Int("attempt", backoff.Attempts()),
			zap.Int("status", status),
			zap.Duration("delay", delay),
			zap.Error(err))

		if err := fetchSleepFunc(ctx, delay); err != nil {
			e.recorder.FetchAttempt(outcomeCancelled)
			return nil, &model.FetchError{URL: target, Attempts: backoff.Attempts(), Message: "canceled", Cause: err}
		}
	}
}

// throttle waits for the worker's minimum interval and the host's crawl
// delay before an attempt
func (e *Executor) throttle(ctx context.Context, workerID int, target string) error {
	if e.intervals != nil {
		if err := e.intervals.Wait(ctx, worker.WorkerKey(workerID)); err != nil {
			return err
		}
	}
	if e.robots != nil {
		if host, err := worker.HostKey(target); err == nil && e.hosts.HasKey(host) {
			return e.hosts.Wait(ctx, host)
		}
	}
	return nil
}

// isRetryableFetch reports whether a failed attempt is transient. Status
// zero is a transport or body read error.
func isRetryableFetch(status int) bool {
	return status == 0 || util.IsRetryableStatus(status)
}

// fetchRange performs one range request. It returns the status code
// alongside any error so the caller can classify it.
func (e *Executor) fetchRange(ctx context.Context, target string, s span) ([]byte, int, error) {
	req, err := util.NewGetRequest(ctx, target, e.userAgent)
	if err != nil {
		return nil, http.StatusBadRequest, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", s.offset, s.offset+s.length-1))

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		// Range ignored, the whole archive follows
		if _, err := io.CopyN(io.Discard, resp.Body, s.offset); err != nil {
			return nil, resp.StatusCode, fmt.Errorf("skip to offset: %w", err)
		}
	default:
		return nil, resp.StatusCode, fmt.Errorf("unexpected status: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(body, s.length))
	if err != nil {
		return nil, 0, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) != s.length {
		// The server answered in full; a retry would get the same bytes
		return nil, resp.StatusCode, fmt.Errorf("short body: %d of %d bytes", len(data), s.length)
	}
	return data, resp.StatusCode, nil
}
