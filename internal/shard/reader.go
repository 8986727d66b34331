// Package shard reads records from CDX index shards and WARC archives.
//
// Readers are lazy: each call to Next decodes one record from the
// underlying stream, so a shard is never held in memory. A reader is
// restartable only by opening its source again.
package shard

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/numberforty/cc-codex-crawler/internal/model"
	"github.com/numberforty/cc-codex-crawler/internal/retry"
	"github.com/numberforty/cc-codex-crawler/internal/util"
	"go.uber.org/zap"
)

// openSleepFunc is swapped out in tests
var openSleepFunc retry.SleepFunc = retry.Sleep

// Reader yields the records of one source in order
type Reader interface {
	// Next returns the next record, io.EOF at the end of the source, or a
	// *model.RecordStreamError once the source cannot be read further.
	Next() (*model.Record, error)
	// Stats reports progress so far
	Stats() Stats
	Close() error
}

// Stats counts what a reader has produced
type Stats struct {
	Records   int // Records yielded
	Malformed int // Entries skipped because they could not be parsed
}

// Opener opens sources as record readers
type Opener struct {
	client      *http.Client
	userAgent   string
	readTimeout time.Duration
	policy      retry.Policy
	logger      *zap.Logger
}

// NewOpener creates an opener for the configured mode and HTTP settings
func NewOpener(cfg *model.Config, logger *zap.Logger) *Opener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Opener{
		// Streams can run for minutes; the idle timeout guards them instead
		client:      util.NewHTTPClient(cfg.HTTP, 0),
		userAgent:   cfg.HTTP.UserAgent,
		readTimeout: cfg.HTTP.ReadTimeout,
		policy:      retry.FromConfig(cfg.Retry),
		logger:      logger.With(zap.String("component", "shard")),
	}
}

// Open starts reading src. Index modes yield CDX records; archive modes
// yield WARC response records with their payload attached.
func (o *Opener) Open(ctx context.Context, src model.Source) (Reader, error) {
	body, err := o.openStream(ctx, src)
	if err != nil {
		return nil, err
	}

	switch src.Mode {
	case model.ModeIndexShard, model.ModeIndexAPI:
		return NewCDXReader(src, body)
	default:
		return NewWARCReader(src, body)
	}
}

func (o *Opener) openStream(ctx context.Context, src model.Source) (io.ReadCloser, error) {
	if !isRemote(src.ID) {
		f, err := os.Open(src.ID)
		if err != nil {
			return nil, &model.RecordStreamError{Source: src.ID, Message: "open", Cause: err}
		}
		return f, nil
	}

	streamCtx, cancel := context.WithCancel(ctx)
	var resp *http.Response
	err := retry.Do(streamCtx, o.policy, openSleepFunc, func(attempt int) error {
		req, err := util.NewGetRequest(streamCtx, src.ID, o.userAgent)
		if err != nil {
			return err
		}

		r, err := o.client.Do(req)
		if err != nil {
			if streamCtx.Err() != nil {
				return err
			}
			o.logger.Warn("source request failed", zap.String("source", src.ID), zap.Int("attempt", attempt), zap.Error(err))
			return retry.Retryable(err)
		}

		if r.StatusCode == http.StatusOK {
			resp = r
			return nil
		}

		_ = r.Body.Close()
		serr := fmt.Errorf("unexpected status: %d %s", r.StatusCode, http.StatusText(r.StatusCode))
		if util.IsRetryableStatus(r.StatusCode) {
			o.logger.Warn("source request failed", zap.String("source", src.ID), zap.Int("attempt", attempt), zap.Int("status", r.StatusCode))
			return retry.Retryable(serr)
		}
		return serr
	})
	if err != nil {
		cancel()
		return nil, &model.RecordStreamError{Source: src.ID, Message: "open", Cause: err}
	}

	return newIdleReader(resp.Body, o.readTimeout, cancel), nil
}

func isRemote(id string) bool {
	return strings.HasPrefix(id, "http://") || strings.HasPrefix(id, "https://")
}

// decompressed returns a reader over the stream contents, transparently
// decompressing gzip (including concatenated members)
func decompressed(br *bufio.Reader) (io.Reader, error) {
	magic, err := br.Peek(2)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return br, nil
		}
		return nil, err
	}
	if !isGzip(magic) {
		return br, nil
	}
	return gzip.NewReader(br)
}

func isGzip(magic []byte) bool {
	return len(magic) >= 2 && magic[0] == 0x1f && magic[1] == 0x8b
}

// streamError wraps a read failure as a source-level error
func streamError(src model.Source, records int, msg string, err error) *model.RecordStreamError {
	if errors.Is(err, model.ErrReadTimeout) {
		msg = "stalled"
	}
	return &model.RecordStreamError{Source: src.ID, Records: records, Message: msg, Cause: err}
}
