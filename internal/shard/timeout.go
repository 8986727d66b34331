package shard

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/numberforty/cc-codex-crawler/internal/model"
)

// idleReader fails a stream whose Read blocks for longer than timeout.
// The timer runs only while a Read is pending, so a consumer that pauses
// between reads never trips it. When the timer fires it cancels the request
// context, which unblocks the pending read, and every later read reports
// model.ErrReadTimeout.
type idleReader struct {
	rc      io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	cancel  context.CancelFunc
	fired   atomic.Bool
}

func newIdleReader(rc io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *idleReader {
	ir := &idleReader{rc: rc, timeout: timeout, cancel: cancel}
	if timeout > 0 {
		ir.timer = time.AfterFunc(timeout, func() {
			ir.fired.Store(true)
			cancel()
		})
		ir.timer.Stop()
	}
	return ir
}

func (ir *idleReader) Read(p []byte) (int, error) {
	if ir.fired.Load() {
		return 0, model.ErrReadTimeout
	}
	if ir.timer == nil {
		return ir.rc.Read(p)
	}

	ir.timer.Reset(ir.timeout)
	n, err := ir.rc.Read(p)
	if !ir.timer.Stop() && ir.fired.Load() {
		return n, model.ErrReadTimeout
	}
	return n, err
}

func (ir *idleReader) Close() error {
	if ir.timer != nil {
		ir.timer.Stop()
	}
	err := ir.rc.Close()
	ir.cancel()
	return err
}
