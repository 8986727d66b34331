package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/numberforty/cc-codex-crawler/internal/model"
	"github.com/numberforty/cc-codex-crawler/internal/output"
	"github.com/numberforty/cc-codex-crawler/internal/pipeline"
	"github.com/numberforty/cc-codex-crawler/internal/rules"
	"github.com/numberforty/cc-codex-crawler/internal/shard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// fakeEnumerator returns a fixed source list
type fakeEnumerator struct {
	sources []model.Source
	err     error
}

func (e *fakeEnumerator) Enumerate(ctx context.Context, mode model.Mode, hint string) ([]model.Source, error) {
	return e.sources, e.err
}

// sliceReader yields prepared records, then tail (io.EOF when nil)
type sliceReader struct {
	recs []*model.Record
	tail error
	pos  int
}

func (r *sliceReader) Next() (*model.Record, error) {
	if r.pos < len(r.recs) {
		r.pos++
		return r.recs[r.pos-1], nil
	}
	if r.tail != nil {
		return nil, r.tail
	}
	return nil, io.EOF
}

func (r *sliceReader) Stats() shard.Stats {
	return shard.Stats{Records: r.pos}
}

func (r *sliceReader) Close() error {
	return nil
}

// fakeOpener serves records per source ID and remembers what was opened
type fakeOpener struct {
	records map[string][]*model.Record
	tails   map[string]error

	mu     sync.Mutex
	opened []string
}

func (o *fakeOpener) Open(ctx context.Context, src model.Source) (shard.Reader, error) {
	o.mu.Lock()
	o.opened = append(o.opened, src.ID)
	o.mu.Unlock()
	return &sliceReader{recs: o.records[src.ID], tail: o.tails[src.ID]}, nil
}

func (o *fakeOpener) Opened() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.opened...)
}

// fakeRetriever returns the URL as payload. URLs listed in fail return a
// fetch error.
type fakeRetriever struct {
	delay time.Duration
	fail  map[string]bool

	current atomic.Int32
	peak    atomic.Int32
	calls   atomic.Int32
}

func (f *fakeRetriever) Admit(rec *model.Record) (string, error) {
	if filepath.Ext(rec.URL()) == ".html" {
		return "", &pipeline.SkipError{URL: rec.URL(), Reason: "extension not accepted"}
	}
	return filepath.Ext(rec.URL()), nil
}

func (f *fakeRetriever) Retrieve(ctx context.Context, workerID int, rec *model.Record) (*model.Artifact, error) {
	f.calls.Add(1)
	n := f.current.Add(1)
	defer f.current.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail[rec.URL()] {
		return nil, &model.FetchError{URL: rec.URL(), StatusCode: 503, Retryable: true, Message: "retries exhausted"}
	}
	return &model.Artifact{
		Data:      []byte(rec.URL()),
		Extension: filepath.Ext(rec.URL()),
		URL:       rec.URL(),
		SourceID:  rec.Source.ID,
		Offset:    rec.Offset,
	}, nil
}

// memWriter keeps artifacts in memory
type memWriter struct {
	mu        sync.Mutex
	artifacts map[int64]*model.Artifact
	err       error
}

func (w *memWriter) Write(a *model.Artifact) (string, error) {
	if w.err != nil {
		return "", w.err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.artifacts == nil {
		w.artifacts = make(map[int64]*model.Artifact)
	}
	if _, dup := w.artifacts[a.Index]; dup {
		return "", &model.WriteError{Path: output.FileName(a), Cause: os.ErrExist}
	}
	w.artifacts[a.Index] = a
	return output.FileName(a), nil
}

func (w *memWriter) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.artifacts)
}

// countingPost counts post-processing calls and always fails
type countingPost struct {
	calls atomic.Int32
}

func (p *countingPost) Process(ctx context.Context, a *model.Artifact, path string) error {
	p.calls.Add(1)
	return errors.New("annotation service down")
}

func record(src string, offset int64, url, status, detected string) *model.Record {
	return model.NewRecord(model.Source{ID: src}, offset, map[string]string{
		model.FieldURL:          url,
		model.FieldStatus:       status,
		model.FieldMimeDetected: detected,
	})
}

func sources(ids ...string) []model.Source {
	out := make([]model.Source, len(ids))
	for i, id := range ids {
		out[i] = model.Source{ID: id, Mode: model.ModeIndexShard}
	}
	return out
}

func baseConfig(t *testing.T) *model.Config {
	t.Helper()
	cfg := model.DefaultConfig()
	cfg.OutputDir = filepath.Join(t.TempDir(), "out")
	cfg.Cache.Enabled = false
	cfg.Quota = 0
	cfg.Concurrency.Workers = 2
	cfg.Concurrency.Readers = 1
	return cfg
}

func mustRules(t *testing.T, doc string) *rules.RuleSet {
	t.Helper()
	rs, err := rules.Parse([]byte(doc))
	require.NoError(t, err)
	return rs
}

const scenarioRules = `{"must": {"status": [{"match": "200"}]}, "should": {"mime-detected": [{"match": "video/mp4"}]}}`

func TestRun_QuotaStopsBeforeNextSource(t *testing.T) {
	opener := &fakeOpener{records: map[string][]*model.Record{
		"s1": {record("s1", 0, "https://a.com/1.mp4", "200", "video/mp4")},
		"s2": {record("s2", 0, "https://a.com/2.mp4", "200", "video/mp4")},
		"s3": {record("s3", 0, "https://a.com/3.mp4", "404", "video/mp4")},
	}}
	writer := &memWriter{}
	cfg := baseConfig(t)
	cfg.Quota = 2

	o := New(cfg, mustRules(t, scenarioRules),
		WithEnumerator(&fakeEnumerator{sources: sources("s1", "s2", "s3")}),
		WithOpener(opener),
		WithRetriever(&fakeRetriever{delay: 10 * time.Millisecond}),
		WithWriter(writer))

	sum, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, PhaseComplete, o.Phase())
	assert.Equal(t, 2, sum.Accepted)
	assert.True(t, sum.QuotaMet)
	assert.Equal(t, 2, sum.RecordsEvaluated)
	assert.Equal(t, []string{"s1", "s2"}, opener.Opened(), "third source must not be read")
	assert.Equal(t, model.SourcePending, sum.Sources[2].State)

	urls := map[string]bool{}
	for _, a := range writer.artifacts {
		urls[a.URL] = true
	}
	assert.Equal(t, map[string]bool{"https://a.com/1.mp4": true, "https://a.com/2.mp4": true}, urls)
	assert.Equal(t, []string{"000000.mp4", "000001.mp4"}, sum.Written)
	assert.NotEmpty(t, sum.RunID)
}

func TestRun_MustNotExcludes(t *testing.T) {
	opener := &fakeOpener{records: map[string][]*model.Record{
		"s1": {
			model.NewRecord(model.Source{ID: "s1"}, 0, map[string]string{model.FieldURL: "https://a.com/x.avi", model.FieldMime: "video/avi"}),
			model.NewRecord(model.Source{ID: "s1"}, 1, map[string]string{model.FieldURL: "https://a.com/x.mp4", model.FieldMime: "video/mp4"}),
		},
	}}
	writer := &memWriter{}

	o := New(baseConfig(t), mustRules(t, `{"must_not": {"mime": [{"match": "video/avi"}]}, "should": {"url": [{"match": "*a.com*"}]}}`),
		WithEnumerator(&fakeEnumerator{sources: sources("s1")}),
		WithOpener(opener),
		WithRetriever(&fakeRetriever{}),
		WithWriter(writer))

	sum, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Accepted)
	assert.Equal(t, 1, sum.SkippedByRule)
	assert.Equal(t, "https://a.com/x.mp4", writer.artifacts[0].URL)
}

func TestRun_CorruptSourceKeepsEarlierRecords(t *testing.T) {
	var first []*model.Record
	for i := 0; i < 10; i++ {
		first = append(first, record("bad", int64(i), fmt.Sprintf("https://a.com/%d.mp4", i), "200", "video/mp4"))
	}
	opener := &fakeOpener{
		records: map[string][]*model.Record{
			"bad":  first,
			"good": {record("good", 0, "https://b.com/0.mp4", "200", "video/mp4")},
		},
		tails: map[string]error{
			"bad": &model.RecordStreamError{Source: "bad", Records: 10, Message: "decompress", Cause: errors.New("gzip: invalid header")},
		},
	}
	writer := &memWriter{}

	o := New(baseConfig(t), mustRules(t, scenarioRules),
		WithEnumerator(&fakeEnumerator{sources: sources("bad", "good")}),
		WithOpener(opener),
		WithRetriever(&fakeRetriever{}),
		WithWriter(writer))

	sum, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 11, sum.Accepted)
	assert.Equal(t, 1, sum.SourcesFailed)
	assert.Equal(t, 1, sum.SourcesProcessed)
	assert.Equal(t, model.SourceFailed, sum.Sources[0].State)
	assert.Equal(t, 10, sum.Sources[0].Records)
	assert.Contains(t, sum.Sources[0].Error, "decompress")
	assert.Equal(t, model.SourceDone, sum.Sources[1].State)
}

func TestRun_SkipsAndFailuresAreCounted(t *testing.T) {
	opener := &fakeOpener{records: map[string][]*model.Record{
		"s1": {
			record("s1", 0, "https://a.com/ok.mp4", "200", "video/mp4"),
			record("s1", 1, "https://a.com/page.html", "200", "video/mp4"),
			record("s1", 2, "https://a.com/flaky.mp4", "200", "video/mp4"),
			record("s1", 3, "https://a.com/gone.mp4", "404", "video/mp4"),
		},
	}}
	writer := &memWriter{}

	o := New(baseConfig(t), mustRules(t, scenarioRules),
		WithEnumerator(&fakeEnumerator{sources: sources("s1")}),
		WithOpener(opener),
		WithRetriever(&fakeRetriever{fail: map[string]bool{"https://a.com/flaky.mp4": true}}),
		WithWriter(writer))

	sum, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, sum.RecordsEvaluated)
	assert.Equal(t, 1, sum.Accepted)
	assert.Equal(t, 1, sum.SkippedByRule)
	assert.Equal(t, 1, sum.SkippedByFilter)
	assert.Equal(t, 1, sum.SkippedByFetchFailure)
	assert.Equal(t, 1, writer.Len())
}

func TestRun_DryRunCreatesNoFiles(t *testing.T) {
	opener := &fakeOpener{records: map[string][]*model.Record{
		"s1": {
			record("s1", 10, "https://a.com/1.mp4", "200", "video/mp4"),
			record("s1", 20, "https://a.com/2.mp4", "200", "video/mp4"),
			record("s1", 30, "https://a.com/3.mp4", "200", "video/mp4"),
		},
	}}
	cfg := baseConfig(t)
	cfg.DryRun = true
	cfg.Quota = 2

	o := New(cfg, mustRules(t, scenarioRules),
		WithEnumerator(&fakeEnumerator{sources: sources("s1")}),
		WithOpener(opener))

	sum, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, sum.DryRun)
	require.Len(t, sum.Matches, 2)
	assert.Equal(t, model.DryRunMatch{URL: "https://a.com/1.mp4", SourceID: "s1", Offset: 10, Reason: "included by should.mime-detected"}, sum.Matches[0])
	assert.Equal(t, 2, sum.Accepted)
	assert.Empty(t, sum.Written)

	_, statErr := os.Stat(cfg.OutputDir)
	assert.True(t, os.IsNotExist(statErr), "dry run must not create the output directory")
}

func TestRun_WriteErrorAborts(t *testing.T) {
	var recs []*model.Record
	for i := 0; i < 20; i++ {
		recs = append(recs, record("s1", int64(i), fmt.Sprintf("https://a.com/%d.mp4", i), "200", "video/mp4"))
	}
	opener := &fakeOpener{records: map[string][]*model.Record{"s1": recs, "s2": recs}}

	o := New(baseConfig(t), mustRules(t, scenarioRules),
		WithEnumerator(&fakeEnumerator{sources: sources("s1", "s2")}),
		WithOpener(opener),
		WithRetriever(&fakeRetriever{}),
		WithWriter(&memWriter{err: &model.WriteError{Path: "/out/000000.mp4", Cause: errors.New("no space left on device")}}))

	sum, err := o.Run(context.Background())
	require.Error(t, err)
	assert.True(t, model.IsRunFatal(err))
	assert.Contains(t, err.Error(), "source s1")
	assert.Equal(t, PhaseAborted, o.Phase())
	require.NotNil(t, sum)
	assert.Empty(t, sum.Written)
	assert.Equal(t, 0, sum.Accepted, "failed writes are not counted as accepted")
	assert.False(t, sum.QuotaMet)
}

func TestRun_EnumerationFailure(t *testing.T) {
	opener := &fakeOpener{}
	o := New(baseConfig(t), nil,
		WithEnumerator(&fakeEnumerator{err: &model.SourceResolutionError{Location: "CC-MAIN-0000", Message: "empty listing"}}),
		WithOpener(opener),
		WithRetriever(&fakeRetriever{}),
		WithWriter(&memWriter{}))

	_, err := o.Run(context.Background())

	var sre *model.SourceResolutionError
	require.True(t, errors.As(err, &sre))
	assert.Equal(t, PhaseAborted, o.Phase())
	assert.Empty(t, opener.Opened())
}

func TestRun_PostProcessorFailureIsNotFatal(t *testing.T) {
	opener := &fakeOpener{records: map[string][]*model.Record{
		"s1": {record("s1", 0, "https://a.com/1.mp4", "200", "video/mp4"), record("s1", 1, "https://a.com/2.mp4", "200", "video/mp4")},
	}}
	post := &countingPost{}

	o := New(baseConfig(t), nil,
		WithEnumerator(&fakeEnumerator{sources: sources("s1")}),
		WithOpener(opener),
		WithRetriever(&fakeRetriever{}),
		WithWriter(&memWriter{}),
		WithPostProcessor(post))

	sum, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Accepted)
	assert.Equal(t, int32(2), post.calls.Load())
}

func TestRun_WorkersBoundConcurrency(t *testing.T) {
	records := map[string][]*model.Record{}
	var ids []string
	for s := 0; s < 4; s++ {
		id := fmt.Sprintf("s%d", s)
		ids = append(ids, id)
		for i := 0; i < 10; i++ {
			records[id] = append(records[id], record(id, int64(i), fmt.Sprintf("https://a.com/%d-%d.mp4", s, i), "200", "video/mp4"))
		}
	}
	retriever := &fakeRetriever{delay: 5 * time.Millisecond}
	cfg := baseConfig(t)
	cfg.Concurrency.Workers = 3
	cfg.Concurrency.Readers = 4

	o := New(cfg, nil,
		WithEnumerator(&fakeEnumerator{sources: sources(ids...)}),
		WithOpener(&fakeOpener{records: records}),
		WithRetriever(retriever),
		WithWriter(&memWriter{}))

	sum, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40, sum.Accepted)
	assert.LessOrEqual(t, retriever.peak.Load(), int32(3))
}

// Property: accepted artifacts never exceed the quota, and every fetch that
// could succeed is taken until the quota is met
func TestRun_QuotaInvariant(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		quota := rapid.IntRange(0, 6).Draw(rt, "quota")
		nSources := rapid.IntRange(1, 4).Draw(rt, "sources")

		records := map[string][]*model.Record{}
		fail := map[string]bool{}
		var ids []string
		succeeding := 0
		for s := 0; s < nSources; s++ {
			id := fmt.Sprintf("s%d", s)
			ids = append(ids, id)
			n := rapid.IntRange(0, 5).Draw(rt, "records-"+id)
			for i := 0; i < n; i++ {
				url := fmt.Sprintf("https://a.com/%d-%d.mp4", s, i)
				records[id] = append(records[id], record(id, int64(i), url, "200", "video/mp4"))
				if rapid.Bool().Draw(rt, "fail-"+url) {
					fail[url] = true
				} else {
					succeeding++
				}
			}
		}

		cfg := model.DefaultConfig()
		cfg.Cache.Enabled = false
		cfg.Quota = quota
		cfg.Concurrency.Workers = rapid.IntRange(1, 4).Draw(rt, "workers")
		cfg.Concurrency.Readers = rapid.IntRange(1, 3).Draw(rt, "readers")
		writer := &memWriter{}

		o := New(cfg, nil,
			WithEnumerator(&fakeEnumerator{sources: sources(ids...)}),
			WithOpener(&fakeOpener{records: records}),
			WithRetriever(&fakeRetriever{fail: fail}),
			WithWriter(writer))

		sum, err := o.Run(context.Background())
		if err != nil {
			rt.Fatalf("run failed: %v", err)
		}

		want := succeeding
		if quota > 0 && quota < want {
			want = quota
		}
		if sum.Accepted != want || writer.Len() != want {
			rt.Fatalf("accepted %d, wrote %d, want %d (quota %d, succeeding %d)", sum.Accepted, writer.Len(), want, quota, succeeding)
		}
		if quota > 0 && sum.Accepted > quota {
			rt.Fatalf("accepted %d exceeds quota %d", sum.Accepted, quota)
		}
	})
}

// warcMember builds one gzip member holding a WARC response record
func warcMember(t *testing.T, uri, contentType, payload string) []byte {
	t.Helper()
	block := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n%s", contentType, len(payload), payload)
	rec := fmt.Sprintf("WARC/1.0\r\nWARC-Type: response\r\nWARC-Target-URI: %s\r\nWARC-Identified-Payload-Type: %s\r\nContent-Length: %d\r\n\r\n%s\r\n\r\n",
		uri, contentType, len(block), block)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(rec))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestRun_LocalArchives(t *testing.T) {
	dir := t.TempDir()
	first := bytes.Join([][]byte{
		warcMember(t, "https://a.com/song.mp3", "audio/mpeg", "ID3-one"),
		warcMember(t, "https://a.com/index.html", "text/html", "<html>"),
	}, nil)
	second := warcMember(t, "https://b.com/tune.mp3", "audio/mpeg", "ID3-two")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.warc.gz"), first, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.warc.gz"), second, 0644))

	cfg := baseConfig(t)
	cfg.Mode = model.ModeLocalFile
	cfg.Location = dir
	cfg.Filter.Extensions = []string{".mp3"}
	cfg.RateLimiting.MinInterval = 0
	require.NoError(t, cfg.Validate())

	sum, err := New(cfg, mustRules(t, `{"should": {"mime-detected": [{"match": "audio/*"}]}}`)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, sum.SourcesProcessed)
	assert.Equal(t, 3, sum.RecordsEvaluated)
	assert.Equal(t, 2, sum.Accepted)
	assert.Equal(t, 1, sum.SkippedByRule)
	require.Len(t, sum.Written, 2)

	var payloads []string
	for _, p := range sum.Written {
		assert.Equal(t, ".mp3", filepath.Ext(p))
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		payloads = append(payloads, string(data))
	}
	assert.ElementsMatch(t, []string{"ID3-one", "ID3-two"}, payloads)
}

func TestRun_IndexShardRangeFetches(t *testing.T) {
	var archive bytes.Buffer
	type entry struct {
		url    string
		offset int
		length int
	}
	var entries []entry
	for i := 0; i < 6; i++ {
		member := warcMember(t, fmt.Sprintf("https://a.com/%d.mp3", i), "audio/mpeg", fmt.Sprintf("payload-%d", i))
		entries = append(entries, entry{fmt.Sprintf("https://a.com/%d.mp3", i), archive.Len(), len(member)})
		archive.Write(member)
	}
	data := archive.Bytes()

	var current, peak atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)

		var start, end int
		if _, err := fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(data[start : end+1])
	}))
	defer server.Close()

	var recs []*model.Record
	for i, e := range entries {
		recs = append(recs, model.NewRecord(model.Source{ID: "cdx-00000.gz"}, int64(i), map[string]string{
			model.FieldURL:      e.url,
			model.FieldStatus:   "200",
			model.FieldFilename: "crawl-data/x.warc.gz",
			model.FieldOffset:   strconv.Itoa(e.offset),
			model.FieldLength:   strconv.Itoa(e.length),
		}))
	}

	cfg := baseConfig(t)
	cfg.BaseURL = server.URL
	cfg.Filter.Extensions = []string{".mp3"}
	cfg.RateLimiting.MinInterval = 0
	cfg.Concurrency.Workers = 2
	cfg.Quota = 4

	sum, err := New(cfg, mustRules(t, `{"must": {"status": [{"match": "200"}]}}`),
		WithEnumerator(&fakeEnumerator{sources: sources("cdx-00000.gz")}),
		WithOpener(&fakeOpener{records: map[string][]*model.Record{"cdx-00000.gz": recs}}),
	).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, sum.Accepted)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	require.Len(t, sum.Written, 4)
	for i, p := range sum.Written {
		assert.Equal(t, fmt.Sprintf("%06d.mp3", i), filepath.Base(p))
	}
}

func TestRun_SlowFetchesDoNotStallRemoteShard(t *testing.T) {
	var lines bytes.Buffer
	for i := 0; i < 3000; i++ {
		fmt.Fprintf(&lines, `com,a)/%d 20240101000000 {"url": "https://a.com/%d.mp3", "status": "200", "offset": "%d", "length": "10", "filename": "crawl-data/x.warc.gz"}`+"\n", i, i, i*10)
	}
	var shardBody bytes.Buffer
	zw := gzip.NewWriter(&shardBody)
	_, err := zw.Write(lines.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(shardBody.Bytes())
	}))
	defer server.Close()

	cfg := baseConfig(t)
	cfg.HTTP.ReadTimeout = 100 * time.Millisecond
	cfg.Concurrency.Workers = 1
	cfg.Concurrency.QueueSize = 1

	// Matches are spread out so the reader blocks on a full queue for
	// longer than the read timeout while the stream is healthy
	rs := mustRules(t, `{"should": {"url": [
		{"match": "https://a.com/0.mp3"}, {"match": "https://a.com/500.mp3"},
		{"match": "https://a.com/1000.mp3"}, {"match": "https://a.com/1500.mp3"},
		{"match": "https://a.com/2000.mp3"}, {"match": "https://a.com/2500.mp3"}
	]}}`)

	sum, err := New(cfg, rs,
		WithEnumerator(&fakeEnumerator{sources: sources(server.URL + "/cdx-00000.gz")}),
		WithRetriever(&fakeRetriever{delay: 150 * time.Millisecond}),
		WithWriter(&memWriter{}),
	).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, sum.SourcesFailed, "sources: %+v", sum.Sources)
	assert.Equal(t, 1, sum.SourcesProcessed)
	assert.Equal(t, 3000, sum.RecordsEvaluated)
	assert.Equal(t, 6, sum.Accepted)
}

func TestRun_PerExtensionCap(t *testing.T) {
	var recs []*model.Record
	for i := 0; i < 6; i++ {
		recs = append(recs, record("s1", int64(2*i), fmt.Sprintf("https://a.com/%d.mp3", i), "200", "audio/mpeg"))
		recs = append(recs, record("s1", int64(2*i+1), fmt.Sprintf("https://a.com/%d.ogg", i), "200", "audio/ogg"))
	}

	cfg := baseConfig(t)
	cfg.Filter.PerExtension = 2
	writer := &memWriter{}

	sum, err := New(cfg, mustRules(t, `{"must": {"status": [{"match": "200"}]}}`),
		WithEnumerator(&fakeEnumerator{sources: sources("s1")}),
		WithOpener(&fakeOpener{records: map[string][]*model.Record{"s1": recs}}),
		WithRetriever(&fakeRetriever{}),
		WithWriter(writer),
	).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, sum.Accepted)
	assert.Equal(t, 8, sum.SkippedByFilter)
	perExt := map[string]int{}
	for _, a := range writer.artifacts {
		perExt[a.Extension]++
	}
	assert.Equal(t, map[string]int{".mp3": 2, ".ogg": 2}, perExt)
}
