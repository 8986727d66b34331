package source

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/numberforty/cc-codex-crawler/internal/cache"
	"github.com/numberforty/cc-codex-crawler/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gz(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

type corpus struct {
	server   *httptest.Server
	requests atomic.Int32
}

func newCorpus(t *testing.T) *corpus {
	t.Helper()
	c := &corpus{}

	warcPaths := gz(t, strings.Join([]string{
		"crawl-data/CC-MAIN-2024-22/segments/1/warc/a.warc.gz",
		"crawl-data/CC-MAIN-2024-22/segments/1/warc/b.warc.gz",
		"",
		"crawl-data/CC-MAIN-2024-22/segments/2/warc/c.warc.gz",
	}, "\n"))
	indexPaths := gz(t, strings.Join([]string{
		"cc-index/collections/CC-MAIN-2024-18/indexes/cdx-00000.gz",
		"cc-index/collections/CC-MAIN-2024-18/indexes/cdx-00001.gz",
		"cc-index/collections/CC-MAIN-2024-18/indexes/cluster.idx",
		"cc-index/collections/CC-MAIN-2024-18/metadata.yaml",
	}, "\n"))

	c.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.requests.Add(1)
		switch r.URL.Path {
		case "/collinfo.json":
			_, _ = w.Write([]byte(`[{"id": "CC-MAIN-2024-22", "name": "May 2024 Index"}, {"id": "CC-MAIN-2024-18"}]`))
		case "/crawl-data/CC-MAIN-2024-22/warc.paths.gz":
			_, _ = w.Write(warcPaths)
		case "/crawl-data/CC-MAIN-2024-18/cc-index.paths.gz":
			_, _ = w.Write(indexPaths)
		case "/crawl-data/CC-EMPTY/warc.paths.gz":
			_, _ = w.Write(gz(t, "\n\n"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(c.server.Close)
	return c
}

func (c *corpus) config() *model.Config {
	cfg := model.DefaultConfig()
	cfg.BaseURL = c.server.URL
	cfg.IndexURL = c.server.URL
	cfg.HTTP.Timeout = 5 * time.Second
	return cfg
}

func noSleep(t *testing.T) {
	t.Helper()
	orig := enumerateSleepFunc
	enumerateSleepFunc = func(context.Context, time.Duration) error { return nil }
	t.Cleanup(func() { enumerateSleepFunc = orig })
}

func ids(sources []model.Source) []string {
	out := make([]string, len(sources))
	for i, s := range sources {
		out[i] = s.ID
	}
	return out
}

func TestEnumerate_BulkArchiveLatestCrawl(t *testing.T) {
	c := newCorpus(t)
	e := NewEnumerator(c.config(), nil, nil)

	sources, err := e.Enumerate(context.Background(), model.ModeBulkArchive, "")
	require.NoError(t, err)

	assert.Equal(t, []string{
		c.server.URL + "/crawl-data/CC-MAIN-2024-22/segments/1/warc/a.warc.gz",
		c.server.URL + "/crawl-data/CC-MAIN-2024-22/segments/1/warc/b.warc.gz",
		c.server.URL + "/crawl-data/CC-MAIN-2024-22/segments/2/warc/c.warc.gz",
	}, ids(sources))
	assert.Equal(t, model.ModeBulkArchive, sources[0].Mode)
}

func TestEnumerate_MaxSources(t *testing.T) {
	c := newCorpus(t)
	cfg := c.config()
	cfg.MaxSources = 2

	sources, err := NewEnumerator(cfg, nil, nil).Enumerate(context.Background(), model.ModeBulkArchive, "CC-MAIN-2024-22")
	require.NoError(t, err)
	assert.Len(t, sources, 2)
}

func TestEnumerate_IndexShardKeepsOnlyCDX(t *testing.T) {
	c := newCorpus(t)

	sources, err := NewEnumerator(c.config(), nil, nil).Enumerate(context.Background(), model.ModeIndexShard, "CC-MAIN-2024-18")
	require.NoError(t, err)
	assert.Equal(t, []string{
		c.server.URL + "/cc-index/collections/CC-MAIN-2024-18/indexes/cdx-00000.gz",
		c.server.URL + "/cc-index/collections/CC-MAIN-2024-18/indexes/cdx-00001.gz",
	}, ids(sources))
}

func TestEnumerate_LocalListingHint(t *testing.T) {
	c := newCorpus(t)
	dir := t.TempDir()

	localShard := filepath.Join(dir, "cdx-00007.gz")
	require.NoError(t, os.WriteFile(localShard, gz(t, ""), 0644))

	listing := filepath.Join(dir, "my.paths")
	require.NoError(t, os.WriteFile(listing, []byte(localShard+"\ncc-index/x/cdx-00008.gz\n"), 0644))

	sources, err := NewEnumerator(c.config(), nil, nil).Enumerate(context.Background(), model.ModeIndexShard, listing)
	require.NoError(t, err)
	assert.Equal(t, []string{localShard, c.server.URL + "/cc-index/x/cdx-00008.gz"}, ids(sources))
	assert.Zero(t, c.requests.Load(), "local listing must not touch the network")
}

func TestEnumerate_LocalFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"c.arc.gz", "a.warc.gz", "notes.txt", "b.warc"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.warc.gz"), 0755))

	cfg := model.DefaultConfig()
	sources, err := NewEnumerator(cfg, nil, nil).Enumerate(context.Background(), model.ModeLocalFile, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.warc.gz"),
		filepath.Join(dir, "b.warc"),
		filepath.Join(dir, "c.arc.gz"),
	}, ids(sources))
}

func TestEnumerate_IndexAPI(t *testing.T) {
	c := newCorpus(t)
	cfg := c.config()
	cfg.Filter.Extensions = []string{".mp3", ".ogg"}

	sources, err := NewEnumerator(cfg, nil, nil).Enumerate(context.Background(), model.ModeIndexAPI, "")
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, c.server.URL+"/CC-MAIN-2024-22-index?output=json&url=%2A.mp3", sources[0].ID)
	assert.Equal(t, model.ModeIndexAPI, sources[0].Mode)
}

func TestEnumerate_Failures(t *testing.T) {
	noSleep(t)
	c := newCorpus(t)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	tests := []struct {
		name string
		cfg  func() *model.Config
		mode model.Mode
		hint string
	}{
		{"catalog unavailable", func() *model.Config {
			cfg := c.config()
			cfg.IndexURL = failing.URL
			return cfg
		}, model.ModeBulkArchive, ""},
		{"listing missing", c.config, model.ModeBulkArchive, "CC-MAIN-1999-01"},
		{"listing empty", c.config, model.ModeBulkArchive, "CC-EMPTY"},
		{"no shards in listing", c.config, model.ModeIndexShard, c.server.URL + "/crawl-data/CC-MAIN-2024-22/warc.paths.gz"},
		{"local directory missing", c.config, model.ModeLocalFile, filepath.Join(t.TempDir(), "nope")},
		{"local directory empty", c.config, model.ModeLocalFile, t.TempDir()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEnumerator(tt.cfg(), nil, nil).Enumerate(context.Background(), tt.mode, tt.hint)
			require.Error(t, err)

			var sre *model.SourceResolutionError
			require.True(t, errors.As(err, &sre), "expected SourceResolutionError, got %T: %v", err, err)
			assert.True(t, model.IsRunFatal(err))
		})
	}
}

func TestEnumerate_UsesCache(t *testing.T) {
	c := newCorpus(t)
	store := cache.NewMemoryCache(time.Hour, time.Minute)
	e := NewEnumerator(c.config(), store, nil)

	first, err := e.Enumerate(context.Background(), model.ModeBulkArchive, "")
	require.NoError(t, err)
	served := c.requests.Load()
	assert.Equal(t, int32(2), served)

	second, err := e.Enumerate(context.Background(), model.ModeBulkArchive, "")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, served, c.requests.Load(), "second enumeration must be served from cache")
}
