// Package source resolves a mode and location hint into the ordered list of
// sources a run will read.
package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/numberforty/cc-codex-crawler/internal/cache"
	"github.com/numberforty/cc-codex-crawler/internal/model"
	"github.com/numberforty/cc-codex-crawler/internal/retry"
	"github.com/numberforty/cc-codex-crawler/internal/util"
	"go.uber.org/zap"
)

// enumerateSleepFunc is swapped out in tests
var enumerateSleepFunc retry.SleepFunc = retry.Sleep

// Listing file names under crawl-data/<crawl>/
const (
	archiveListing = "warc.paths.gz"
	indexListing   = "cc-index.paths.gz"
)

// localSuffixes are the archive files picked up in local-file mode
var localSuffixes = []string{".warc.gz", ".warc", ".arc.gz"}

// maxListingBytes bounds a decompressed path listing
const maxListingBytes = 256 << 20

// CatalogEntry is one crawl in collinfo.json
type CatalogEntry struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	CDXAPI string `json:"cdx-api"`
}

// Enumerator produces source sequences. It holds no per-run state, so each
// call to Enumerate starts from scratch.
type Enumerator struct {
	client     *http.Client
	baseURL    string
	indexURL   string
	userAgent  string
	extensions []string
	maxSources int
	policy     retry.Policy
	store      cache.Cache
	ttl        time.Duration
	logger     *zap.Logger
}

// NewEnumerator creates an enumerator. store may be nil to disable caching.
func NewEnumerator(cfg *model.Config, store cache.Cache, logger *zap.Logger) *Enumerator {
	if store == nil {
		store = cache.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enumerator{
		client:     util.NewHTTPClient(cfg.HTTP, cfg.HTTP.Timeout),
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		indexURL:   strings.TrimRight(cfg.IndexURL, "/"),
		userAgent:  cfg.HTTP.UserAgent,
		extensions: cfg.Filter.Extensions,
		maxSources: cfg.MaxSources,
		policy:     retry.FromConfig(cfg.Retry),
		store:      store,
		ttl:        cfg.Cache.TTL,
		logger:     logger.With(zap.String("component", "source")),
	}
}

// Enumerate resolves hint for mode. The hint is a crawl ID, a listing
// location, or a directory in local-file mode; an empty hint selects the
// newest crawl in the catalog.
func (e *Enumerator) Enumerate(ctx context.Context, mode model.Mode, hint string) ([]model.Source, error) {
	var (
		sources []model.Source
		err     error
	)

	switch mode {
	case model.ModeLocalFile:
		sources, err = e.localFiles(hint, mode)
	case model.ModeIndexAPI:
		sources, err = e.indexQuery(ctx, hint, mode)
	case model.ModeBulkArchive:
		sources, err = e.listing(ctx, hint, archiveListing, mode, nil)
	case model.ModeIndexShard:
		sources, err = e.listing(ctx, hint, indexListing, mode, isCDXShard)
	default:
		return nil, &model.SourceResolutionError{Location: hint, Message: fmt.Sprintf("unsupported mode %q", mode)}
	}
	if err != nil {
		return nil, err
	}

	if e.maxSources > 0 && len(sources) > e.maxSources {
		sources = sources[:e.maxSources]
	}

	e.logger.Info("sources enumerated",
		zap.String("mode", mode.String()),
		zap.String("hint", hint),
		zap.Int("count", len(sources)),
	)
	return sources, nil
}

func (e *Enumerator) localFiles(dir string, mode model.Mode) ([]model.Source, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &model.SourceResolutionError{Location: dir, Message: "read directory", Cause: err}
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if hasAnySuffix(entry.Name(), localSuffixes) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	if len(names) == 0 {
		return nil, &model.SourceResolutionError{Location: dir, Message: "no archive files found"}
	}

	sources := make([]model.Source, len(names))
	for i, name := range names {
		sources[i] = model.Source{ID: filepath.Join(dir, name), Mode: mode}
	}
	return sources, nil
}

func (e *Enumerator) indexQuery(ctx context.Context, hint string, mode model.Mode) ([]model.Source, error) {
	if len(e.extensions) == 0 {
		return nil, &model.SourceResolutionError{Location: hint, Message: "index-api mode needs an extension to query"}
	}

	crawl, err := e.resolveCrawl(ctx, hint)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("url", "*"+e.extensions[0])
	q.Set("output", "json")
	query := fmt.Sprintf("%s/%s-index?%s", e.indexURL, crawl, q.Encode())
	return []model.Source{{ID: query, Mode: mode}}, nil
}

func (e *Enumerator) listing(ctx context.Context, hint, listingName string, mode model.Mode, keep func(string) bool) ([]model.Source, error) {
	location := hint
	if !isListingHint(hint) {
		crawl, err := e.resolveCrawl(ctx, hint)
		if err != nil {
			return nil, err
		}
		location = fmt.Sprintf("%s/crawl-data/%s/%s", e.baseURL, crawl, listingName)
	}

	lines, local, err := e.readListing(ctx, location)
	if err != nil {
		return nil, err
	}

	var sources []model.Source
	for _, entry := range lines {
		if keep != nil && !keep(entry) {
			continue
		}
		sources = append(sources, model.Source{ID: e.resolveEntry(entry, local), Mode: mode})
	}

	if len(sources) == 0 {
		return nil, &model.SourceResolutionError{Location: location, Message: "empty listing"}
	}
	return sources, nil
}

// resolveCrawl returns hint, or the first crawl in the catalog when hint is
// empty
func (e *Enumerator) resolveCrawl(ctx context.Context, hint string) (string, error) {
	if hint != "" {
		return hint, nil
	}

	catalogURL := e.indexURL + "/collinfo.json"
	data, err := e.fetch(ctx, "catalog", catalogURL)
	if err != nil {
		return "", &model.SourceResolutionError{Location: catalogURL, Message: "fetch crawl catalog", Cause: err}
	}

	var entries []CatalogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		_ = e.store.Delete(cache.Key("catalog", catalogURL))
		return "", &model.SourceResolutionError{Location: catalogURL, Message: "decode crawl catalog", Cause: err}
	}
	if len(entries) == 0 || entries[0].ID == "" {
		return "", &model.SourceResolutionError{Location: catalogURL, Message: "crawl catalog is empty"}
	}

	e.logger.Info("using latest crawl", zap.String("crawl", entries[0].ID), zap.String("name", entries[0].Name))
	return entries[0].ID, nil
}

// readListing returns the non-empty lines of a path listing and whether it
// was read from the local filesystem
func (e *Enumerator) readListing(ctx context.Context, location string) ([]string, bool, error) {
	var (
		data  []byte
		err   error
		local bool
	)

	if _, statErr := os.Stat(location); statErr == nil {
		local = true
		data, err = os.ReadFile(location)
	} else {
		target := location
		if !isURL(target) {
			target = e.baseURL + "/" + strings.TrimLeft(target, "/")
		}
		data, err = e.fetch(ctx, "listing", target)
	}
	if err != nil {
		return nil, false, &model.SourceResolutionError{Location: location, Message: "read listing", Cause: err}
	}

	lines, err := splitListing(data)
	if err != nil {
		return nil, false, &model.SourceResolutionError{Location: location, Message: "decode listing", Cause: err}
	}
	return lines, local, nil
}

// resolveEntry turns a listing entry into a source ID. Entries of a local
// listing that name existing files stay local paths.
func (e *Enumerator) resolveEntry(entry string, localListing bool) string {
	if isURL(entry) {
		return entry
	}
	if localListing {
		if _, err := os.Stat(entry); err == nil {
			return entry
		}
	}
	return e.baseURL + "/" + strings.TrimLeft(entry, "/")
}

// fetch downloads a small document through the cache, retrying transient
// failures
func (e *Enumerator) fetch(ctx context.Context, namespace, rawURL string) ([]byte, error) {
	data, hit, err := cache.GetOrLoad(e.store, cache.Key(namespace, rawURL), e.ttl, func() ([]byte, error) {
		var body []byte
		err := retry.Do(ctx, e.policy, enumerateSleepFunc, func(attempt int) error {
			req, err := util.NewGetRequest(ctx, rawURL, e.userAgent)
			if err != nil {
				return err
			}

			resp, err := e.client.Do(req)
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				e.logger.Warn("request failed", zap.String("url", rawURL), zap.Int("attempt", attempt), zap.Error(err))
				return retry.Retryable(fmt.Errorf("fetch: %w", err))
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != http.StatusOK {
				serr := fmt.Errorf("unexpected status: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
				if util.IsRetryableStatus(resp.StatusCode) {
					e.logger.Warn("request failed", zap.String("url", rawURL), zap.Int("attempt", attempt), zap.Int("status", resp.StatusCode))
					return retry.Retryable(serr)
				}
				return serr
			}

			body, err = io.ReadAll(io.LimitReader(resp.Body, maxListingBytes))
			if err != nil {
				return retry.Retryable(fmt.Errorf("read body: %w", err))
			}
			return nil
		})
		return body, err
	})
	if err != nil {
		return nil, err
	}

	e.logger.Debug("document loaded", zap.String("url", rawURL), zap.Bool("cached", hit), zap.Int("bytes", len(data)))
	return data, nil
}

// splitListing decompresses a listing if needed and returns its entries
func splitListing(data []byte) ([]string, error) {
	var r io.Reader = bytes.NewReader(data)
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = io.LimitReader(zr, maxListingBytes)
	}

	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// isListingHint reports whether hint names a listing rather than a crawl
func isListingHint(hint string) bool {
	if hint == "" {
		return false
	}
	if strings.HasSuffix(hint, ".paths.gz") || strings.HasSuffix(hint, ".paths") {
		return true
	}
	info, err := os.Stat(hint)
	return err == nil && !info.IsDir()
}

func isCDXShard(entry string) bool {
	base := path.Base(entry)
	return strings.HasPrefix(base, "cdx-") && strings.HasSuffix(base, ".gz")
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func hasAnySuffix(name string, suffixes []string) bool {
	for _, s := range suffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}
