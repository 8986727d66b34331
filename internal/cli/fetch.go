package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/numberforty/cc-codex-crawler/internal/llm"
	"github.com/numberforty/cc-codex-crawler/internal/metrics"
	"github.com/numberforty/cc-codex-crawler/internal/model"
	"github.com/numberforty/cc-codex-crawler/internal/orchestrator"
	"github.com/numberforty/cc-codex-crawler/internal/rules"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	rulesFile   string
	summaryJSON string
	noCache     bool
)

// fetchCmd represents the fetch command
var fetchCmd = &cobra.Command{
	Use:   "fetch [location]",
	Short: "Select records from Common Crawl sources and write matching payloads",
	Long: `Fetch enumerates the sources of a crawl, streams their records through
the rule set and writes accepted payloads to the output directory as
000000.<ext>, 000001.<ext>, ... until the quota is reached.

Modes:
  bulk-archive   stream WARC archives listed in warc.paths.gz
  index-shard    read CDX shards from cc-index.paths.gz, range-fetch matches
  index-api      query the CDX server for the first --extensions entry
  local-file     stream .warc/.warc.gz/.arc.gz files from a directory

The location is a crawl ID (CC-MAIN-2024-10), a listing file or URL, or a
local directory. Without one the latest crawl is used.

Example:
  ccfetch fetch CC-MAIN-2024-10 --extensions .mp3 --quota 50
  ccfetch fetch --mode local-file ./warcs --rules rules.yaml --dry-run
  ccfetch fetch --mode index-shard --data-dir /mnt/cc --workers 8 --json summary.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)

	f := fetchCmd.Flags()

	// Source flags
	f.String("mode", string(model.ModeIndexShard), "source mode (bulk-archive, index-shard, index-api, local-file)")
	f.String("base-url", model.DefaultBaseURL, "data base URL")
	f.String("index-url", model.DefaultIndexURL, "index server URL")
	f.String("data-dir", "", "directory with local copies of archives referenced by index records")
	f.Int("max-sources", 0, "process at most this many sources (0 = all)")

	// Selection flags
	f.StringVar(&rulesFile, "rules", "", "rule set file (JSON or YAML); overrides record_selector")
	f.StringSlice("extensions", nil, "accepted URL extensions, e.g. .mp3,.ogg")
	f.String("category", "", "accepted content-type prefix (default: family of the first extension)")
	f.Int64("max-payload-bytes", 64<<20, "skip payloads larger than this")
	f.Int("samples", 0, "stop accepting an extension after this many artifacts (0 = no cap)")
	f.Int("quota", 1000, "stop after this many accepted artifacts (0 = unlimited)")
	f.Bool("dry-run", false, "report matches without fetching or writing")

	// Output flags
	f.StringP("output-dir", "o", "./output", "directory for accepted payloads")
	f.StringVar(&summaryJSON, "json", "", "write the run summary as JSON to this path")

	// Concurrency and rate flags
	f.Int("workers", 4, "concurrent fetches")
	f.Int("readers", 1, "sources read concurrently")
	f.Int("queue-size", 0, "fetch queue depth (0 = 2x workers)")
	f.Duration("rate-limit", time.Second, "minimum interval between fetch attempts per worker")
	f.Bool("respect-robots", false, "honor robots.txt disallow and crawl-delay for the data host")

	// HTTP flags
	f.Duration("timeout", 30*time.Second, "timeout per range fetch")
	f.String("ua", "", "HTTP User-Agent")
	f.String("http-proxy", "", "HTTP proxy URL (overrides HTTP_PROXY env var)")
	f.String("https-proxy", "", "HTTPS proxy URL (overrides HTTPS_PROXY env var)")
	f.BoolVar(&noCache, "no-cache", false, "disable the catalog and listing cache")

	// Post-processing and metrics
	f.Bool("llm", false, "write an LLM description next to text-like artifacts (needs OPENAI_API_KEY)")
	f.String("llm-model", "", "LLM model name")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")

	for flag, key := range fetchFlagKeys {
		_ = viper.BindPFlag(key, f.Lookup(flag))
	}
}

// fetchFlagKeys maps fetch flags onto configuration keys
var fetchFlagKeys = map[string]string{
	"mode":              "mode",
	"base-url":          "base_url",
	"index-url":         "index_url",
	"data-dir":          "data_dir",
	"max-sources":       "max_sources",
	"extensions":        "filter.extensions",
	"category":          "filter.category",
	"max-payload-bytes": "filter.max_payload_bytes",
	"samples":           "filter.per_extension",
	"quota":             "quota",
	"dry-run":           "dry_run",
	"output-dir":        "output_dir",
	"workers":           "concurrency.workers",
	"readers":           "concurrency.readers",
	"queue-size":        "concurrency.queue_size",
	"rate-limit":        "rate_limiting.min_interval",
	"respect-robots":    "rate_limiting.respect_robots",
	"timeout":           "http.timeout",
	"ua":                "http.user_agent",
	"http-proxy":        "http.http_proxy",
	"https-proxy":       "http.https_proxy",
	"llm":               "llm.enabled",
	"llm-model":         "llm.model",
	"metrics-addr":      "metrics.addr",
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return err
	}
	if len(args) == 1 {
		cfg.Location = args[0]
	}
	if noCache {
		cfg.Cache.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	rs, err := loadRules(rulesFile, cfg.RecordSelector)
	if err != nil {
		return err
	}

	logger, err := newLogger(logFormat, verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector(logger)
	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, collector, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(collector),
	}

	if !cfg.DryRun {
		provider, err := llm.NewProvider(cfg, logger)
		if err != nil {
			return fmt.Errorf("llm setup failed: %w", err)
		}
		if provider != nil {
			opts = append(opts, orchestrator.WithPostProcessor(llm.NewAnnotator(provider, logger)))
		}
	}

	stderr := cmd.ErrOrStderr()
	printBanner(stderr, cfg, rs)

	summary, runErr := orchestrator.New(cfg, rs, opts...).Run(ctx)
	if summary != nil {
		printSummary(stderr, summary)
		if summaryJSON != "" {
			if err := writeSummary(summaryJSON, summary); err != nil {
				return err
			}
		}
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			return fmt.Errorf("run interrupted")
		}
		return fmt.Errorf("run aborted: %w", runErr)
	}
	return nil
}

// serveMetrics exposes the collector for the lifetime of the run
func serveMetrics(addr string, c *metrics.Collector, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return srv
}

func printBanner(w io.Writer, cfg *model.Config, rs *rules.RuleSet) {
	location := cfg.Location
	if location == "" {
		location = "(latest crawl)"
	}
	quota := fmt.Sprintf("%d", cfg.Quota)
	if cfg.Quota == 0 {
		quota = "unlimited"
	}

	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(w, "  ccfetch %s\n", Version)
	fmt.Fprintf(w, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "  Mode:         %s\n", cfg.Mode)
	fmt.Fprintf(w, "  Location:     %s\n", location)
	fmt.Fprintf(w, "  Rules:        %s\n", rs)
	if len(cfg.Filter.Extensions) > 0 {
		fmt.Fprintf(w, "  Extensions:   %s\n", strings.Join(cfg.Filter.Extensions, ", "))
	}
	fmt.Fprintf(w, "  Quota:        %s\n", quota)
	fmt.Fprintf(w, "  Workers:      %d\n", cfg.Concurrency.Workers)
	if cfg.DryRun {
		fmt.Fprintf(w, "  Dry run:      no files will be written\n")
	} else {
		fmt.Fprintf(w, "  Output dir:   %s\n", cfg.OutputDir)
	}
	fmt.Fprintf(w, "\n")
}

func printSummary(w io.Writer, s *model.Summary) {
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(w, "  Run Summary\n")
	fmt.Fprintf(w, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "  Run ID:              %s\n", s.RunID)
	fmt.Fprintf(w, "  Sources processed:   %d / %d\n", s.SourcesProcessed, s.SourcesTotal)
	if s.SourcesFailed > 0 {
		fmt.Fprintf(w, "  Sources failed:      %d\n", s.SourcesFailed)
	}
	fmt.Fprintf(w, "  Records evaluated:   %d\n", s.RecordsEvaluated)
	fmt.Fprintf(w, "  Accepted:            %d\n", s.Accepted)
	fmt.Fprintf(w, "  Skipped by rule:     %d\n", s.SkippedByRule)
	fmt.Fprintf(w, "  Skipped by filter:   %d\n", s.SkippedByFilter)
	fmt.Fprintf(w, "  Fetch failures:      %d\n", s.SkippedByFetchFailure)
	fmt.Fprintf(w, "  Quota met:           %v\n", s.QuotaMet)
	fmt.Fprintf(w, "  Duration:            %v\n", s.Duration.Round(time.Millisecond))

	for _, src := range s.Sources {
		if src.State == model.SourceFailed {
			fmt.Fprintf(w, "  ✗ %s: %s\n", src.ID, src.Error)
		}
	}

	if s.DryRun && len(s.Matches) > 0 {
		fmt.Fprintf(w, "\n  Matches:\n")
		for _, m := range s.Matches {
			fmt.Fprintf(w, "    %s  (%s @ %d)\n", m.URL, m.SourceID, m.Offset)
		}
	}
	fmt.Fprintf(w, "\n")
}

func writeSummary(path string, s *model.Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}
