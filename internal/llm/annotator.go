package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/numberforty/cc-codex-crawler/internal/model"
	"go.uber.org/zap"
)

// SummarySuffix is appended to an artifact path to name its annotation
const SummarySuffix = ".summary.md"

const defaultExcerptBytes = 4 << 10

// Annotator writes a description next to each text-like artifact
type Annotator struct {
	provider     Provider
	excerptBytes int
	logger       *zap.Logger
}

// NewAnnotator creates an annotator backed by provider
func NewAnnotator(provider Provider, logger *zap.Logger) *Annotator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Annotator{
		provider:     provider,
		excerptBytes: defaultExcerptBytes,
		logger:       logger.With(zap.String("component", "annotator")),
	}
}

// Process annotates one written artifact. Binary payloads are left alone.
func (a *Annotator) Process(ctx context.Context, art *model.Artifact, path string) error {
	if !IsTextLike(art.ContentType, art.Data) {
		return nil
	}

	resp, err := a.provider.Describe(ctx, DescribeRequest{
		URL:         art.URL,
		ContentType: art.ContentType,
		Excerpt:     excerpt(art.Data, a.excerptBytes),
	})
	if err != nil {
		return fmt.Errorf("describe %s: %w", path, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", art.URL)
	fmt.Fprintf(&b, "- Source: %s @ %d\n", art.SourceID, art.Offset)
	fmt.Fprintf(&b, "- Model: %s\n\n", resp.Model)
	b.WriteString(resp.Description)
	b.WriteString("\n")

	out := path + SummarySuffix
	f, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", out, err)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", out, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", out, err)
	}

	a.logger.Debug("artifact annotated", zap.String("path", out), zap.Int("tokens", resp.TokensUsed))
	return nil
}

// IsTextLike reports whether a payload is worth describing. The declared
// type decides when present; otherwise the bytes are sniffed.
func IsTextLike(contentType string, data []byte) bool {
	ct := strings.ToLower(contentType)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	ct = strings.TrimSpace(ct)

	switch {
	case strings.HasPrefix(ct, "text/"):
		return true
	case ct == "application/json", ct == "application/xml", ct == "application/xhtml+xml":
		return true
	case ct != "" && ct != "application/octet-stream":
		return false
	}

	if len(data) == 0 {
		return false
	}
	for m := mimetype.Detect(data); m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

// excerpt returns at most n bytes of data without a split rune at the end
func excerpt(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return strings.ToValidUTF8(string(data[:n]), "")
}
