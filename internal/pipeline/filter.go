package pipeline

import (
	"mime"
	"net/url"
	"strings"

	"github.com/numberforty/cc-codex-crawler/internal/model"
)

// knownTypes covers the media extensions the corpus is usually mined for.
// The system MIME table is consulted for everything else.
var knownTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
	".m4a":  "audio/mp4",
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".avi":  "video/x-msvideo",
	".pdf":  "application/pdf",
	".zip":  "application/zip",
}

// TypeByExtension returns the media type of an extension, or ""
func TypeByExtension(ext string) string {
	ext = strings.ToLower(ext)
	if t, ok := knownTypes[ext]; ok {
		return t
	}
	return mime.TypeByExtension(ext)
}

// Filter restricts payloads by URL extension and content-type category
type Filter struct {
	Extensions []string // Lower-case, with the leading dot
	Category   string   // Lower-case content-type prefix, "" accepts any
}

// NewFilter builds the filter of a run. Without an explicit category the
// type family of the first extension is used, so ".mp3" implies "audio/".
func NewFilter(cfg model.FilterConfig) Filter {
	f := Filter{Category: strings.ToLower(cfg.Category)}
	for _, ext := range cfg.Extensions {
		f.Extensions = append(f.Extensions, strings.ToLower(ext))
	}

	if f.Category == "" && len(f.Extensions) > 0 {
		if family, _, ok := strings.Cut(TypeByExtension(f.Extensions[0]), "/"); ok {
			f.Category = family + "/"
		}
	}
	return f
}

// MatchURL reports whether the URL path ends in an accepted extension and
// returns that extension. With no extensions configured every URL passes.
func (f Filter) MatchURL(rawURL string) (string, bool) {
	if len(f.Extensions) == 0 {
		return "", true
	}

	p := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		p = u.Path
	}
	p = strings.ToLower(p)

	for _, ext := range f.Extensions {
		if strings.HasSuffix(p, ext) {
			return ext, true
		}
	}
	return "", false
}

// MatchContentType reports whether a declared content type is in the
// category. An empty content type never matches a category.
func (f Filter) MatchContentType(contentType string) bool {
	if f.Category == "" {
		return true
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), f.Category)
}
