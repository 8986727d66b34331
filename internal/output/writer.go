// Package output stores accepted artifacts as numbered files.
package output

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/numberforty/cc-codex-crawler/internal/model"
	"go.uber.org/zap"
)

// FallbackExtension is used when nothing identifies the payload
const FallbackExtension = ".bin"

// preferredExt picks the usual extension where the MIME table lists several
var preferredExt = map[string]string{
	"audio/mpeg":      ".mp3",
	"audio/mp3":       ".mp3",
	"audio/wav":       ".wav",
	"audio/x-wav":     ".wav",
	"audio/flac":      ".flac",
	"audio/ogg":       ".ogg",
	"video/mp4":       ".mp4",
	"video/webm":      ".webm",
	"image/jpeg":      ".jpg",
	"text/html":       ".html",
	"text/plain":      ".txt",
	"application/pdf": ".pdf",
}

// Writer writes artifacts into one directory. Names are the zero padded
// acceptance index plus an extension, and existing files are never
// overwritten.
type Writer struct {
	dir    string
	logger *zap.Logger
}

// NewWriter creates a writer for dir. The directory is created on the
// first write.
func NewWriter(dir string, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{dir: dir, logger: logger.With(zap.String("component", "writer"))}
}

// Dir returns the output directory
func (w *Writer) Dir() string {
	return w.dir
}

// FileName returns the name an artifact is stored under
func FileName(a *model.Artifact) string {
	return fmt.Sprintf("%06d%s", a.Index, ResolveExtension(a))
}

// Write stores the artifact and returns its path. Any failure is a
// *model.WriteError.
func (w *Writer) Write(a *model.Artifact) (string, error) {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return "", &model.WriteError{Path: w.dir, Cause: err}
	}

	path := filepath.Join(w.dir, FileName(a))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", &model.WriteError{Path: path, Cause: err}
	}

	if _, err := f.Write(a.Data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", &model.WriteError{Path: path, Cause: err}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", &model.WriteError{Path: path, Cause: err}
	}

	w.logger.Debug("artifact written",
		zap.String("path", path),
		zap.Int("bytes", len(a.Data)),
		zap.String("url", a.URL))
	return path, nil
}

// ResolveExtension picks the file extension of an artifact: the extension
// the URL matched, then the declared content type, then the sniffed
// payload type, then FallbackExtension.
func ResolveExtension(a *model.Artifact) string {
	if a.Extension != "" {
		return a.Extension
	}
	if ext := extensionForType(a.ContentType); ext != "" {
		return ext
	}
	if len(a.Data) > 0 {
		if ext := mimetype.Detect(a.Data).Extension(); ext != "" {
			return ext
		}
	}
	return FallbackExtension
}

func extensionForType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	mt = strings.ToLower(mt)
	if mt == "application/octet-stream" {
		return ""
	}
	if ext, ok := preferredExt[mt]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mt); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}
