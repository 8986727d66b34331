package shard

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/numberforty/cc-codex-crawler/internal/model"
)

// errSkipRecord moves warcReader on to the next record
var errSkipRecord = errors.New("skip record")

// warcReader yields the response records of a WARC archive. Compressed
// archives are read one gzip member at a time so each record's offset is
// the position of its member in the file, matching CDX offsets.
type warcReader struct {
	src    model.Source
	closer io.Closer
	raw    *countingReader
	file   *bufio.Reader

	compressed  bool
	gz          *gzip.Reader
	member      *bufio.Reader // Current member, nil between members
	memberBuf   *bufio.Reader
	memberStart int64

	pending io.Reader // Unread rest of the previous record block
	stats   Stats
	err     error
}

// NewWARCReader reads WARC records from rc, which may be a plain archive or
// a sequence of gzip members. The reader takes ownership of rc.
func NewWARCReader(src model.Source, rc io.ReadCloser) (Reader, error) {
	raw := &countingReader{r: rc}
	r := &warcReader{
		src:    src,
		closer: rc,
		raw:    raw,
		file:   bufio.NewReaderSize(raw, 64<<10),
	}

	magic, err := r.file.Peek(2)
	if err != nil && !errors.Is(err, io.EOF) {
		_ = rc.Close()
		return nil, streamError(src, 0, "read", err)
	}
	r.compressed = isGzip(magic)
	if !r.compressed {
		r.member = r.file
	}
	return r, nil
}

// pos is the number of bytes of the file consumed so far
func (r *warcReader) pos() int64 {
	return r.raw.n - int64(r.file.Buffered())
}

func (r *warcReader) Next() (*model.Record, error) {
	if r.err != nil {
		return nil, r.err
	}

	for {
		if r.pending != nil {
			if _, err := io.Copy(io.Discard, r.pending); err != nil {
				return nil, r.fail("read record block", err)
			}
			r.pending = nil
		}

		rec, err := r.readRecord()
		switch {
		case err == nil:
			r.stats.Records++
			return rec, nil
		case errors.Is(err, errSkipRecord):
			continue
		case errors.Is(err, io.EOF):
			r.err = io.EOF
			return nil, io.EOF
		default:
			return nil, r.fail("read record", err)
		}
	}
}

func (r *warcReader) fail(msg string, err error) error {
	if errors.Is(err, gzip.ErrChecksum) || errors.Is(err, gzip.ErrHeader) {
		msg = "decompress"
	}
	r.err = streamError(r.src, r.stats.Records, msg, err)
	return r.err
}

// nextMember positions the reader on the next gzip member
func (r *warcReader) nextMember() error {
	r.memberStart = r.pos()

	var err error
	if r.gz == nil {
		r.gz, err = gzip.NewReader(r.file)
	} else {
		err = r.gz.Reset(r.file)
	}
	if err != nil {
		return err
	}
	r.gz.Multistream(false)

	if r.memberBuf == nil {
		r.memberBuf = bufio.NewReader(r.gz)
	} else {
		r.memberBuf.Reset(r.gz)
	}
	r.member = r.memberBuf
	return nil
}

// readVersion reads up to and including the "WARC/x.y" line, returning the
// record offset. Blank separator lines are skipped.
func (r *warcReader) readVersion() (int64, error) {
	for {
		if r.compressed && r.member == nil {
			if err := r.nextMember(); err != nil {
				return 0, err
			}
		}

		offset := r.memberStart
		if !r.compressed {
			offset = r.pos()
		}

		line, err := r.member.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return 0, err
			}
			if strings.TrimSpace(line) != "" {
				return 0, io.ErrUnexpectedEOF
			}
			if !r.compressed {
				return 0, io.EOF
			}
			r.member = nil
			continue
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "WARC/") {
			return 0, fmt.Errorf("bad version line %q", truncate(line, 40))
		}
		return offset, nil
	}
}

func (r *warcReader) readRecord() (*model.Record, error) {
	offset, err := r.readVersion()
	if err != nil {
		return nil, err
	}

	hdr, err := textproto.NewReader(r.member).ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("read WARC headers: %w", err)
	}

	length, err := strconv.ParseInt(hdr.Get("Content-Length"), 10, 64)
	if err != nil || length < 0 {
		return nil, fmt.Errorf("bad WARC Content-Length %q", hdr.Get("Content-Length"))
	}
	block := io.LimitReader(r.member, length)
	r.pending = block

	uri := hdr.Get("WARC-Target-URI")
	if !strings.EqualFold(hdr.Get("WARC-Type"), "response") || uri == "" {
		return nil, errSkipRecord
	}

	resp, err := http.ReadResponse(bufio.NewReader(block), nil)
	if err != nil {
		// Not an HTTP exchange (dns:, truncated captures)
		r.stats.Malformed++
		return nil, errSkipRecord
	}

	// length is the WARC block length. Unlike a CDX length it does not
	// count gzip framing: the member's compressed size is only known once
	// its payload has been read, after the record is evaluated.
	fields := map[string]string{
		model.FieldURL:      uri,
		model.FieldStatus:   strconv.Itoa(resp.StatusCode),
		model.FieldLength:   strconv.FormatInt(length, 10),
		model.FieldOffset:   strconv.FormatInt(offset, 10),
		model.FieldFilename: r.src.ID,
	}
	if ts := warcTimestamp(hdr.Get("WARC-Date")); ts != "" {
		fields[model.FieldTimestamp] = ts
	}
	if mt := mediaType(resp.Header.Get("Content-Type")); mt != "" {
		fields[model.FieldMime] = mt
	}
	if detected := hdr.Get("WARC-Identified-Payload-Type"); detected != "" {
		fields[model.FieldMimeDetected] = mediaType(detected)
	}
	if digest := hdr.Get("WARC-Payload-Digest"); digest != "" {
		fields[model.FieldDigest] = strings.TrimPrefix(digest, "sha1:")
	}

	rec := model.NewRecord(r.src, offset, fields)
	rec.ContentType = resp.Header.Get("Content-Type")
	rec.SetBody(resp.Body)
	return rec, nil
}

func (r *warcReader) Stats() Stats {
	return r.stats
}

func (r *warcReader) Close() error {
	return r.closer.Close()
}

// ExtractResponse decodes the first response record of a WARC slice, such
// as the bytes addressed by a CDX record, and loads its payload.
func ExtractResponse(src model.Source, data []byte, maxBytes int64) (*model.Record, error) {
	reader, err := NewWARCReader(src, io.NopCloser(bytes.NewReader(data)))
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	rec, err := reader.Next()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("no response record in slice")
	}
	if err != nil {
		return nil, err
	}
	if err := rec.LoadPayload(maxBytes); err != nil {
		return nil, err
	}
	return rec, nil
}

// warcTimestamp converts a WARC-Date to the 14 digit CDX form
func warcTimestamp(date string) string {
	t, err := time.Parse(time.RFC3339Nano, date)
	if err != nil {
		return ""
	}
	return t.UTC().Format("20060102150405")
}

func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
		return strings.ToLower(strings.TrimSpace(mt))
	}
	return mt
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// countingReader counts bytes read from the underlying file
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
