package shard

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/numberforty/cc-codex-crawler/internal/model"
)

var errNoJSON = errors.New("no JSON object in line")

// cdxReader yields one record per CDX line. Lines look like
//
//	<urlkey> <timestamp> {"url": ..., "status": "200", ...}
//
// or hold the JSON object alone, as the index server returns them.
type cdxReader struct {
	src    model.Source
	closer io.Closer
	lines  *bufio.Reader
	pos    int64 // Offset of the next line in the decompressed stream
	stats  Stats
	err    error
}

// NewCDXReader reads CDX lines from rc, which may be gzip compressed.
// The reader takes ownership of rc.
func NewCDXReader(src model.Source, rc io.ReadCloser) (Reader, error) {
	stream, err := decompressed(bufio.NewReaderSize(rc, 64<<10))
	if err != nil {
		_ = rc.Close()
		return nil, streamError(src, 0, "gzip header", err)
	}
	return &cdxReader{
		src:    src,
		closer: rc,
		lines:  bufio.NewReaderSize(stream, 64<<10),
	}, nil
}

func (r *cdxReader) Next() (*model.Record, error) {
	if r.err != nil {
		return nil, r.err
	}

	for {
		line, err := r.lines.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			// A partial line before the failure is dropped
			r.err = streamError(r.src, r.stats.Records, "decompress", err)
			return nil, r.err
		}

		offset := r.pos
		r.pos += int64(len(line))

		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			fields, perr := ParseCDXLine(string(trimmed))
			if perr == nil {
				r.stats.Records++
				return model.NewRecord(r.src, offset, fields), nil
			}
			r.stats.Malformed++
		}

		if err != nil {
			r.err = io.EOF
			return nil, io.EOF
		}
	}
}

func (r *cdxReader) Stats() Stats {
	return r.stats
}

func (r *cdxReader) Close() error {
	return r.closer.Close()
}

// ParseCDXLine extracts the fields of one CDX line. The JSON object starts
// at the first '{'. A line with trailing garbage is repaired once by cutting
// it after the last '}'. Tokens before the object fill in urlkey and
// timestamp when the object lacks them.
func ParseCDXLine(line string) (map[string]string, error) {
	start := strings.IndexByte(line, '{')
	if start < 0 {
		return nil, errNoJSON
	}

	js := strings.TrimSpace(line[start:])
	fields, err := decodeObject(js)
	if err != nil {
		end := strings.LastIndexByte(js, '}')
		if end < 0 {
			return nil, err
		}
		if fields, err = decodeObject(js[:end+1]); err != nil {
			return nil, err
		}
	}

	prefix := strings.Fields(line[:start])
	if _, ok := fields[model.FieldURLKey]; !ok && len(prefix) > 0 {
		fields[model.FieldURLKey] = prefix[0]
	}
	if _, ok := fields[model.FieldTimestamp]; !ok && len(prefix) > 1 {
		fields[model.FieldTimestamp] = prefix[1]
	}
	return fields, nil
}

// decodeObject decodes a flat JSON object into string fields. Nested
// values keep their JSON text; nulls are dropped.
func decodeObject(js string) (map[string]string, error) {
	dec := json.NewDecoder(strings.NewReader(js))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode line: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("decode line: trailing data")
	}

	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		switch x := v.(type) {
		case nil:
		case string:
			fields[k] = x
		case json.Number:
			fields[k] = x.String()
		case bool:
			fields[k] = fmt.Sprintf("%t", x)
		default:
			b, err := json.Marshal(x)
			if err != nil {
				return nil, fmt.Errorf("decode line: field %s: %w", k, err)
			}
			fields[k] = string(b)
		}
	}
	return fields, nil
}
