package model

import (
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Well-known record field names
const (
	FieldURL          = "url"
	FieldURLKey       = "urlkey"
	FieldTimestamp    = "timestamp"
	FieldStatus       = "status"
	FieldMime         = "mime"
	FieldMimeDetected = "mime-detected"
	FieldDigest       = "digest"
	FieldLength       = "length"
	FieldOffset       = "offset"
	FieldFilename     = "filename"
)

// ErrPayloadTooLarge is returned when a payload exceeds the configured cap
var ErrPayloadTooLarge = errors.New("payload exceeds size limit")

// Record is one parsed entry of a source, exposed as named fields.
//
// Archive records also carry the HTTP content type and a payload body. The
// body is only readable until the owning reader advances, so callers that
// keep a record past that point must call LoadPayload first.
type Record struct {
	Fields      map[string]string
	Source      Source
	Offset      int64  // Byte offset of the entry within the source
	ContentType string // Declared HTTP Content-Type (archive records only)
	Payload     []byte

	body io.Reader
}

// NewRecord creates a record for the given source
func NewRecord(src Source, offset int64, fields map[string]string) *Record {
	if fields == nil {
		fields = make(map[string]string)
	}
	return &Record{Fields: fields, Source: src, Offset: offset}
}

// Field returns the named field and whether it is present
func (r *Record) Field(name string) (string, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// URL returns the captured URL, or "" if the record has none
func (r *Record) URL() string {
	return r.Fields[FieldURL]
}

// Int64Field parses a numeric field such as offset or length
func (r *Record) Int64Field(name string) (int64, error) {
	v, ok := r.Fields[name]
	if !ok {
		return 0, fmt.Errorf("missing field %q", name)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %q: %w", name, err)
	}
	return n, nil
}

// SetBody attaches a lazily read payload body
func (r *Record) SetBody(body io.Reader) {
	r.body = body
}

// HasBody reports whether the record carries an inline payload
func (r *Record) HasBody() bool {
	return r.body != nil || r.Payload != nil
}

// LoadPayload reads the inline body into Payload, reading at most maxBytes.
// A maxBytes of zero or less disables the cap.
func (r *Record) LoadPayload(maxBytes int64) error {
	if r.Payload != nil || r.body == nil {
		return nil
	}
	body := r.body
	r.body = nil

	if maxBytes <= 0 {
		data, err := io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
		r.Payload = data
		return nil
	}

	data, err := io.ReadAll(io.LimitReader(body, maxBytes+1))
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return ErrPayloadTooLarge
	}
	r.Payload = data
	return nil
}
