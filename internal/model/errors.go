package model

import (
	"errors"
	"fmt"
)

// ErrReadTimeout is reported when a source stops producing bytes
var ErrReadTimeout = errors.New("read timeout")

// SourceResolutionError means the source sequence could not be produced.
// It aborts the run before any work starts.
type SourceResolutionError struct {
	Location string
	Message  string
	Cause    error
}

func (e *SourceResolutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("resolve sources %s: %s: %v", e.Location, e.Message, e.Cause)
	}
	return fmt.Sprintf("resolve sources %s: %s", e.Location, e.Message)
}

func (e *SourceResolutionError) Unwrap() error {
	return e.Cause
}

// RecordStreamError means one source could not be read to the end.
// Records yielded before the failure remain valid.
type RecordStreamError struct {
	Source  string
	Records int // Records yielded before the failure
	Message string
	Cause   error
}

func (e *RecordStreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("stream %s after %d records: %s: %v", e.Source, e.Records, e.Message, e.Cause)
	}
	return fmt.Sprintf("stream %s after %d records: %s", e.Source, e.Records, e.Message)
}

func (e *RecordStreamError) Unwrap() error {
	return e.Cause
}

// FetchError is a failed retrieval of one record's payload
type FetchError struct {
	URL        string
	StatusCode int  // HTTP status, 0 for transport errors
	Retryable  bool // Transient class; set on the final error when retries ran out
	Attempts   int
	Message    string
	Cause      error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.URL, e.Message)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Attempts > 1 {
		msg = fmt.Sprintf("%s after %d attempts", msg, e.Attempts)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Cause
}

// WriteError is an output failure. It aborts the run.
type WriteError struct {
	Path  string
	Cause error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Path, e.Cause)
}

func (e *WriteError) Unwrap() error {
	return e.Cause
}

// RuleSetError is an invalid rule set document
type RuleSetError struct {
	Group   string
	Field   string
	Message string
	Cause   error
}

func (e *RuleSetError) Error() string {
	where := "rule set"
	if e.Group != "" {
		where = fmt.Sprintf("rule set %s", e.Group)
		if e.Field != "" {
			where = fmt.Sprintf("%s.%s", where, e.Field)
		}
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", where, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", where, e.Message)
}

func (e *RuleSetError) Unwrap() error {
	return e.Cause
}

// ConfigError is a contradictory or invalid run configuration
type ConfigError struct {
	Field   string
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Field == "" {
		return fmt.Sprintf("config error: %s", msg)
	}
	return fmt.Sprintf("config error: '%s' %s", e.Field, msg)
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// IsRunFatal reports whether err must abort the whole run
func IsRunFatal(err error) bool {
	var sre *SourceResolutionError
	var we *WriteError
	var rse *RuleSetError
	var ce *ConfigError
	return errors.As(err, &sre) || errors.As(err, &we) || errors.As(err, &rse) || errors.As(err, &ce)
}
