package jobs

import "errors"

var (
	ErrInvalidJobID   = errors.New("invalid job id")
	ErrJobNotFound    = errors.New("job not found")
	ErrJobBusy        = errors.New("job is busy")
	ErrInvalidState   = errors.New("invalid job state")
	ErrInvalidInput   = errors.New("invalid input")
	ErrSizeMismatch   = errors.New("size mismatch")
	ErrOffsetMismatch = errors.New("offset mismatch")
	ErrUploadTooLarge = errors.New("upload exceeds size limit")
	ErrNoValidEntry   = errors.New("archive has no importable entry")
)

// Machine-readable reasons recorded on jobs that end in error
const (
	ReasonUnsupportedFormat = "unsupported_format"
	ReasonUnreadableInput   = "unreadable_input"
	ReasonNoValidEntry      = "no_valid_entry"
	ReasonTooManyEntries    = "too_many_entries"
	ReasonStatementFailed   = "statement_failed"
	ReasonObjectFetchFailed = "object_fetch_failed"
)
