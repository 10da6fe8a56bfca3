package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrInvalidRange       = sterrors.New("tierflow: range lower bound exceeds upper bound")
	ErrRangeKindMismatch  = sterrors.New("tierflow: cannot join ranges of different kinds")
	ErrMergeRejected      = sterrors.New("tierflow: change set cannot mix range kinds")
	ErrInvalidChangeSet   = sterrors.New("tierflow: change set contains overlapping ranges")
	ErrUnknownRangeKind   = sterrors.New("tierflow: unknown range kind")
	ErrUnknownMessageKind = sterrors.New("tierflow: unknown message kind")
	ErrJobNotFound        = sterrors.New("tierflow: job is not active in the ledger")
	ErrChannelClosed      = sterrors.New("tierflow: channel closed")
	ErrLedgerRequired     = sterrors.New("tierflow: job ledger is required")
	ErrJobRequired        = sterrors.New("tierflow: domain job is required")
	ErrUnknownJob         = sterrors.New("tierflow: unknown job")
	ErrConfigRequired     = sterrors.New("tierflow: configuration is required")
	ErrLoggerRequired     = sterrors.New("tierflow: logger is required")
	ErrTopicRequired      = sterrors.New("tierflow: topic is required")
	ErrConnectionRequired = sterrors.New("tierflow: source and sink connections are required")
	ErrUnsupportedTable   = sterrors.New("tierflow: table not handled by this job")
	ErrUnsupportedRange   = sterrors.New("tierflow: range kind not handled by this job")
	ErrMissingFilter      = sterrors.New("tierflow: required filter is missing")
)

// StorageError reports a failed ledger or domain connection operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("tierflow: storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError wraps err with the failing operation name. A nil err yields nil.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// ConfigValidationError wraps the joined validation failures of a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "tierflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
