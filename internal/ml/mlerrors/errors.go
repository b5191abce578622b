// Package mlerrors defines the typed error taxonomy for the predictive
// subsystem. Training and evaluation callers are expected to inspect these
// with errors.Is/errors.As; prediction entry points convert them into
// degraded results instead of surfacing them.
package mlerrors

import (
	"errors"
	"fmt"
)

// StorageKind classifies object storage failures.
type StorageKind int

const (
	// StorageNotFound means the requested key does not exist.
	StorageNotFound StorageKind = iota
	// StorageTransient covers network and service errors that were retried
	// and still failed.
	StorageTransient
	// StorageConfig means the backing store is not configured (no bucket).
	StorageConfig
	// StoragePermission means the store rejected the credentials.
	StoragePermission
)

func (k StorageKind) String() string {
	switch k {
	case StorageNotFound:
		return "not_found"
	case StorageTransient:
		return "transient"
	case StorageConfig:
		return "config"
	case StoragePermission:
		return "permission"
	}
	return "unknown"
}

// StorageError wraps a failed object store operation.
type StorageError struct {
	Kind StorageKind
	Op   string
	Key  string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage %s: %s %q: %v", e.Kind, e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("storage %s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError builds a StorageError; err may be nil for config errors.
func NewStorageError(kind StorageKind, op, key string, err error) *StorageError {
	if err == nil {
		err = errors.New(kind.String())
	}
	return &StorageError{Kind: kind, Op: op, Key: key, Err: err}
}

// IsStorageKind reports whether err is a StorageError of the given kind.
func IsStorageKind(err error, kind StorageKind) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == kind
}

// ErrInsufficientData is training's expected, recoverable outcome when the
// qualifying sample count is below the configured minimum. Callers treat it
// as "no model produced", not as a failure.
var ErrInsufficientData = errors.New("insufficient training data")

// DeserializationError indicates a corrupt or incompatible stored artifact.
type DeserializationError struct {
	Key string
	Err error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("deserialize artifact %q: %v", e.Key, e.Err)
}

func (e *DeserializationError) Unwrap() error { return e.Err }

// UnknownModelError is returned when a model id has no registry record.
type UnknownModelError struct {
	ID string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("unknown model: %s", e.ID)
}
