package tasks

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("task not found")
	ErrForbidden      = errors.New("you do not have permission to modify this task")
	ErrSelfParent     = errors.New("a task cannot be its own parent")
	ErrParentCycle    = errors.New("a task cannot be moved under one of its own sub-tasks")
	ErrParentNotFound = errors.New("parent task not found")
)

// ValidationError describes rejected input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// StorageError wraps a failure of the underlying store. The transaction it
// happened in has been rolled back.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func isDomainError(err error) bool {
	var verr *ValidationError
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrSelfParent) ||
		errors.Is(err, ErrParentCycle) ||
		errors.Is(err, ErrParentNotFound) ||
		errors.As(err, &verr)
}

func storageError(op string, err error) error {
	if err == nil || isDomainError(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
