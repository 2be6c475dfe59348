package errors

import (
	"errors"
	"fmt"
	"strings"
)

type ErrorType string

func (s ErrorType) String() string {
	return strings.ToLower(string(s))
}

const (
	ErrInternalError   ErrorType = "Internal Error"
	ErrNotFound        ErrorType = "Not Found"
	ErrAlreadyExists   ErrorType = "Resource Already Exists"
	ErrInvalidArgument ErrorType = "Invalid Argument"
	ErrFailedPrecond   ErrorType = "Failed Precondition"
)

type DomainError struct {
	ErrorType  ErrorType
	Entity     string
	Message    string
	WrappedErr error
}

func NewError(errType ErrorType, entity, msg string) *DomainError {
	return &DomainError{
		ErrorType: errType,
		Entity:    entity,
		Message:   msg,
	}
}

func NotFound(entity, msg string) *DomainError {
	return NewError(ErrNotFound, entity, msg)
}

func InvalidArgument(entity, msg string) *DomainError {
	return NewError(ErrInvalidArgument, entity, msg)
}

func AlreadyExists(entity, msg string) *DomainError {
	return NewError(ErrAlreadyExists, entity, msg)
}

func FailedPrecondition(entity, msg string) *DomainError {
	return NewError(ErrFailedPrecond, entity, msg)
}

func InternalError(entity, msg string, err error) *DomainError {
	return &DomainError{
		ErrorType:  ErrInternalError,
		Entity:     entity,
		Message:    msg,
		WrappedErr: err,
	}
}

// Wrap keeps err as the cause while recording the entity it surfaced from.
func Wrap(entity, msg string, err error) *DomainError {
	return &DomainError{
		ErrorType:  toErrorType(err),
		Entity:     entity,
		Message:    msg,
		WrappedErr: err,
	}
}

// WrapIfErr is a convenience for repository returns, nil stays nil.
func WrapIfErr(entity, msg string, err error) error {
	if err == nil {
		return nil
	}
	return Wrap(entity, msg, err)
}

func toErrorType(err error) ErrorType {
	var de *DomainError
	if errors.As(err, &de) {
		return de.ErrorType
	}
	return ErrInternalError
}

func IsErrorType(err error, errType ErrorType) bool {
	var de *DomainError
	if errors.As(err, &de) {
		return de.ErrorType == errType
	}
	return false
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%v for entity %v: %v", e.ErrorType.String(), e.Entity, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.WrappedErr
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}
