package service

import (
	"errors"
	"io/fs"
	"net/http"

	"github.com/projecteru2/vessel/cid"
	"github.com/projecteru2/vessel/disk"
	"github.com/projecteru2/vessel/instance"
	"github.com/projecteru2/vessel/registry"
)

// Kind classifies a service error for transport mapping.
type Kind string

const (
	KindArgument     Kind = "argument"
	KindPermission   Kind = "permission"
	KindIllegalState Kind = "illegal_state"
	KindExhausted    Kind = "exhausted"
	KindIO           Kind = "io"
	KindNotFound     Kind = "not_found"
	KindInternal     Kind = "internal"
)

// Error is the structured error surfaced over the API.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// HTTPStatus maps the error kind to an HTTP status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindArgument:
		return http.StatusBadRequest
	case KindPermission:
		return http.StatusForbidden
	case KindIllegalState:
		return http.StatusConflict
	case KindExhausted:
		return http.StatusInsufficientStorage
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// wrapErr converts package sentinel errors into transport errors. Anything
// unrecognized is an internal error.
func wrapErr(err error) *Error {
	var svcErr *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &svcErr):
		return svcErr
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, registry.ErrNotHeld), errors.Is(err, ErrUnknownHandle):
		return newError(KindNotFound, err.Error())
	case errors.Is(err, cid.ErrExhausted):
		return newError(KindExhausted, err.Error())
	case errors.Is(err, disk.ErrConflictingSpec), errors.Is(err, disk.ErrEmptySpec),
		errors.Is(err, disk.ErrInvalidSize), errors.Is(err, disk.ErrUnsupportedPartitionType):
		return newError(KindArgument, err.Error())
	case errors.Is(err, instance.ErrAlreadyStarted), errors.Is(err, instance.ErrNotRunning),
		errors.Is(err, instance.ErrInvalidTransition):
		return newError(KindIllegalState, err.Error())
	case errors.As(err, new(*fs.PathError)):
		return newError(KindIO, err.Error())
	default:
		return newError(KindInternal, err.Error())
	}
}
