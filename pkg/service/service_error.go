package service

import (
	"context"
	"errors"
	"net/http"

	"github.com/sepich/nix-cache-proxy/pkg/address"
	"github.com/sepich/nix-cache-proxy/pkg/storage"
)

type ErrorKind int

const (
	// MalformedIdentifier is reported as not found so probing the URL space reveals nothing.
	MalformedIdentifier ErrorKind = iota + 1
	ObjectNotFound
	StorageFault
	RangeUnsatisfiable
)

func (k ErrorKind) String() string {
	switch k {
	case MalformedIdentifier:
		return "malformed identifier"
	case ObjectNotFound:
		return "object not found"
	case StorageFault:
		return "storage fault"
	case RangeUnsatisfiable:
		return "range not satisfiable"
	default:
		return "unknown"
	}
}

type RequestError struct {
	Kind ErrorKind
	Key  string // Empty for MalformedIdentifier
	Err  error
}

func (e *RequestError) Error() string {
	msg := e.Kind.String()
	if e.Key != "" {
		msg += " " + e.Key
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Is matches any *RequestError of the same kind.
func (e *RequestError) Is(tgt error) bool {
	t, ok := tgt.(*RequestError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// StatusCode is the HTTP status a client sees for the error.
func (e *RequestError) StatusCode() int {
	switch e.Kind {
	case MalformedIdentifier, ObjectNotFound:
		return http.StatusNotFound
	case RangeUnsatisfiable:
		return http.StatusRequestedRangeNotSatisfiable
	default:
		return http.StatusInternalServerError
	}
}

// classify sorts an error from parsing or storage into the taxonomy.
func classify(key string, err error) *RequestError {
	var reqErr *RequestError
	switch {
	case errors.As(err, &reqErr):
		return reqErr
	case errors.Is(err, address.ErrMalformedIdentifier):
		return &RequestError{Kind: MalformedIdentifier, Err: err}
	case errors.Is(err, storage.ErrNotFound):
		return &RequestError{Kind: ObjectNotFound, Key: key, Err: err}
	default:
		return &RequestError{Kind: StorageFault, Key: key, Err: err}
	}
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
