// Package storage is the read-only access layer over the bucket holding
// the binary cache.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when the key does not exist in the backend.
var ErrNotFound = errors.New("object not found")

// Store is implemented by every backend. Implementations must be safe for
// concurrent use.
type Store interface {
	Get(ctx context.Context, key string) (*Object, error)
	Head(ctx context.Context, key string) (ObjMeta, error)
	RangeGetter
}

// RangeGetter reads length bytes of key starting at off.
type RangeGetter interface {
	GetRange(ctx context.Context, key string, off, length int64) (io.ReadCloser, error)
}

type ObjMeta struct {
	Key          string
	SizeBytes    int64
	LastModified time.Time
}

// Object is an open object. Body must be closed by the caller.
type Object struct {
	ObjMeta
	Body io.ReadCloser
}
