package storage

import (
	"context"
	"errors"
	"io"

	"github.com/prometheus/client_golang/prometheus"
)

type instrumentedStore struct {
	Store
	ops *prometheus.CounterVec
}

// Instrument counts every backend call in ops, labelled by op and result.
func Instrument(s Store, ops *prometheus.CounterVec) Store {
	return &instrumentedStore{Store: s, ops: ops}
}

func (s *instrumentedStore) observe(op string, err error) {
	result := "ok"
	if errors.Is(err, ErrNotFound) {
		result = "not_found"
	} else if errors.Is(err, context.Canceled) {
		result = "canceled"
	} else if err != nil {
		result = "error"
	}
	s.ops.WithLabelValues(op, result).Inc()
}

func (s *instrumentedStore) Get(ctx context.Context, key string) (*Object, error) {
	obj, err := s.Store.Get(ctx, key)
	s.observe("get", err)
	return obj, err
}

func (s *instrumentedStore) Head(ctx context.Context, key string) (ObjMeta, error) {
	meta, err := s.Store.Head(ctx, key)
	s.observe("head", err)
	return meta, err
}

func (s *instrumentedStore) GetRange(ctx context.Context, key string, off, length int64) (io.ReadCloser, error) {
	body, err := s.Store.GetRange(ctx, key, off, length)
	s.observe("get_range", err)
	return body, err
}
