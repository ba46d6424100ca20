package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/sepich/nix-cache-proxy/pkg/address"
	"github.com/sepich/nix-cache-proxy/pkg/storage"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	testCases := []struct {
		name   string
		err    error
		kind   ErrorKind
		status int
	}{
		{name: "malformed", err: fmt.Errorf("%w: bad", address.ErrMalformedIdentifier), kind: MalformedIdentifier, status: http.StatusNotFound},
		{name: "not found", err: fmt.Errorf("key: %w", storage.ErrNotFound), kind: ObjectNotFound, status: http.StatusNotFound},
		{name: "fault", err: errors.New("connection reset"), kind: StorageFault, status: http.StatusInternalServerError},
		{name: "canceled", err: context.Canceled, kind: StorageFault, status: http.StatusInternalServerError},
		{name: "range", err: &RequestError{Kind: RangeUnsatisfiable}, kind: RangeUnsatisfiable, status: http.StatusRequestedRangeNotSatisfiable},
	}

	for _, tC := range testCases {
		t.Run(tC.name, func(t *testing.T) {
			reqErr := classify("key", tC.err)
			assert.Equal(t, tC.kind, reqErr.Kind)
			assert.Equal(t, tC.status, reqErr.StatusCode())
			assert.ErrorIs(t, reqErr, &RequestError{Kind: tC.kind})
		})
	}
}

func TestRequestErrorMessage(t *testing.T) {
	err := &RequestError{Kind: ObjectNotFound, Key: "nix-cache-info", Err: storage.ErrNotFound}
	assert.Equal(t, "object not found nix-cache-info: object not found", err.Error())
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.True(t, isCanceled(&RequestError{Kind: StorageFault, Err: context.Canceled}))
}
