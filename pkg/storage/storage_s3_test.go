package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const noSuchKey = `<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`

const accessDenied = `<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>AccessDenied</Code><Message>Access Denied</Message></Error>`

const emptyListing = `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/"><Name>cache</Name><KeyCount>0</KeyCount><MaxKeys>1</MaxKeys><IsTruncated>false</IsTruncated></ListBucketResult>`

// fakeS3 speaks just enough of the path-style S3 REST API for a read-only bucket.
func fakeS3(objects map[string][]byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
		if bucket != "cache" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if key == "" && r.URL.Query().Get("list-type") == "2" {
			w.Header().Set("Content-Type", "application/xml")
			_, _ = io.WriteString(w, emptyListing)
			return
		}
		if key == "forbidden" {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusForbidden)
			if r.Method != http.MethodHead {
				_, _ = io.WriteString(w, accessDenied)
			}
			return
		}

		data, ok := objects[key]
		if !ok {
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, noSuchKey)
			return
		}

		w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
		body := data
		status := http.StatusOK
		if rng := r.Header.Get("Range"); rng != "" {
			var start, end int
			if _, err := fmt.Sscanf(rng, "bytes=%d-%d", &start, &end); err != nil || end >= len(data) {
				w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
				return
			}
			body = data[start : end+1]
			status = http.StatusPartialContent
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(status)
		if r.Method != http.MethodHead {
			_, _ = w.Write(body)
		}
	}))
}

func newTestS3Store(t *testing.T, objects map[string][]byte) *S3Store {
	server := fakeS3(objects)
	t.Cleanup(server.Close)

	store, err := NewS3Store(context.Background(), S3Options{
		Bucket:          "cache",
		Region:          "us-east-1",
		Endpoint:        server.URL,
		UsePathStyle:    true,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	})
	require.NoError(t, err)
	return store
}

func TestS3Store(t *testing.T) {
	narinfo := []byte("StoreDir: /nix/store\n")
	store := newTestS3Store(t, map[string][]byte{
		"abc.narinfo": narinfo,
	})
	ctx := context.Background()

	t.Run("check", func(t *testing.T) {
		assert.NoError(t, store.Check(ctx))
		assert.Equal(t, "us-east-1", store.Region())
	})

	t.Run("get", func(t *testing.T) {
		obj, err := store.Get(ctx, "abc.narinfo")
		require.NoError(t, err)
		defer obj.Body.Close()
		assert.Equal(t, int64(len(narinfo)), obj.SizeBytes)
		read, err := io.ReadAll(obj.Body)
		require.NoError(t, err)
		assert.Equal(t, narinfo, read)
	})

	t.Run("head", func(t *testing.T) {
		meta, err := store.Head(ctx, "abc.narinfo")
		require.NoError(t, err)
		assert.Equal(t, int64(len(narinfo)), meta.SizeBytes)
		assert.Equal(t, 2006, meta.LastModified.Year())
	})

	t.Run("range", func(t *testing.T) {
		body, err := store.GetRange(ctx, "abc.narinfo", 10, 4)
		require.NoError(t, err)
		defer body.Close()
		read, err := io.ReadAll(body)
		require.NoError(t, err)
		assert.Equal(t, []byte("/nix"), read)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := store.Get(ctx, "missing.narinfo")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.Head(ctx, "missing.narinfo")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("forbidden", func(t *testing.T) {
		_, err := store.Get(ctx, "forbidden")
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotFound)
		_, err = store.Head(ctx, "forbidden")
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotFound)
	})
}

func TestNewS3StoreWithoutBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), S3Options{})
	assert.Error(t, err)
}
