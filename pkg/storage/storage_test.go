package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeObject(t *testing.T, dir, key string, contents []byte) {
	p := filepath.Join(dir, filepath.FromSlash(key))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, contents, 0644))
}

func TestFileStore(t *testing.T) {
	tmpDir := t.TempDir()
	contents := []byte("StoreDir: /nix/store\n")
	writeObject(t, tmpDir, "nar/abc.nar.xz", contents)
	require.NoError(t, os.MkdirAll(filepath.Join(tmpDir, "nar", "dir.nar"), 0755))

	store := &FileStore{CacheDirectory: tmpDir}
	ctx := context.Background()

	t.Run("get", func(t *testing.T) {
		obj, err := store.Get(ctx, "nar/abc.nar.xz")
		require.NoError(t, err)
		defer obj.Body.Close()
		assert.Equal(t, int64(len(contents)), obj.SizeBytes)
		assert.Equal(t, "nar/abc.nar.xz", obj.Key)

		read, err := io.ReadAll(obj.Body)
		require.NoError(t, err)
		assert.Equal(t, contents, read)
	})

	t.Run("head", func(t *testing.T) {
		meta, err := store.Head(ctx, "nar/abc.nar.xz")
		require.NoError(t, err)
		assert.Equal(t, int64(len(contents)), meta.SizeBytes)
		assert.False(t, meta.LastModified.IsZero())
	})

	t.Run("range", func(t *testing.T) {
		body, err := store.GetRange(ctx, "nar/abc.nar.xz", 10, 6)
		require.NoError(t, err)
		defer body.Close()
		read, err := io.ReadAll(body)
		require.NoError(t, err)
		assert.Equal(t, []byte("/nix/s"), read)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := store.Get(ctx, "nar/missing.nar")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.Head(ctx, "nar/missing.nar")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.GetRange(ctx, "nar/missing.nar", 0, 1)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("directory", func(t *testing.T) {
		_, err := store.Head(ctx, "nar/dir.nar")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("canceled", func(t *testing.T) {
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := store.Get(canceled, "nar/abc.nar.xz")
		assert.ErrorIs(t, err, context.Canceled)
	})
}

type countingGetter struct {
	data  []byte
	calls int
}

func (g *countingGetter) GetRange(ctx context.Context, key string, off, length int64) (io.ReadCloser, error) {
	g.calls++
	if off+length > int64(len(g.data)) {
		return nil, fmt.Errorf("range %d+%d out of bounds", off, length)
	}
	return io.NopCloser(bytes.NewReader(g.data[off : off+length])), nil
}

func TestRangeReader(t *testing.T) {
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i % 251)
	}

	t.Run("sequential", func(t *testing.T) {
		getter := &countingGetter{data: data}
		r := NewRangeReader(context.Background(), getter, "key", int64(len(data)), 64)

		read, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, data, read)
		// 1000 / 64 rounded up
		assert.Equal(t, 16, getter.calls)
	})

	t.Run("seek", func(t *testing.T) {
		getter := &countingGetter{data: data}
		r := NewRangeReader(context.Background(), getter, "key", int64(len(data)), 64)

		size, err := r.Seek(0, io.SeekEnd)
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), size)
		assert.Equal(t, 0, getter.calls)

		pos, err := r.Seek(900, io.SeekStart)
		require.NoError(t, err)
		assert.Equal(t, int64(900), pos)

		buf := make([]byte, 10)
		_, err = io.ReadFull(r, buf)
		require.NoError(t, err)
		assert.Equal(t, data[900:910], buf)

		pos, err = r.Seek(-5, io.SeekCurrent)
		require.NoError(t, err)
		assert.Equal(t, int64(905), pos)
		_, err = io.ReadFull(r, buf)
		require.NoError(t, err)
		assert.Equal(t, data[905:915], buf)
		// both reads were served from the same chunk
		assert.Equal(t, 1, getter.calls)

		_, err = r.Seek(-1, io.SeekStart)
		assert.Error(t, err)
	})

	t.Run("eof", func(t *testing.T) {
		getter := &countingGetter{data: data}
		r := NewRangeReader(context.Background(), getter, "key", int64(len(data)), 0)
		_, err := r.Seek(0, io.SeekEnd)
		require.NoError(t, err)
		n, err := r.Read(make([]byte, 1))
		assert.Equal(t, 0, n)
		assert.Equal(t, io.EOF, err)
		assert.Equal(t, 0, getter.calls)
	})

	t.Run("backend error", func(t *testing.T) {
		getter := &countingGetter{data: data[:500]}
		r := NewRangeReader(context.Background(), getter, "key", int64(len(data)), 800)
		_, err := io.ReadAll(r)
		assert.Error(t, err)
	})

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		getter := &countingGetter{data: data}
		r := NewRangeReader(ctx, getter, "key", int64(len(data)), 64)

		buf := make([]byte, 64)
		_, err := io.ReadFull(r, buf)
		require.NoError(t, err)

		cancel()
		_, err = r.Read(buf)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, getter.calls)
	})
}

func TestInstrument(t *testing.T) {
	tmpDir := t.TempDir()
	writeObject(t, tmpDir, "nix-cache-info", []byte("StoreDir: /nix/store\n"))

	ops := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ops_total"}, []string{"op", "result"})
	store := Instrument(&FileStore{CacheDirectory: tmpDir}, ops)
	ctx := context.Background()

	_, err := store.Head(ctx, "nix-cache-info")
	require.NoError(t, err)
	_, err = store.Head(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	body, err := store.GetRange(ctx, "nix-cache-info", 0, 4)
	require.NoError(t, err)
	body.Close()

	assert.Equal(t, 1.0, testutil.ToFloat64(ops.WithLabelValues("head", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ops.WithLabelValues("head", "not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ops.WithLabelValues("get_range", "ok")))
}
