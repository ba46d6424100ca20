package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// DefaultChunkSize bounds the memory a single RangeReader holds.
const DefaultChunkSize = 1 << 20

var _ io.ReadSeeker = &RangeReader{}

// RangeReader is a seekable view of an object of known size. Data is fetched
// from the backend one chunk per request, so seeking is free and only the
// bytes around the current offset are kept in memory.
type RangeReader struct {
	ctx       context.Context
	getter    RangeGetter
	key       string
	size      int64
	chunkSize int64

	off    int64
	buf    []byte
	bufOff int64
	err    error
}

// NewRangeReader returns a reader over key. Reads fail once ctx is done.
func NewRangeReader(ctx context.Context, getter RangeGetter, key string, size int64, chunkSize int) *RangeReader {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &RangeReader{
		ctx:       ctx,
		getter:    getter,
		key:       key,
		size:      size,
		chunkSize: int64(chunkSize),
	}
}

func (r *RangeReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if r.off >= r.size {
		return 0, io.EOF
	}
	if r.off < r.bufOff || r.off >= r.bufOff+int64(len(r.buf)) {
		if err := r.fill(); err != nil {
			r.err = err
			return 0, err
		}
	}

	n := copy(p, r.buf[r.off-r.bufOff:])
	r.off += int64(n)
	return n, nil
}

func (r *RangeReader) fill() error {
	if err := r.ctx.Err(); err != nil {
		return err
	}

	length := min(r.chunkSize, r.size-r.off)
	body, err := r.getter.GetRange(r.ctx, r.key, r.off, length)
	if err != nil {
		return err
	}
	defer body.Close()

	if r.buf == nil {
		r.buf = make([]byte, 0, r.chunkSize)
	}
	r.buf = r.buf[:length]
	n, err := io.ReadFull(body, r.buf)
	if err != nil {
		r.buf = r.buf[:0]
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return fmt.Errorf("%s: short read at offset %d, got %d of %d bytes", r.key, r.off, n, length)
		}
		return fmt.Errorf("%s: reading at offset %d: %w", r.key, r.off, err)
	}
	r.bufOff = r.off
	return nil
}

func (r *RangeReader) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.off + offset
	case io.SeekEnd:
		abs = r.size + offset
	default:
		return 0, fmt.Errorf("seek: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("seek: negative position %d", abs)
	}
	r.off = abs
	return abs, nil
}

// Err returns the last backend error hit by Read, if any.
func (r *RangeReader) Err() error {
	return r.err
}
