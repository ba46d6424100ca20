package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore serves a binary cache laid out in a local directory, e.g. one
// produced by `nix copy --to file:///path`.
type FileStore struct {
	CacheDirectory string
}

var _ Store = &FileStore{}

func (c *FileStore) path(key string) string {
	return filepath.Join(c.CacheDirectory, filepath.FromSlash(key))
}

func (c *FileStore) open(ctx context.Context, key string) (*os.File, ObjMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, ObjMeta{}, err
	}
	file, err := os.Open(c.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ObjMeta{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	} else if err != nil {
		return nil, ObjMeta{}, err
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, ObjMeta{}, err
	}
	if stat.IsDir() {
		file.Close()
		return nil, ObjMeta{}, fmt.Errorf("%s is a directory: %w", key, ErrNotFound)
	}

	return file, ObjMeta{
		Key:          key,
		SizeBytes:    stat.Size(),
		LastModified: stat.ModTime(),
	}, nil
}

func (c *FileStore) Get(ctx context.Context, key string) (*Object, error) {
	file, meta, err := c.open(ctx, key)
	if err != nil {
		return nil, err
	}
	return &Object{ObjMeta: meta, Body: file}, nil
}

func (c *FileStore) Head(ctx context.Context, key string) (ObjMeta, error) {
	file, meta, err := c.open(ctx, key)
	if err != nil {
		return ObjMeta{}, err
	}
	return meta, file.Close()
}

func (c *FileStore) GetRange(ctx context.Context, key string, off, length int64) (io.ReadCloser, error) {
	file, _, err := c.open(ctx, key)
	if err != nil {
		return nil, err
	}
	if _, err := file.Seek(off, io.SeekStart); err != nil {
		file.Close()
		return nil, err
	}
	return &limitedFile{Reader: io.LimitReader(file, length), file: file}, nil
}

type limitedFile struct {
	io.Reader
	file *os.File
}

func (l *limitedFile) Close() error {
	return l.file.Close()
}
