package service

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/sepich/nix-cache-proxy/pkg/address"
	"github.com/sepich/nix-cache-proxy/pkg/model"
	"github.com/sepich/nix-cache-proxy/pkg/storage"
	"go.uber.org/zap"
)

// DefaultMaxMetadataSize is the largest narinfo or nix-cache-info read into memory before responding.
const DefaultMaxMetadataSize = 1 << 20

// CacheService serves a binary cache out of Store. It holds no per-request
// state and is shared by all connections.
type CacheService struct {
	Store  storage.Store
	Logger *zap.Logger
	// Identity is the body of GET /.
	Identity string
	// ChunkSize of ranged NAR reads, storage.DefaultChunkSize when zero.
	ChunkSize int
	// MaxMetadataSize, DefaultMaxMetadataSize when zero. Larger objects are streamed.
	MaxMetadataSize int64
}

func (s *CacheService) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *CacheService) Root(w http.ResponseWriter, r *http.Request) {
	identity := s.Identity
	if identity == "" {
		identity = "Hello from nix-cache-proxy"
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(identity))
}

func (s *CacheService) GetNarinfo(w http.ResponseWriter, r *http.Request, segment string) {
	object, err := address.ParseNarinfo(segment)
	if err != nil {
		s.writeError(w, r, classify("", err))
		return
	}
	s.serveFull(w, r, &object)
}

func (s *CacheService) HeadNarinfo(w http.ResponseWriter, r *http.Request, segment string) {
	object, err := address.ParseNarinfo(segment)
	if err != nil {
		s.writeError(w, r, classify("", err))
		return
	}

	key := object.Key()
	if _, err := s.Store.Head(r.Context(), key); err != nil {
		s.writeError(w, r, classify(key, err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *CacheService) GetCacheInfo(w http.ResponseWriter, r *http.Request) {
	object := address.CacheInfo()
	s.serveFull(w, r, &object)
}

func (s *CacheService) GetNar(w http.ResponseWriter, r *http.Request, segment string) {
	object, err := address.ParseNar(segment)
	if err != nil {
		s.writeError(w, r, classify("", err))
		return
	}

	key := object.Key()
	meta, err := s.Store.Head(r.Context(), key)
	if err != nil {
		s.writeError(w, r, classify(key, err))
		return
	}

	reader := storage.NewRangeReader(r.Context(), s.Store, key, meta.SizeBytes, s.ChunkSize)
	hw := &holdWriter{ResponseWriter: w}
	w.Header().Set("Content-Type", object.ContentType())
	http.ServeContent(hw, r, "", meta.LastModified, reader)

	if hw.held {
		// Nothing was sent yet, so a failed first chunk can still become a 500.
		if err := reader.Err(); err != nil {
			for _, h := range []string{"Content-Length", "Content-Range", "Accept-Ranges", "Last-Modified"} {
				w.Header().Del(h)
			}
			s.writeError(w, r, classify(key, err))
			return
		}
		hw.flush()
	}

	if hw.status == http.StatusRequestedRangeNotSatisfiable {
		s.logError(r, &RequestError{
			Kind: RangeUnsatisfiable,
			Key:  key,
			Err:  fmt.Errorf("range %q of %d bytes", r.Header.Get("Range"), meta.SizeBytes),
		})
	}
	if err := reader.Err(); err != nil {
		// Status is already sent, the client sees a short body.
		s.logError(r, classify(key, err))
	}
}

// serveFull answers with the whole object. Small objects are read before the
// status is written, so a failing backend still produces a 500.
func (s *CacheService) serveFull(w http.ResponseWriter, r *http.Request, object *model.ObjectIdentifier) {
	key := object.Key()
	obj, err := s.Store.Get(r.Context(), key)
	if err != nil {
		s.writeError(w, r, classify(key, err))
		return
	}
	defer obj.Body.Close()

	w.Header().Set("Content-Type", object.ContentType())

	maxSize := s.MaxMetadataSize
	if maxSize <= 0 {
		maxSize = DefaultMaxMetadataSize
	}
	if obj.SizeBytes > maxSize {
		s.stream(w, r, obj)
		return
	}

	var buf bytes.Buffer
	if obj.SizeBytes > 0 {
		buf.Grow(int(obj.SizeBytes))
	}
	if _, err := io.Copy(&buf, io.LimitReader(obj.Body, maxSize+1)); err != nil {
		s.writeError(w, r, classify(key, err))
		return
	}
	if int64(buf.Len()) != obj.SizeBytes {
		s.writeError(w, r, classify(key, fmt.Errorf("read %d bytes, backend reported %d", buf.Len(), obj.SizeBytes)))
		return
	}

	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (s *CacheService) stream(w http.ResponseWriter, r *http.Request, obj *storage.Object) {
	w.Header().Set("Content-Length", strconv.FormatInt(obj.SizeBytes, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, obj.Body); err != nil {
		// Status is already sent, the client sees a short body.
		s.logError(r, classify(obj.Key, err))
	}
}

func (s *CacheService) writeError(w http.ResponseWriter, r *http.Request, err *RequestError) {
	s.logError(r, err)
	code := err.StatusCode()
	http.Error(w, http.StatusText(code), code)
}

func (s *CacheService) logError(r *http.Request, err *RequestError) {
	fields := []zap.Field{
		zap.String("path", r.URL.Path),
		zap.Stringer("kind", err.Kind),
		zap.Error(err.Err),
	}
	if err.Key != "" {
		fields = append(fields, zap.String("key", err.Key))
	}

	if err.Kind == StorageFault && !isCanceled(err) {
		s.logger().Warn("error from object store", fields...)
		return
	}
	s.logger().Debug("request failed", fields...)
}

// holdWriter delays a 200 or 206 status until the first body byte, other
// statuses pass straight through.
type holdWriter struct {
	http.ResponseWriter
	status int
	held   bool
}

func (w *holdWriter) WriteHeader(code int) {
	if w.status != 0 {
		return
	}
	w.status = code
	if code == http.StatusOK || code == http.StatusPartialContent {
		w.held = true
		return
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *holdWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	w.flush()
	return w.ResponseWriter.Write(b)
}

func (w *holdWriter) flush() {
	if w.held {
		w.held = false
		w.ResponseWriter.WriteHeader(w.status)
	}
}
