// Package address turns the path segments of binary cache requests into
// object identifiers.
package address

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sepich/nix-cache-proxy/pkg/model"
	"github.com/sepich/nix-cache-proxy/pkg/nixbase32"
)

const (
	// StorePathHashLen is the size of the truncated store path hash narinfo files are named after.
	StorePathHashLen = 20
	// NarHashLen is the size of the sha256 NAR files are named after.
	NarHashLen = 32

	narinfoSuffix = ".narinfo"
	narSuffix     = ".nar"
)

var ErrMalformedIdentifier = errors.New("malformed identifier")

// ParseNarinfo parses `<hash>.narinfo`.
func ParseNarinfo(segment string) (model.ObjectIdentifier, error) {
	hashLen := nixbase32.EncodedLen(StorePathHashLen)
	if len(segment) != hashLen+len(narinfoSuffix) || !strings.HasSuffix(segment, narinfoSuffix) {
		return model.ObjectIdentifier{}, fmt.Errorf("%w: %q is not <hash>%s", ErrMalformedIdentifier, segment, narinfoSuffix)
	}

	digest, err := decodeDigest(segment[:hashLen], StorePathHashLen)
	if err != nil {
		return model.ObjectIdentifier{}, err
	}

	return model.ObjectIdentifier{
		Kind:   model.ObjectKindNarinfo,
		Digest: digest,
	}, nil
}

// ParseNar parses `<hash>.nar[<compression>]`. The compression suffix is
// kept verbatim, whether the object exists is up to the backend.
func ParseNar(segment string) (model.ObjectIdentifier, error) {
	hashLen := nixbase32.EncodedLen(NarHashLen)
	if len(segment) < hashLen {
		return model.ObjectIdentifier{}, fmt.Errorf("%w: %q is too short", ErrMalformedIdentifier, segment)
	}

	compression, ok := strings.CutPrefix(segment[hashLen:], narSuffix)
	if !ok {
		return model.ObjectIdentifier{}, fmt.Errorf("%w: %q is not <hash>%s", ErrMalformedIdentifier, segment, narSuffix)
	}
	if compression != "" && !strings.HasPrefix(compression, ".") {
		return model.ObjectIdentifier{}, fmt.Errorf("%w: compression suffix %q must start with a dot", ErrMalformedIdentifier, compression)
	}

	digest, err := decodeDigest(segment[:hashLen], NarHashLen)
	if err != nil {
		return model.ObjectIdentifier{}, err
	}

	return model.ObjectIdentifier{
		Kind:        model.ObjectKindNar,
		Digest:      digest,
		Compression: compression,
	}, nil
}

// CacheInfo returns the identifier of nix-cache-info.
func CacheInfo() model.ObjectIdentifier {
	return model.ObjectIdentifier{Kind: model.ObjectKindCacheInfo}
}

func decodeDigest(s string, size int) ([]byte, error) {
	digest, err := nixbase32.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedIdentifier, err)
	}
	if len(digest) != size {
		return nil, fmt.Errorf("%w: digest is %d bytes, want %d", ErrMalformedIdentifier, len(digest), size)
	}
	return digest, nil
}
