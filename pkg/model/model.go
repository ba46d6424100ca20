package model

import (
	"github.com/sepich/nix-cache-proxy/pkg/nixbase32"
)

type ObjectKind string

const (
	ObjectKindNarinfo   ObjectKind = "narinfo"
	ObjectKindNar       ObjectKind = "nar"
	ObjectKindCacheInfo ObjectKind = "nix-cache-info"
)

const (
	MimeNarinfo   = "text/x-nix-narinfo"
	MimeNar       = "application/x-nix-nar"
	MimeCacheInfo = "text/x-nix-cache-info"
)

// CacheInfoKey is the storage key of the binary cache description file.
const CacheInfoKey = "nix-cache-info"

type ObjectIdentifier struct {
	Kind        ObjectKind
	Digest      []byte // Store path hash for narinfo, NAR file hash for nar. Empty for nix-cache-info.
	Compression string // Only for nar, e.g. ".xz". Empty means uncompressed.
}

// Key returns the storage key the object lives under in the bucket.
func (o *ObjectIdentifier) Key() string {
	switch o.Kind {
	case ObjectKindNarinfo:
		return nixbase32.EncodeToString(o.Digest) + ".narinfo"
	case ObjectKindNar:
		return "nar/" + nixbase32.EncodeToString(o.Digest) + ".nar" + o.Compression
	default:
		return CacheInfoKey
	}
}

// ContentType returns the mime type served for the object.
func (o *ObjectIdentifier) ContentType() string {
	switch o.Kind {
	case ObjectKindNarinfo:
		return MimeNarinfo
	case ObjectKindNar:
		return MimeNar
	default:
		return MimeCacheInfo
	}
}
