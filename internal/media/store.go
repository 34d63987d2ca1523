// Package media moves message media into content-addressed blob storage.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/url"
	"strings"
	"time"
)

const (
	addressPrefix     = "sha256/"
	placeholderPrefix = "pending/"
)

var (
	// ErrPermanentUpload marks upload failures that retrying cannot fix.
	ErrPermanentUpload = errors.New("media: permanent upload failure")
	// ErrInvalidAddress indicates a malformed content address.
	ErrInvalidAddress = errors.New("media: invalid content address")
	// ErrBlobNotFound indicates that nothing is stored under an address.
	ErrBlobNotFound = errors.New("media: blob not found")
)

// Blob is an opened stored object. The caller closes Body.
type Blob struct {
	Address     string
	ContentType string
	Size        int64
	Body        io.ReadCloser
}

// BlobStore is the blob-storage collaborator.
type BlobStore interface {
	// Put stores content under its content address and returns the address.
	Put(ctx context.Context, content []byte, contentType string) (string, error)
	Exists(ctx context.Context, address string) (bool, error)
	// Get opens the blob at address, or returns ErrBlobNotFound.
	Get(ctx context.Context, address string) (Blob, error)
}

// URLSigner is implemented by stores that hand out time-limited download links.
type URLSigner interface {
	SignedURL(ctx context.Context, address string, expiry time.Duration) (*url.URL, error)
}

// ContentAddress derives the storage key of content.
func ContentAddress(content []byte) string {
	sum := sha256.Sum256(content)
	return addressPrefix + hex.EncodeToString(sum[:])
}

// PlaceholderRef is the reference stored while an upload is pending repair.
func PlaceholderRef(content []byte) string {
	return placeholderPrefix + ContentAddress(content)
}

// IsPlaceholder reports whether ref points at media that has not been uploaded yet.
func IsPlaceholder(ref string) bool {
	return strings.HasPrefix(ref, placeholderPrefix)
}

// ValidateAddress returns ErrInvalidAddress unless address is a sha256 content address.
func ValidateAddress(address string) error {
	digest, ok := strings.CutPrefix(address, addressPrefix)
	if !ok || len(digest) != sha256.Size*2 {
		return ErrInvalidAddress
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return ErrInvalidAddress
	}
	return nil
}
