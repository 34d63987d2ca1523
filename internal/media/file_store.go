package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// FileStore keeps blobs on the local filesystem under root/sha256/ab/cdef....
type FileStore struct {
	root string
}

// NewFileStore creates root if needed and returns a FileStore.
func NewFileStore(root string) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("media: file store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) Put(ctx context.Context, content []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	address := ContentAddress(content)
	path := s.path(address)
	if _, err := os.Stat(path); err == nil {
		return address, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	temp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return "", err
	}
	if _, err := temp.Write(content); err != nil {
		_ = temp.Close()
		_ = os.Remove(temp.Name())
		return "", err
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(temp.Name())
		return "", err
	}
	if err := os.Rename(temp.Name(), path); err != nil {
		_ = os.Remove(temp.Name())
		return "", err
	}
	return address, nil
}

func (s *FileStore) Exists(ctx context.Context, address string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := ValidateAddress(address); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path(address))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Get opens the blob. The file store keeps no metadata, so the content type is sniffed.
func (s *FileStore) Get(ctx context.Context, address string) (Blob, error) {
	if err := ctx.Err(); err != nil {
		return Blob{}, err
	}
	if err := ValidateAddress(address); err != nil {
		return Blob{}, err
	}
	file, err := os.Open(s.path(address))
	if errors.Is(err, os.ErrNotExist) {
		return Blob{}, fmt.Errorf("%w: %s", ErrBlobNotFound, address)
	}
	if err != nil {
		return Blob{}, err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return Blob{}, err
	}
	detected, err := mimetype.DetectReader(file)
	if err != nil {
		_ = file.Close()
		return Blob{}, err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		_ = file.Close()
		return Blob{}, err
	}
	return Blob{Address: address, ContentType: detected.String(), Size: info.Size(), Body: file}, nil
}

func (s *FileStore) path(address string) string {
	digest := strings.TrimPrefix(address, addressPrefix)
	return filepath.Join(s.root, "sha256", digest[:2], digest[2:])
}
