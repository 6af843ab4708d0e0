package services

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// DiskBlobStore stores uploaded file bytes on the local filesystem under a
// root directory. It stands in for the hosted object storage the browser app
// talked to; storage paths follow the same user/conversation layout.
type DiskBlobStore struct {
	root string
}

// NewDiskBlobStore creates the root directory if needed and returns a store
// rooted there.
func NewDiskBlobStore(root string) (DiskBlobStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return DiskBlobStore{}, fmt.Errorf("failed to create blob root: %w", err)
	}
	return DiskBlobStore{root: root}, nil
}

// Keeps ASCII word characters, dashes, and the Hebrew block so Hebrew file
// names survive sanitization.
var storageNameRe = regexp.MustCompile(`[^a-zA-Z0-9\x{0590}-\x{05FF}_-]`)

// GenerateStoragePath builds the relative path a new upload is stored under:
// users/<user>/conversations/<conversation>/<unix-ms>_<sanitized-name>.<ext>.
func GenerateStoragePath(userID, conversationID, fileName string) string {
	ext := strings.TrimPrefix(filepath.Ext(fileName), ".")
	base := strings.TrimSuffix(fileName, filepath.Ext(fileName))
	sanitized := storageNameRe.ReplaceAllString(base, "_")

	name := fmt.Sprintf("%d_%s", time.Now().UnixMilli(), sanitized)
	if ext != "" {
		name += "." + ext
	}
	return filepath.ToSlash(filepath.Join("users", userID, "conversations", conversationID, name))
}

func (s DiskBlobStore) abs(storagePath string) (string, error) {
	p := filepath.Join(s.root, filepath.FromSlash(storagePath))
	// Reject paths escaping the root via "..".
	if !strings.HasPrefix(filepath.Clean(p), filepath.Clean(s.root)+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid storage path: %s", storagePath)
	}
	return p, nil
}

// Put writes the blob at the given storage path, creating parent directories
// as needed. Existing blobs are not overwritten.
func (s DiskBlobStore) Put(storagePath string, r io.Reader) error {
	p, err := s.abs(storagePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create blob: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("failed to write blob: %w", err)
	}
	return nil
}

// Open returns a reader over the stored blob.
func (s DiskBlobStore) Open(storagePath string) (io.ReadCloser, error) {
	p, err := s.abs(storagePath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return f, nil
}

// Remove deletes the stored blob. Removing a missing blob is not an error.
func (s DiskBlobStore) Remove(storagePath string) error {
	p, err := s.abs(storagePath)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove blob: %w", err)
	}
	return nil
}
