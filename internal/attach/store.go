// Package attach stores message attachments as content-addressed blobs on
// disk and hands back a durable reference the message content field can
// hold. The store never interprets the bytes; images, voice notes and plain
// files all go through the same path.
package attach

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// RefScheme prefixes every attachment reference.
const RefScheme = "attach://"

// Meta describes one stored blob.
type Meta struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Store manages attachment blobs under dir/objects.
type Store struct {
	mu  sync.RWMutex
	dir string
}

// NewStore creates an attachment store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "objects"), 0o755); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Put stores data and returns its reference. Storing the same bytes twice
// returns the same reference without rewriting the blob.
func (s *Store) Put(data []byte, name string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("empty attachment")
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:16])

	s.mu.Lock()
	defer s.mu.Unlock()

	blobPath := s.blobPath(hash)
	if _, err := os.Stat(blobPath); os.IsNotExist(err) {
		if err := os.WriteFile(blobPath, data, 0o644); err != nil {
			return "", fmt.Errorf("write attachment: %w", err)
		}
		meta := Meta{Name: filepath.Base(name), Size: int64(len(data))}
		mb, _ := json.Marshal(meta)
		if err := os.WriteFile(blobPath+".json", mb, 0o644); err != nil {
			return "", fmt.Errorf("write attachment meta: %w", err)
		}
	}

	return RefScheme + hash, nil
}

// Get returns the blob and metadata for a reference.
// Returns (nil, Meta{}, nil) when the reference is unknown.
func (s *Store) Get(ref string) ([]byte, Meta, error) {
	hash, err := ParseRef(ref)
	if err != nil {
		return nil, Meta{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.blobPath(hash))
	if os.IsNotExist(err) {
		return nil, Meta{}, nil
	}
	if err != nil {
		return nil, Meta{}, fmt.Errorf("read attachment: %w", err)
	}

	var meta Meta
	if mb, err := os.ReadFile(s.blobPath(hash) + ".json"); err == nil {
		_ = json.Unmarshal(mb, &meta)
	}
	return data, meta, nil
}

// ParseRef extracts the blob hash from an attach:// reference.
func ParseRef(ref string) (string, error) {
	if !strings.HasPrefix(ref, RefScheme) {
		return "", fmt.Errorf("not an attachment reference: %q", ref)
	}
	hash := strings.TrimPrefix(ref, RefScheme)
	if len(hash) != 32 || strings.ContainsAny(hash, "/\\.") {
		return "", fmt.Errorf("malformed attachment reference: %q", ref)
	}
	return hash, nil
}

// IsRef reports whether content looks like an attachment reference.
func IsRef(content string) bool {
	_, err := ParseRef(content)
	return err == nil
}

func (s *Store) blobPath(hash string) string {
	return filepath.Join(s.dir, "objects", hash)
}
