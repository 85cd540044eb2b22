// Package objectstore persists immutable scan payloads under
// content-addressed keys: the sha256 of the bytes names the object, so
// storing the same content twice lands on the same key and the write is
// idempotent by construction.
package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
)

// ErrEmptyContent rejects zero-byte payloads.
var ErrEmptyContent = errors.New("objectstore: content is empty")

const keyPrefix = "scans/"

// Ref addresses one stored object by content.
type Ref struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Digest string `json:"digest"`
}

// String renders the canonical content address, e.g.
// "s3://bucket/scans/9f2c...".
func (r Ref) String() string {
	return "s3://" + r.Bucket + "/" + r.Key
}

// Store persists immutable payloads.
type Store interface {
	// Put stores the content and returns its address. Identical bytes yield
	// the identical Ref.
	Put(ctx context.Context, data []byte, contentType string) (Ref, error)
}

// DigestFromRef extracts the hex digest embedded in a content address,
// returning "" when the address carries none.
func DigestFromRef(ref string) string {
	ref = strings.TrimSpace(ref)
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		ref = ref[i+1:]
	}
	if len(ref) != sha256.Size*2 {
		return ""
	}
	if _, err := hex.DecodeString(ref); err != nil {
		return ""
	}
	return strings.ToLower(ref)
}

func contentKey(data []byte) (key, digest string) {
	sum := sha256.Sum256(data)
	digest = hex.EncodeToString(sum[:])
	return keyPrefix + digest, digest
}

// InMemory implements Store for tests and local runs.
type InMemory struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string][]byte
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty store under the given bucket name.
func NewInMemory(bucket string) *InMemory {
	if bucket == "" {
		bucket = "local"
	}
	return &InMemory{bucket: bucket, objects: make(map[string][]byte)}
}

func (m *InMemory) Put(ctx context.Context, data []byte, contentType string) (Ref, error) {
	if len(data) == 0 {
		return Ref{}, ErrEmptyContent
	}
	key, digest := contentKey(data)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		m.objects[key] = append([]byte(nil), data...)
	}
	return Ref{Bucket: m.bucket, Key: key, Digest: digest}, nil
}

// Get returns stored content; testing hook.
func (m *InMemory) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	return data, ok
}

// Len reports the number of distinct objects; testing hook.
func (m *InMemory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
