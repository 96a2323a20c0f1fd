// Package cas provides a content-addressable storage interface and BLAKE3 hashing utilities.
package cas

import (
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"lukechampine.com/blake3"
)

// Hash represents a BLAKE3-256 hash value.
type Hash [32]byte

// String returns the hexadecimal representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 8 hex characters, used in hunk identifiers and listings.
func (h Hash) Short() string {
	return h.String()[:8]
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText encodes the hash as hex so JSON records stay readable.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText decodes a hex hash.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash parses a 64 character hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if s == "" {
		return h, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("invalid hash %q: expected %d bytes, got %d", s, len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// SumB3 computes the BLAKE3 hash of the given data.
func SumB3(data []byte) Hash {
	return blake3.Sum256(data)
}

// Digest hashes a set of named digests in name order. The result does not
// depend on map iteration order.
func Digest(named map[string]Hash) Hash {
	names := make([]string, 0, len(named))
	for name := range named {
		names = append(names, name)
	}
	sort.Strings(names)

	hasher := blake3.New(32, nil)
	for _, name := range names {
		h := named[name]
		hasher.Write([]byte(name))
		hasher.Write([]byte{0})
		hasher.Write(h[:])
	}
	var out Hash
	copy(out[:], hasher.Sum(nil))
	return out
}

// CAS defines the content-addressable storage interface.
type CAS interface {
	// Put stores data keyed by its hash.
	Put(hash Hash, data []byte) error

	// Get retrieves data by its hash.
	Get(hash Hash) ([]byte, error)

	// Has checks if data exists for the given hash.
	Has(hash Hash) (bool, error)
}

// MemoryCAS implements CAS using in-memory storage with thread-safe access.
type MemoryCAS struct {
	mu   sync.RWMutex
	data map[Hash][]byte
}

// NewMemoryCAS creates a new in-memory CAS.
func NewMemoryCAS() *MemoryCAS {
	return &MemoryCAS{
		data: make(map[Hash][]byte),
	}
}

// Put implements CAS.Put.
func (m *MemoryCAS) Put(hash Hash, data []byte) error {
	computed := SumB3(data)
	if computed != hash {
		return fmt.Errorf("hash mismatch: expected %s, got %s", hash, computed)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Store a copy to avoid external mutations
	m.data[hash] = append([]byte(nil), data...)
	return nil
}

// Get implements CAS.Get.
func (m *MemoryCAS) Get(hash Hash) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, exists := m.data[hash]
	if !exists {
		return nil, fmt.Errorf("hash not found: %s", hash)
	}
	return append([]byte(nil), data...), nil
}

// Has implements CAS.Has.
func (m *MemoryCAS) Has(hash Hash) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.data[hash]
	return exists, nil
}

// Len returns the number of objects stored in the CAS.
func (m *MemoryCAS) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
