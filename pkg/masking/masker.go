// Package masking rewrites build output so registered secret values
// never leave the process in the clear. Every log line passes through a
// build's Masker before it is persisted, broadcast, or displayed.
package masking

import (
	"sort"
	"strings"
	"sync"
)

// Replacement is what registered values are rewritten to.
const Replacement = "***"

// MinSecretLength rejects pathologically short values whose masking
// would shred ordinary output.
const MinSecretLength = 3

// Masker holds the set of literal secret values for one build.
// Thread-safe: steps register and mask concurrently.
type Masker struct {
	mu     sync.RWMutex
	values []string // sorted longest-first so nested secrets mask fully
}

// NewMasker creates an empty masker.
func NewMasker() *Masker {
	return &Masker{}
}

// Register adds a literal secret value. Registration is idempotent;
// empty and too-short values are ignored.
func (m *Masker) Register(value string) {
	if len(value) < MinSecretLength {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.values {
		if v == value {
			return
		}
	}
	m.values = append(m.values, value)
	sort.Slice(m.values, func(i, j int) bool {
		return len(m.values[i]) > len(m.values[j])
	})
}

// Mask replaces each occurrence of every registered value with the
// replacement marker.
func (m *Masker) Mask(line string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.values {
		if strings.Contains(line, v) {
			line = strings.ReplaceAll(line, v, Replacement)
		}
	}
	return line
}

// Count returns the number of registered values.
func (m *Masker) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}
