// Package keyidmap implements the process-wide KeyId lookup table that
// couples the CDM (content-decryption) service side to
// MediaPipelineSession.AddSegment's encrypted-segment path (spec.md §4.6,
// "consult the process-wide KeyId map keyed by session id").
//
// Grounded on original_source's KeyIdMap::instance() Meyers singleton,
// translated to Go's sync.Once the way a package-level lazily-initialized
// singleton is idiomatically expressed.
package keyidmap

import "sync"

// Map is a one-writer, many-reader table from media key session id to the
// key id bytes the server-side decoder needs. The CDM service is the only
// writer (via Set); MediaPipelineSession.AddSegment is a reader (via
// Lookup).
type Map struct {
	mu sync.RWMutex
	m  map[string][]byte
}

var (
	instance     *Map
	instanceOnce sync.Once
)

// Instance returns the process-wide singleton, lazily constructed on first
// use.
func Instance() *Map {
	instanceOnce.Do(func() {
		instance = &Map{m: make(map[string][]byte)}
	})
	return instance
}

// Set records keyID for keySessionID, overwriting any previous entry. Called
// by the CDM service when a key session resolves a key id.
func (k *Map) Set(keySessionID string, keyID []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.m[keySessionID] = append([]byte(nil), keyID...)
}

// Lookup returns the key id bytes registered for keySessionID, if any.
func (k *Map) Lookup(keySessionID string) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	v, ok := k.m[keySessionID]
	return v, ok
}

// Delete removes any entry for keySessionID, called when a key session is
// closed.
func (k *Map) Delete(keySessionID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.m, keySessionID)
}
