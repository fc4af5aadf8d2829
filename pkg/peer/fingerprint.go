// Package peer tracks the nodes seen on the mesh: their announced
// identity, verification state, liveness, and the stable fingerprints
// that survive peer id rotation.
package peer

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// Fingerprint derives the stable identity fingerprint for a public
// key: lowercase hex of its SHA-256 digest. Peer ids rotate; the
// fingerprint does not.
func Fingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:])
}

// Registry maps ephemeral peer ids to stable fingerprints in both
// directions. Implementations must be safe for concurrent use.
type Registry interface {
	// Store records the fingerprint of publicKey under peerID,
	// replacing any previous link either side held, and returns it
	Store(peerID string, publicKey []byte) string

	// Remap moves the fingerprint held by oldID to newID. A no-op
	// when oldID is unknown.
	Remap(oldID, newID string)

	// FingerprintOf returns the fingerprint recorded for peerID
	FingerprintOf(peerID string) (string, bool)

	// PeerOf returns the peer id currently holding fingerprint
	PeerOf(fingerprint string) (string, bool)

	// Has reports whether peerID has a recorded fingerprint
	Has(peerID string) bool

	// Remove drops the link held by peerID. The reverse entry is
	// removed only while it still points at peerID.
	Remove(peerID string)

	// Clear drops all links
	Clear()
}

// memoryRegistry is the in-memory Registry
type memoryRegistry struct {
	mu            sync.RWMutex
	byPeer        map[string]string // peer id -> fingerprint
	byFingerprint map[string]string // fingerprint -> peer id
}

// NewMemoryRegistry returns an empty in-memory registry
func NewMemoryRegistry() Registry {
	return &memoryRegistry{
		byPeer:        make(map[string]string),
		byFingerprint: make(map[string]string),
	}
}

func (r *memoryRegistry) Store(peerID string, publicKey []byte) string {
	fp := Fingerprint(publicKey)

	r.mu.Lock()
	defer r.mu.Unlock()

	// A rotating peer re-announces the same key under a new id; drop
	// the stale forward link so one fingerprint maps to one peer.
	if prev, ok := r.byFingerprint[fp]; ok && prev != peerID {
		delete(r.byPeer, prev)
	}
	if prevFP, ok := r.byPeer[peerID]; ok && prevFP != fp {
		if holder, ok := r.byFingerprint[prevFP]; ok && holder == peerID {
			delete(r.byFingerprint, prevFP)
		}
	}
	r.byPeer[peerID] = fp
	r.byFingerprint[fp] = peerID
	return fp
}

func (r *memoryRegistry) Remap(oldID, newID string) {
	if oldID == newID {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	fp, ok := r.byPeer[oldID]
	if !ok {
		return
	}
	delete(r.byPeer, oldID)
	if prevFP, ok := r.byPeer[newID]; ok && prevFP != fp {
		if holder, ok := r.byFingerprint[prevFP]; ok && holder == newID {
			delete(r.byFingerprint, prevFP)
		}
	}
	r.byPeer[newID] = fp
	r.byFingerprint[fp] = newID
}

func (r *memoryRegistry) FingerprintOf(peerID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fp, ok := r.byPeer[peerID]
	return fp, ok
}

func (r *memoryRegistry) PeerOf(fingerprint string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byFingerprint[fingerprint]
	return id, ok
}

func (r *memoryRegistry) Has(peerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byPeer[peerID]
	return ok
}

func (r *memoryRegistry) Remove(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fp, ok := r.byPeer[peerID]
	if !ok {
		return
	}
	delete(r.byPeer, peerID)
	if holder, ok := r.byFingerprint[fp]; ok && holder == peerID {
		delete(r.byFingerprint, fp)
	}
}

func (r *memoryRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byPeer = make(map[string]string)
	r.byFingerprint = make(map[string]string)
}
