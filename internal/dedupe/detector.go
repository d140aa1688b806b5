package dedupe

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"
)

type baseline struct {
	fingerprint string
	committed   time.Time
}

// Detector remembers the fingerprint of the last successfully processed
// content per source key.
type Detector struct {
	mu    sync.RWMutex
	items map[string]baseline
}

// NewDetector creates an empty detector; every key starts without a baseline.
func NewDetector() *Detector {
	return &Detector{items: make(map[string]baseline)}
}

// Fingerprint digests raw parts. Each part is length-prefixed so that
// moving bytes between pages changes the result.
func Fingerprint(parts ...[]byte) string {
	h := sha256.New()
	var size [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(size[:], uint64(len(p)))
		h.Write(size[:])
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HasChanged reports whether raw differs from the committed baseline of
// key. It does not record anything; use Commit once processing succeeded.
// Callers that also need the fingerprint itself hash once with Fingerprint
// and use Changed and CommitFingerprint instead.
func (d *Detector) HasChanged(key string, raw ...[]byte) bool {
	return d.Changed(key, Fingerprint(raw...))
}

// Changed is HasChanged for an already computed fingerprint.
func (d *Detector) Changed(key, fingerprint string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	b, ok := d.items[key]
	return !ok || b.fingerprint != fingerprint
}

// Commit records raw as the new baseline of key.
func (d *Detector) Commit(key string, raw ...[]byte) {
	d.CommitFingerprint(key, Fingerprint(raw...))
}

// CommitFingerprint records an already computed fingerprint.
func (d *Detector) CommitFingerprint(key, fingerprint string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.items[key] = baseline{fingerprint: fingerprint, committed: time.Now()}
}

// Baseline returns the committed fingerprint of key and when it was set.
func (d *Detector) Baseline(key string) (string, time.Time, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	b, ok := d.items[key]
	return b.fingerprint, b.committed, ok
}
