// Package identity owns the relay's mutable signing identity. The identity
// is held in a single observed value, constructed at startup and handed to
// every component that needs it; the Manager is its only writer.
package identity

import (
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/overpassnet/overpass/src/flush"
	"github.com/overpassnet/overpass/src/keys"
	"github.com/overpassnet/overpass/src/observed"
)

// Manager mediates identity rotations. Before a rotation is acknowledged,
// every component registered on the flush barrier is drained, so that no
// work attributed to the old identity is still in flight. A flush failure
// aborts the rotation (fail closed).
type Manager struct {
	mu sync.Mutex

	observed *observed.Observed[*ecdsa.PrivateKey]
	barrier  *flush.Barrier

	// expected, when non-empty, is the hex public key that new identities
	// must match. Reset deliberately bypasses it to de-authorize the relay.
	expected string

	logger *logrus.Entry
}

// NewManager returns a Manager holding the initial identity.
func NewManager(initial *ecdsa.PrivateKey, expected string, barrier *flush.Barrier, logger *logrus.Entry) *Manager {
	return &Manager{
		observed: observed.New(initial),
		barrier:  barrier,
		expected: expected,
		logger:   logger,
	}
}

// Observer returns a new cursor over the identity for components that need
// to react to rotations.
func (m *Manager) Observer() *observed.Observer[*ecdsa.PrivateKey] {
	return m.observed.Observer()
}

// Current returns the current identity key.
func (m *Manager) Current() *ecdsa.PrivateKey {
	return m.observed.Value()
}

// PubKeyHex returns the canonical string form of the current identity.
func (m *Manager) PubKeyHex() string {
	return keys.PublicKeyHex(&m.observed.Value().PublicKey)
}

// Expected returns the configured expected identity, or "".
func (m *Manager) Expected() string {
	return m.expected
}

// SetKeypair rotates the identity to the given key. When an expected
// identity is configured, a key that does not match it is rejected before
// anything is drained.
func (m *Manager) SetKeypair(key *ecdsa.PrivateKey) error {
	pub := keys.PublicKeyHex(&key.PublicKey)

	if m.expected != "" && pub != m.expected {
		return fmt.Errorf("identity %s does not match expected identity %s", pub, m.expected)
	}

	return m.rotate(key, pub)
}

// SetKeypairFromFile rotates the identity to the key stored in the given
// keyfile.
func (m *Manager) SetKeypairFromFile(path string) error {
	key, err := keys.NewKeyfile(path).ReadKey()
	if err != nil {
		return fmt.Errorf("reading keyfile: %v", err)
	}
	return m.SetKeypair(key)
}

// Reset rotates the identity to a fresh random keypair. The expected
// identity check is deliberately skipped: resetting to a random key is how
// an operator de-authorizes the relay, parking identity-gated consumers
// until a correct identity is set again.
func (m *Manager) Reset() error {
	key, err := keys.GenerateKey()
	if err != nil {
		return err
	}
	return m.rotate(key, keys.PublicKeyHex(&key.PublicKey))
}

// rotate drains the flush barrier and publishes the new identity. Rotations
// are serialised; observed updates stay single-writer.
func (m *Manager) rotate(key *ecdsa.PrivateKey, pub string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	report := m.barrier.FlushAll()
	for _, o := range report {
		if o.Err != nil {
			m.logger.WithField("flusher", o.Name).WithError(o.Err).Error("flush failed")
		}
	}
	if err := report.Err(); err != nil {
		return fmt.Errorf("identity rotation aborted: %v", err)
	}

	m.observed.Update(key)

	m.logger.WithField("identity", pub).Info("identity updated")

	return nil
}
