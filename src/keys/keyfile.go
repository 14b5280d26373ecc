package keys

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"os"
	"path"
	"strings"
	"sync"
)

// Keyfile reads and writes identity keys from/to an unencrypted, unformatted
// file containing a raw hex dump of the key's D value.
type Keyfile struct {
	l    sync.Mutex
	path string
}

// NewKeyfile instantiates a new Keyfile with an underlying file.
func NewKeyfile(path string) *Keyfile {
	return &Keyfile{path: path}
}

// Path returns the location of the underlying file.
func (k *Keyfile) Path() string {
	return k.path
}

// CheckFileInfo verifies that the file exists and has user permissions only.
func (k *Keyfile) CheckFileInfo() error {
	info, err := os.Stat(k.path)
	if err != nil {
		return err
	}

	perm := info.Mode().Perm()

	// 000111111 mask selects the permissions for 'group' and 'others'
	var nonUserMask os.FileMode = (1 << 6) - 1

	if perm&nonUserMask != 0 {
		return fmt.Errorf("keyfile permissions should exclude 'group' and 'others'. Got %o", perm)
	}

	return nil
}

// ReadKey reads the identity key from the underlying file.
func (k *Keyfile) ReadKey() (*ecdsa.PrivateKey, error) {
	k.l.Lock()
	defer k.l.Unlock()

	if err := k.CheckFileInfo(); err != nil {
		return nil, err
	}

	buf, err := ioutil.ReadFile(k.path)
	if err != nil {
		return nil, err
	}

	raw, err := hex.DecodeString(strings.TrimSpace(string(buf)))
	if err != nil {
		return nil, err
	}

	return ParsePrivateKey(raw)
}

// WriteKey writes a raw hex dump of the key's D value to the underlying
// file, restricting permissions to the current user.
func (k *Keyfile) WriteKey(key *ecdsa.PrivateKey) error {
	k.l.Lock()
	defer k.l.Unlock()

	rawKey := hex.EncodeToString(DumpPrivateKey(key))

	if err := os.MkdirAll(path.Dir(k.path), 0700); err != nil {
		return err
	}

	return ioutil.WriteFile(k.path, []byte(rawKey), 0600)
}
