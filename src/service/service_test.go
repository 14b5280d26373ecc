package service

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/overpassnet/overpass/src/common"
	"github.com/overpassnet/overpass/src/flush"
	"github.com/overpassnet/overpass/src/identity"
	"github.com/overpassnet/overpass/src/keys"
)

func newTestService(t *testing.T, expected string) (*Service, *identity.Manager) {
	initial, err := keys.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	man := identity.NewManager(
		initial,
		expected,
		flush.NewBarrier(),
		common.NewTestEntry(t, logrus.DebugLevel),
	)

	stats := func() map[string]string {
		return map[string]string{"queued": "0"}
	}

	s := NewService("127.0.0.1:0", man, stats, common.NewTestEntry(t, logrus.DebugLevel))

	return s, man
}

func TestGetStats(t *testing.T) {
	s, _ := newTestService(t, "")

	w := httptest.NewRecorder()
	s.GetStats(w, httptest.NewRequest("GET", "/stats", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status should be 200, not %d", w.Code)
	}

	stats := map[string]string{}
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats["queued"] != "0" {
		t.Fatalf("stats should carry queued=0, got %v", stats)
	}
}

func TestGetIdentity(t *testing.T) {
	s, man := newTestService(t, "")

	w := httptest.NewRecorder()
	s.Identity(w, httptest.NewRequest("GET", "/identity", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status should be 200, not %d", w.Code)
	}

	resp := IdentityResponse{}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Identity != man.PubKeyHex() {
		t.Fatal("response should carry the current identity")
	}
}

func TestSetIdentityFromKeyfile(t *testing.T) {
	s, man := newTestService(t, "")

	next, err := keys.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "priv_key")
	if err := keys.NewKeyfile(path).WriteKey(next); err != nil {
		t.Fatal(err)
	}

	body, _ := json.Marshal(SetIdentityRequest{Keyfile: path})
	w := httptest.NewRecorder()
	s.Identity(w, httptest.NewRequest("POST", "/identity", bytes.NewReader(body)))

	if w.Code != http.StatusOK {
		t.Fatalf("status should be 200, not %d: %s", w.Code, w.Body.String())
	}
	if man.PubKeyHex() != keys.PublicKeyHex(&next.PublicKey) {
		t.Fatal("identity should have rotated to the keyfile's key")
	}
}

func TestSetIdentityFromHexDump(t *testing.T) {
	s, man := newTestService(t, "")

	next, err := keys.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	body, _ := json.Marshal(SetIdentityRequest{Key: keys.PrivateKeyHex(next)})
	w := httptest.NewRecorder()
	s.Identity(w, httptest.NewRequest("POST", "/identity", bytes.NewReader(body)))

	if w.Code != http.StatusOK {
		t.Fatalf("status should be 200, not %d: %s", w.Code, w.Body.String())
	}
	if man.PubKeyHex() != keys.PublicKeyHex(&next.PublicKey) {
		t.Fatal("identity should have rotated to the posted key")
	}
}

func TestSetIdentityRejected(t *testing.T) {
	expected, err := keys.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	s, man := newTestService(t, keys.PublicKeyHex(&expected.PublicKey))

	old := man.PubKeyHex()

	other, err := keys.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	body, _ := json.Marshal(SetIdentityRequest{Key: keys.PrivateKeyHex(other)})
	w := httptest.NewRecorder()
	s.Identity(w, httptest.NewRequest("POST", "/identity", bytes.NewReader(body)))

	if w.Code != http.StatusConflict {
		t.Fatalf("status should be 409, not %d", w.Code)
	}
	if man.PubKeyHex() != old {
		t.Fatal("identity should not have changed")
	}
}

func TestSetIdentityEmptyBody(t *testing.T) {
	s, _ := newTestService(t, "")

	body, _ := json.Marshal(SetIdentityRequest{})
	w := httptest.NewRecorder()
	s.Identity(w, httptest.NewRequest("POST", "/identity", bytes.NewReader(body)))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status should be 400, not %d", w.Code)
	}
}

func TestResetIdentity(t *testing.T) {
	s, man := newTestService(t, "")

	old := man.PubKeyHex()

	w := httptest.NewRecorder()
	s.ResetIdentity(w, httptest.NewRequest("POST", "/identity/reset", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status should be 200, not %d: %s", w.Code, w.Body.String())
	}
	if man.PubKeyHex() == old {
		t.Fatal("reset should have produced a different identity")
	}

	// Reset only answers POST.
	w = httptest.NewRecorder()
	s.ResetIdentity(w, httptest.NewRequest("GET", "/identity/reset", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status should be 405, not %d", w.Code)
	}
}
