package stake

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/overpassnet/overpass/src/common"
	"github.com/overpassnet/overpass/src/keys"
	"github.com/overpassnet/overpass/src/observed"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func TestTrackerRefreshesOnRotation(t *testing.T) {
	key1, err := keys.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	key2, err := keys.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	// Each identity has its own stake figure.
	stakes := map[string]uint64{
		keys.PublicKeyHex(&key1.PublicKey): 1000,
		keys.PublicKeyHex(&key2.PublicKey): 2000,
	}

	var mu sync.Mutex
	queried := []string{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := stakeRequest{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad stake request: %v", err)
		}
		if req.Method != "getStakeByIdentity" || len(req.Params) != 1 {
			t.Errorf("unexpected stake request: %+v", req)
		}

		mu.Lock()
		queried = append(queried, req.Params[0])
		mu.Unlock()

		resp := stakeResponse{}
		resp.Result.ActivatedStake = stakes[req.Params[0]]
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	identity := observed.New(key1)

	tracker := NewTracker(
		server.URL,
		time.Hour, // rotation, not the interval, drives this test
		identity.Observer(),
		common.NewTestEntry(t, logrus.DebugLevel),
	)
	defer func() {
		tracker.Shutdown()
		tracker.WaitShutdown()
	}()

	waitFor(t, func() bool { return tracker.Stake() == 1000 }, "initial stake was not fetched")

	// Rotating the identity triggers an immediate refresh for the new key.
	identity.Update(key2)

	waitFor(t, func() bool { return tracker.Stake() == 2000 }, "stake was not refreshed after rotation")

	mu.Lock()
	first := queried[0]
	mu.Unlock()
	if first != keys.PublicKeyHex(&key1.PublicKey) {
		t.Fatal("first query should have been for the initial identity")
	}
}

func TestTrackerSurvivesRPCFailure(t *testing.T) {
	key, err := keys.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	identity := observed.New(key)

	tracker := NewTracker(
		server.URL,
		10*time.Millisecond,
		identity.Observer(),
		common.NewTestEntry(t, logrus.DebugLevel),
	)
	defer func() {
		tracker.Shutdown()
		tracker.WaitShutdown()
	}()

	// Failures are logged and retried; the tracker keeps running and serves
	// its last known figure.
	time.Sleep(50 * time.Millisecond)

	if tracker.Stake() != 0 {
		t.Fatalf("stake should still be 0, not %d", tracker.Stake())
	}
}
