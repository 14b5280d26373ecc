// Package stake tracks the stake delegated to the relay's identity. Gateway
// operators weigh relays by stake, so the tracker refreshes the figure
// periodically and immediately after every identity rotation.
package stake

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/overpassnet/overpass/src/keys"
	"github.com/overpassnet/overpass/src/observed"
)

type stakeRequest struct {
	JSONRPC string   `json:"jsonrpc"`
	ID      int      `json:"id"`
	Method  string   `json:"method"`
	Params  []string `json:"params"`
}

type stakeResponse struct {
	Result struct {
		ActivatedStake uint64 `json:"activated_stake"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Tracker refreshes the relay's stake on an interval and on identity
// rotation. It is an independent subscriber of the shared observed identity;
// it never talks to the other identity consumers.
type Tracker struct {
	rpcURL   string
	interval time.Duration

	httpClient *http.Client
	identity   *observed.Observer[*ecdsa.PrivateKey]

	mu    sync.Mutex
	stake uint64

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	doneCh chan struct{}
	result error

	logger *logrus.Entry
}

// NewTracker creates a Tracker and starts its refresh routine.
func NewTracker(
	rpcURL string,
	interval time.Duration,
	identity *observed.Observer[*ecdsa.PrivateKey],
	logger *logrus.Entry,
) *Tracker {
	t := &Tracker{
		rpcURL:     rpcURL,
		interval:   interval,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		identity:   identity,
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
		logger:     logger,
	}

	go t.run()

	return t
}

func (t *Tracker) run() {
	defer close(t.doneCh)

	for {
		key := t.identity.Latest()
		pub := keys.PublicKeyHex(&key.PublicKey)

		if err := t.refresh(pub); err != nil {
			t.logger.WithError(err).Error("stake refresh failed")
		}

		// Wait for the next interval, but wake up early if the identity
		// rotates so the new identity's stake is picked up right away.
		changeStop := make(chan struct{})
		changeCh := make(chan struct{}, 1)
		go func() {
			if _, ok := t.identity.Observe(changeStop); ok {
				changeCh <- struct{}{}
			}
		}()

		select {
		case <-time.After(t.interval):
			close(changeStop)
		case <-changeCh:
			t.logger.Debug("identity changed, refreshing stake")
		case <-t.shutdownCh:
			close(changeStop)
			return
		}
	}
}

func (t *Tracker) refresh(pub string) error {
	req := stakeRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getStakeByIdentity",
		Params:  []string{pub},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	resp, err := t.httpClient.Post(t.rpcURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stake request returned %s", resp.Status)
	}

	stakeResp := stakeResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&stakeResp); err != nil {
		return err
	}
	if stakeResp.Error != nil {
		return fmt.Errorf("stake request failed: %s", stakeResp.Error.Message)
	}

	t.mu.Lock()
	t.stake = stakeResp.Result.ActivatedStake
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"identity": pub,
		"stake":    stakeResp.Result.ActivatedStake,
	}).Debug("stake refreshed")

	return nil
}

// Stake returns the last refreshed stake figure.
func (t *Tracker) Stake() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stake
}

// Shutdown requests the tracker to stop. It is idempotent and does not
// block.
func (t *Tracker) Shutdown() {
	t.shutdownLock.Lock()
	defer t.shutdownLock.Unlock()

	if !t.shutdown {
		t.shutdown = true
		close(t.shutdownCh)
	}
}

// WaitShutdown blocks until the tracker has stopped. It can be called any
// number of times.
func (t *Tracker) WaitShutdown() error {
	<-t.doneCh
	return t.result
}
