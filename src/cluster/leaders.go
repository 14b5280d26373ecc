// Package cluster discovers which gateway endpoint is currently fronting
// the block producer. The leader schedule is refreshed periodically from the
// upstream RPC node and combined with the live slot to answer "who do we
// forward to right now".
package cluster

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SlotSource provides the latest slot seen on chain.
type SlotSource interface {
	LastSlot() uint64
}

// LeaderEntry is one slot range of the leader schedule as returned by the
// upstream RPC node.
type LeaderEntry struct {
	FirstSlot uint64 `json:"first_slot"`
	LastSlot  uint64 `json:"last_slot"`
	Identity  string `json:"identity"`
	TPUAddr   string `json:"tpu_addr"`
}

type scheduleRequest struct {
	JSONRPC string   `json:"jsonrpc"`
	ID      int      `json:"id"`
	Method  string   `json:"method"`
	Params  []uint64 `json:"params"`
}

type scheduleResponse struct {
	Result []LeaderEntry `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// LeaderInfo periodically refreshes the leader schedule and resolves the
// current forwarding target. Leaders on the blocklist are never returned.
type LeaderInfo struct {
	rpcURL   string
	interval time.Duration

	httpClient *http.Client
	slots      SlotSource

	mu        sync.Mutex
	schedule  []LeaderEntry
	blocklist map[string]bool

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	doneCh chan struct{}
	result error

	logger *logrus.Entry
}

// NewLeaderInfo creates a LeaderInfo and starts its refresh routine. An
// initial refresh is attempted synchronously so that the relay does not
// start with an empty schedule; a failure there is logged, not fatal.
func NewLeaderInfo(
	rpcURL string,
	interval time.Duration,
	slots SlotSource,
	blocklist []string,
	logger *logrus.Entry,
) *LeaderInfo {
	blocked := make(map[string]bool, len(blocklist))
	for _, id := range blocklist {
		blocked[id] = true
	}

	l := &LeaderInfo{
		rpcURL:     rpcURL,
		interval:   interval,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		slots:      slots,
		blocklist:  blocked,
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
		logger:     logger,
	}

	if err := l.refresh(); err != nil {
		l.logger.WithError(err).Warn("initial leader schedule refresh failed")
	}

	go l.run()

	return l
}

func (l *LeaderInfo) run() {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := l.refresh(); err != nil {
				l.logger.WithError(err).Error("leader schedule refresh failed")
			}
		case <-l.shutdownCh:
			return
		}
	}
}

// refresh fetches the schedule starting at the current slot.
func (l *LeaderInfo) refresh() error {
	req := scheduleRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getLeaderSchedule",
		Params:  []uint64{l.slots.LastSlot()},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	resp, err := l.httpClient.Post(l.rpcURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("leader schedule request returned %s", resp.Status)
	}

	schedResp := scheduleResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&schedResp); err != nil {
		return err
	}
	if schedResp.Error != nil {
		return fmt.Errorf("leader schedule request failed: %s", schedResp.Error.Message)
	}

	l.mu.Lock()
	l.schedule = schedResp.Result
	l.mu.Unlock()

	l.logger.WithField("entries", len(schedResp.Result)).Debug("leader schedule refreshed")

	return nil
}

// CurrentLeader returns the forwarding address of the leader for the latest
// slot. ok is false when the schedule has no usable entry for it.
func (l *LeaderInfo) CurrentLeader() (string, bool) {
	slot := l.slots.LastSlot()

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range l.schedule {
		if slot >= e.FirstSlot && slot <= e.LastSlot {
			if l.blocklist[e.Identity] {
				return "", false
			}
			return e.TPUAddr, true
		}
	}

	return "", false
}

// Shutdown requests the refresh routine to stop. It is idempotent and does
// not block.
func (l *LeaderInfo) Shutdown() {
	l.shutdownLock.Lock()
	defer l.shutdownLock.Unlock()

	if !l.shutdown {
		l.shutdown = true
		close(l.shutdownCh)
	}
}

// WaitShutdown blocks until the refresh routine has stopped. It can be
// called any number of times.
func (l *LeaderInfo) WaitShutdown() error {
	<-l.doneCh
	return l.result
}
