// Package blockhash tracks the rolling window of recent blockhashes. A
// transaction is only worth relaying while its blockhash is inside the
// window; once the chain has moved past it, the transaction can never land.
package blockhash

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/overpassnet/overpass/src/upstream"
)

// Queue consumes blockhash and slot updates from the upstream subscription
// and answers recency queries. It exits on its own when the upstream stream
// closes.
type Queue struct {
	mu       sync.Mutex
	hashes   map[string]uint64 // hash -> slot it was produced in
	lastSlot uint64

	// maxAge is the window size in slots after which a blockhash is pruned.
	maxAge uint64

	blockhashCh <-chan upstream.BlockhashUpdate
	slotCh      <-chan upstream.SlotUpdate

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	doneCh chan struct{}
	result error

	logger *logrus.Entry
}

// NewQueue creates a Queue fed by the given upstream channels and starts its
// consuming routine.
func NewQueue(
	blockhashCh <-chan upstream.BlockhashUpdate,
	slotCh <-chan upstream.SlotUpdate,
	maxAge uint64,
	logger *logrus.Entry,
) *Queue {
	q := &Queue{
		hashes:      make(map[string]uint64),
		maxAge:      maxAge,
		blockhashCh: blockhashCh,
		slotCh:      slotCh,
		shutdownCh:  make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger,
	}

	go q.run()

	return q
}

func (q *Queue) run() {
	defer close(q.doneCh)

	for {
		select {
		case bh, ok := <-q.blockhashCh:
			if !ok {
				q.logger.Debug("blockhash stream closed")
				return
			}
			q.mu.Lock()
			q.hashes[bh.Hash] = bh.Slot
			q.mu.Unlock()

		case s, ok := <-q.slotCh:
			if !ok {
				q.logger.Debug("slot stream closed")
				return
			}
			q.advance(s.Slot)

		case <-q.shutdownCh:
			return
		}
	}
}

// advance records the new slot and prunes every blockhash that fell out of
// the window.
func (q *Queue) advance(slot uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if slot <= q.lastSlot {
		return
	}
	q.lastSlot = slot

	for hash, s := range q.hashes {
		if s+q.maxAge < slot {
			delete(q.hashes, hash)
		}
	}
}

// IsRecent reports whether the blockhash is still inside the validity
// window.
func (q *Queue) IsRecent(hash string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, ok := q.hashes[hash]
	return ok
}

// LastSlot returns the latest slot seen.
func (q *Queue) LastSlot() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastSlot
}

// Len returns the number of blockhashes currently inside the window.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.hashes)
}

// Shutdown requests the queue to stop. It is idempotent and does not block.
func (q *Queue) Shutdown() {
	q.shutdownLock.Lock()
	defer q.shutdownLock.Unlock()

	if !q.shutdown {
		q.shutdown = true
		close(q.shutdownCh)
	}
}

// WaitShutdown blocks until the queue has stopped. It can be called any
// number of times.
func (q *Queue) WaitShutdown() error {
	<-q.doneCh
	return q.result
}
