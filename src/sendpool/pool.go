// Package sendpool buffers transactions accepted by the relay and drives
// them to the block producer until they land or expire. It is the one
// component that holds identity-attributed work in flight, so it registers
// on the flush barrier and drains before an identity rotation completes.
package sendpool

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrPoolShutdown is returned by Submit after the pool has stopped.
	ErrPoolShutdown = errors.New("send pool shutdown")

	// ErrQueueFull is returned by Submit when the submission queue is at
	// capacity.
	ErrQueueFull = errors.New("send pool queue is full")

	// ErrAlreadyRelayed is returned by Submit for a signature the journal
	// has already traced.
	ErrAlreadyRelayed = errors.New("transaction already relayed")
)

// Forwarder sends one transaction to an ingest target.
type Forwarder interface {
	Send(target string, sig string, payload []byte) error
}

// LeaderSource resolves the current forwarding target.
type LeaderSource interface {
	CurrentLeader() (string, bool)
}

// RecencySource answers whether a blockhash is still valid.
type RecencySource interface {
	IsRecent(hash string) bool
}

// Transaction is one unit of work accepted by the relay.
type Transaction struct {
	Signature string
	Blockhash string
	Payload   []byte
}

type pendingTx struct {
	tx       Transaction
	attempts int
	lastSend time.Time
}

// Config groups the pool's tunables.
type Config struct {
	QueueSize     int
	Workers       int
	MaxRetries    int
	RetryInterval time.Duration
	JournalDir    string
}

// Pool is the send-transactions worker pool. Accepted transactions are
// forwarded to the current leader and retried on an interval until their
// signature shows up in the rooted stream, their blockhash ages out, or the
// retry budget is spent.
type Pool struct {
	conf Config

	queueCh  chan Transaction
	rootedCh <-chan string

	recency   RecencySource
	leaders   LeaderSource
	forwarder Forwarder
	journal   *Journal

	mu       sync.Mutex
	idleCond *sync.Cond
	queued   int
	inflight int
	retries  map[string]*pendingTx

	sent    uint64
	rooted  uint64
	dropped uint64

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	doneCh chan struct{}
	result error

	logger *logrus.Entry
}

// NewPool opens the journal and starts the pool's dispatcher.
func NewPool(
	conf Config,
	recency RecencySource,
	leaders LeaderSource,
	forwarder Forwarder,
	rootedCh <-chan string,
	logger *logrus.Entry,
) (*Pool, error) {
	journal, err := NewJournal(conf.JournalDir)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %v", err)
	}

	p := &Pool{
		conf:       conf,
		queueCh:    make(chan Transaction, conf.QueueSize),
		rootedCh:   rootedCh,
		recency:    recency,
		leaders:    leaders,
		forwarder:  forwarder,
		journal:    journal,
		retries:    make(map[string]*pendingTx),
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
		logger:     logger,
	}
	p.idleCond = sync.NewCond(&p.mu)

	go p.run()

	return p, nil
}

// Submit accepts a transaction for relaying. A transaction whose blockhash
// is no longer recent can never land and is rejected outright, as is a
// signature the journal already traced.
func (p *Pool) Submit(tx Transaction) error {
	if p.isShutdown() {
		return ErrPoolShutdown
	}

	if !p.recency.IsRecent(tx.Blockhash) {
		return fmt.Errorf("blockhash %s is not recent", tx.Blockhash)
	}

	if has, err := p.journal.Has(tx.Signature); err != nil {
		return err
	} else if has {
		return ErrAlreadyRelayed
	}

	p.mu.Lock()
	p.queued++
	p.mu.Unlock()

	select {
	case p.queueCh <- tx:
		return nil
	default:
		p.mu.Lock()
		p.queued--
		p.mu.Unlock()
		return ErrQueueFull
	}
}

func (p *Pool) run() {
	defer close(p.doneCh)

	sem := make(chan struct{}, p.conf.Workers)

	ticker := time.NewTicker(p.conf.RetryInterval)
	defer ticker.Stop()

	rootedCh := p.rootedCh

	for {
		select {
		case tx := <-p.queueCh:
			sem <- struct{}{}
			p.mu.Lock()
			p.queued--
			p.inflight++
			p.mu.Unlock()
			go func(tx Transaction) {
				defer func() { <-sem }()
				p.send(tx)
			}(tx)

		case sig, ok := <-rootedCh:
			if !ok {
				// Upstream stopped; the supervisor is already tearing the
				// process down, keep draining until told to stop.
				rootedCh = nil
				continue
			}
			p.markRooted(sig)

		case <-ticker.C:
			p.retryDue(sem)

		case <-p.shutdownCh:
			// Let in-flight sends finish before closing the journal under
			// them.
			for i := 0; i < p.conf.Workers; i++ {
				sem <- struct{}{}
			}
			p.result = p.journal.Close()
			p.mu.Lock()
			p.idleCond.Broadcast()
			p.mu.Unlock()
			return
		}
	}
}

// send forwards one transaction and schedules it for confirmation tracking.
func (p *Pool) send(tx Transaction) {
	defer func() {
		p.mu.Lock()
		p.inflight--
		if p.inflight == 0 && p.queued == 0 {
			p.idleCond.Broadcast()
		}
		p.mu.Unlock()
	}()

	target, ok := p.leaders.CurrentLeader()
	if !ok {
		p.logger.WithField("sig", tx.Signature).Debug("no current leader, scheduling retry")
		p.schedule(tx)
		return
	}

	if err := p.forwarder.Send(target, tx.Signature, tx.Payload); err != nil {
		p.logger.WithFields(logrus.Fields{
			"sig":    tx.Signature,
			"target": target,
		}).WithError(err).Warn("forwarding failed, scheduling retry")
		p.schedule(tx)
		return
	}

	// Trace on the first forward that actually reaches a target. A first
	// attempt deferred by a missing leader or a dead target lands here as a
	// retry, so the retry flag cannot key the journal write.
	if has, err := p.journal.Has(tx.Signature); err != nil {
		p.logger.WithError(err).Error("journal read failed")
	} else if !has {
		if err := p.journal.Record(tx.Signature, tx.Blockhash); err != nil {
			p.logger.WithError(err).Error("journal write failed")
		}
	}

	p.mu.Lock()
	p.sent++
	p.mu.Unlock()

	p.schedule(tx)
}

func (p *Pool) schedule(tx Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pend, ok := p.retries[tx.Signature]
	if !ok {
		pend = &pendingTx{tx: tx}
		p.retries[tx.Signature] = pend
	}
	pend.attempts++
	pend.lastSend = time.Now()
}

func (p *Pool) markRooted(sig string) {
	p.mu.Lock()
	_, tracked := p.retries[sig]
	delete(p.retries, sig)
	if tracked {
		p.rooted++
	}
	p.mu.Unlock()

	if err := p.journal.MarkRooted(sig); err != nil {
		p.logger.WithError(err).Error("journal update failed")
	}
}

// retryDue rescans the confirmation backlog: transactions whose blockhash
// aged out or whose retry budget is spent are dropped; the rest are resent.
func (p *Pool) retryDue(sem chan struct{}) {
	due := []Transaction{}

	p.mu.Lock()
	now := time.Now()
	for sig, pend := range p.retries {
		if now.Sub(pend.lastSend) < p.conf.RetryInterval {
			continue
		}
		if !p.recency.IsRecent(pend.tx.Blockhash) {
			delete(p.retries, sig)
			p.dropped++
			p.logger.WithField("sig", sig).Debug("blockhash expired, transaction dropped")
			continue
		}
		if pend.attempts > p.conf.MaxRetries {
			delete(p.retries, sig)
			p.dropped++
			p.logger.WithField("sig", sig).Debug("retry budget spent, transaction dropped")
			continue
		}
		due = append(due, pend.tx)
	}
	p.mu.Unlock()

	for _, tx := range due {
		select {
		case sem <- struct{}{}:
			p.mu.Lock()
			p.inflight++
			p.mu.Unlock()
			go func(tx Transaction) {
				defer func() { <-sem }()
				p.send(tx)
			}(tx)
		default:
			// Workers saturated; the next tick will pick it up.
			return
		}
	}
}

// Flush blocks until the submission queue is empty and no send is in
// flight. The confirmation backlog is left alone: those transactions were
// already forwarded and will be retried under whichever session is current.
// Flush is a safe no-op when nothing is pending.
func (p *Pool) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.queued+p.inflight > 0 && !p.isShutdown() {
		p.idleCond.Wait()
	}

	return nil
}

// Stats returns pool counters for the stats endpoint.
func (p *Pool) Stats() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return map[string]string{
		"queued":   strconv.Itoa(p.queued),
		"inflight": strconv.Itoa(p.inflight),
		"retrying": strconv.Itoa(len(p.retries)),
		"sent":     strconv.FormatUint(p.sent, 10),
		"rooted":   strconv.FormatUint(p.rooted, 10),
		"dropped":  strconv.FormatUint(p.dropped, 10),
	}
}

func (p *Pool) isShutdown() bool {
	select {
	case <-p.shutdownCh:
		return true
	default:
		return false
	}
}

// Shutdown requests the pool to stop. It is idempotent and does not block.
func (p *Pool) Shutdown() {
	p.shutdownLock.Lock()
	defer p.shutdownLock.Unlock()

	if !p.shutdown {
		p.shutdown = true
		close(p.shutdownCh)
	}
}

// WaitShutdown blocks until the pool has stopped and the journal is closed.
// It can be called any number of times.
func (p *Pool) WaitShutdown() error {
	<-p.doneCh
	return p.result
}
