// Package upstream maintains the streaming subscription to the chain data
// provider. Slot progression, recent blockhashes, and rooted transaction
// signatures arrive as WAMP events over a websocket connection to the
// provider's router.
package upstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/nexus/v3/client"
	"github.com/gammazero/nexus/v3/wamp"
	"github.com/sirupsen/logrus"
)

// Topics published by the upstream router.
const (
	TopicSlots       = "chain.slots"
	TopicBlockhashes = "chain.blockhashes"
	TopicRooted      = "chain.rooted"
)

// SlotUpdate reports the progression of the chain to a new slot.
type SlotUpdate struct {
	Slot   uint64
	Status string
}

// BlockhashUpdate reports a new recent blockhash and the slot it was
// produced in.
type BlockhashUpdate struct {
	Hash string
	Slot uint64
}

// Subscriber consumes the upstream event stream and fans it out on typed
// channels. It stops either when asked to through Shutdown, or on its own
// when the router connection drops, which the supervisor treats as fatal.
type Subscriber struct {
	client *client.Client

	slotCh      chan SlotUpdate
	blockhashCh chan BlockhashUpdate
	rootedCh    chan string

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	doneCh chan struct{}
	result error

	logger *logrus.Entry
}

// NewSubscriber connects to the upstream WAMP router, subscribes to the
// chain topics, and starts consuming.
func NewSubscriber(
	server string,
	realm string,
	responseTimeout time.Duration,
	logger *logrus.Entry,
) (*Subscriber, error) {
	cfg := client.Config{
		Realm:           realm,
		ResponseTimeout: responseTimeout,
		Logger:          logger,
	}

	cli, err := client.ConnectNet(context.Background(), fmt.Sprintf("ws://%s", server), cfg)
	if err != nil {
		return nil, err
	}

	s := &Subscriber{
		client:      cli,
		slotCh:      make(chan SlotUpdate, 1024),
		blockhashCh: make(chan BlockhashUpdate, 1024),
		rootedCh:    make(chan string, 4096),
		shutdownCh:  make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger,
	}

	if err := cli.Subscribe(TopicSlots, s.handleSlot, nil); err != nil {
		cli.Close()
		return nil, fmt.Errorf("subscribing to %s: %v", TopicSlots, err)
	}
	if err := cli.Subscribe(TopicBlockhashes, s.handleBlockhash, nil); err != nil {
		cli.Close()
		return nil, fmt.Errorf("subscribing to %s: %v", TopicBlockhashes, err)
	}
	if err := cli.Subscribe(TopicRooted, s.handleRooted, nil); err != nil {
		cli.Close()
		return nil, fmt.Errorf("subscribing to %s: %v", TopicRooted, err)
	}

	go s.run()

	return s, nil
}

// Slots returns the slot progression channel. It is closed when the
// subscriber stops.
func (s *Subscriber) Slots() <-chan SlotUpdate {
	return s.slotCh
}

// Blockhashes returns the recent-blockhash channel. It is closed when the
// subscriber stops.
func (s *Subscriber) Blockhashes() <-chan BlockhashUpdate {
	return s.blockhashCh
}

// Rooted returns the rooted-signature channel. It is closed when the
// subscriber stops.
func (s *Subscriber) Rooted() <-chan string {
	return s.rootedCh
}

func (s *Subscriber) run() {
	select {
	case <-s.client.Done():
		// The router hung up on us. Losing the chain stream means we can no
		// longer keep transactions valid, so surface it as a failure.
		s.result = fmt.Errorf("upstream connection closed")
	case <-s.shutdownCh:
		s.client.Close()
	}

	close(s.slotCh)
	close(s.blockhashCh)
	close(s.rootedCh)
	close(s.doneCh)
}

// Shutdown requests the subscriber to stop. It is idempotent and does not
// block.
func (s *Subscriber) Shutdown() {
	s.shutdownLock.Lock()
	defer s.shutdownLock.Unlock()

	if !s.shutdown {
		s.shutdown = true
		close(s.shutdownCh)
	}
}

// WaitShutdown blocks until the subscriber has stopped and returns its
// terminal result. It can be called any number of times.
func (s *Subscriber) WaitShutdown() error {
	<-s.doneCh
	return s.result
}

func (s *Subscriber) handleSlot(event *wamp.Event) {
	if len(event.Arguments) < 2 {
		s.logger.Warn("malformed slot event")
		return
	}
	slot, ok := wamp.AsInt64(event.Arguments[0])
	if !ok {
		s.logger.Warn("malformed slot event")
		return
	}
	status, _ := wamp.AsString(event.Arguments[1])

	select {
	case s.slotCh <- SlotUpdate{Slot: uint64(slot), Status: status}:
	default:
		s.logger.WithField("slot", slot).Debug("slot consumer lagging, update dropped")
	}
}

func (s *Subscriber) handleBlockhash(event *wamp.Event) {
	if len(event.Arguments) < 2 {
		s.logger.Warn("malformed blockhash event")
		return
	}
	hash, ok := wamp.AsString(event.Arguments[0])
	if !ok {
		s.logger.Warn("malformed blockhash event")
		return
	}
	slot, _ := wamp.AsInt64(event.Arguments[1])

	select {
	case s.blockhashCh <- BlockhashUpdate{Hash: hash, Slot: uint64(slot)}:
	default:
		s.logger.WithField("hash", hash).Debug("blockhash consumer lagging, update dropped")
	}
}

func (s *Subscriber) handleRooted(event *wamp.Event) {
	if len(event.Arguments) < 1 {
		s.logger.Warn("malformed rooted event")
		return
	}
	sig, ok := wamp.AsString(event.Arguments[0])
	if !ok {
		s.logger.Warn("malformed rooted event")
		return
	}

	select {
	case s.rootedCh <- sig:
	default:
		s.logger.Debug("rooted consumer lagging, signature dropped")
	}
}
