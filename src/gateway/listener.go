// Package gateway maintains the relay's sessions to the gateway operator.
// A session is authenticated with the relay's signing identity, so the
// whole listener runs under a restart loop keyed on the observed identity:
// it must never open a session with a stale or unexpected key.
package gateway

import (
	"bufio"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"

	"github.com/overpassnet/overpass/src/sendpool"
	"github.com/overpassnet/overpass/src/version"
)

const bufSize = 1 << 16

// errStopped marks a session ended by the stop signal rather than by the
// peer.
var errStopped = errors.New("listener stopped")

// TxSink accepts transactions received from the gateway.
type TxSink interface {
	Submit(tx sendpool.Transaction) error
}

// Listener dials every configured gateway endpoint, authenticates with the
// identity it was started with, and feeds inbound transactions into the
// sink. Sessions reconnect with a fixed backoff until the stop channel
// closes.
type Listener struct {
	endpoints []string
	timeout   time.Duration
	backoff   time.Duration
	sink      TxSink
	logger    *logrus.Entry
}

// NewListener returns a Listener over the given endpoints.
func NewListener(
	endpoints []string,
	timeout time.Duration,
	backoff time.Duration,
	sink TxSink,
	logger *logrus.Entry,
) *Listener {
	return &Listener{
		endpoints: endpoints,
		timeout:   timeout,
		backoff:   backoff,
		sink:      sink,
		logger:    logger,
	}
}

// Run serves every endpoint until stop is closed. It is the protected unit
// of work handed to the identity restart loop: the key is fixed for the
// lifetime of the call, and a rotation is propagated by cancelling and
// restarting it.
func (l *Listener) Run(key *ecdsa.PrivateKey, stop <-chan struct{}) error {
	wg := sync.WaitGroup{}
	for _, endpoint := range l.endpoints {
		wg.Add(1)
		go func(endpoint string) {
			defer wg.Done()
			l.serveEndpoint(key, endpoint, stop)
		}(endpoint)
	}
	wg.Wait()
	return nil
}

func (l *Listener) serveEndpoint(key *ecdsa.PrivateKey, endpoint string, stop <-chan struct{}) {
	logger := l.logger.WithField("endpoint", endpoint)

	for {
		select {
		case <-stop:
			return
		default:
		}

		err := l.session(key, endpoint, stop)
		if err == errStopped {
			return
		}
		logger.WithError(err).Warn("gateway session ended")

		select {
		case <-time.After(l.backoff):
		case <-stop:
			return
		}
	}
}

// session runs a single authenticated connection for its lifespan.
func (l *Listener) session(key *ecdsa.PrivateKey, endpoint string, stop <-chan struct{}) error {
	conn, err := net.DialTimeout("tcp", endpoint, l.timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Unblock the read loop when asked to stop.
	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go func() {
		select {
		case <-stop:
			conn.Close()
		case <-sessionDone:
		}
	}()

	isStopped := func() bool {
		select {
		case <-stop:
			return true
		default:
			return false
		}
	}

	r := bufio.NewReaderSize(conn, bufSize)
	w := bufio.NewWriterSize(conn, bufSize)
	dec := codec.NewDecoder(r, newJsonHandle())
	enc := codec.NewEncoder(w, newJsonHandle())

	if err := l.handshake(key, conn, r, w, enc, dec); err != nil {
		return err
	}

	l.logger.WithField("endpoint", endpoint).Info("gateway session established")

	for {
		msgType, err := r.ReadByte()
		if err != nil {
			if isStopped() {
				return errStopped
			}
			if err == io.EOF {
				return fmt.Errorf("gateway closed the connection")
			}
			return err
		}

		if msgType != frameTx {
			return fmt.Errorf("unexpected frame type %d", msgType)
		}

		msg := TxMessage{}
		if err := dec.Decode(&msg); err != nil {
			if isStopped() {
				return errStopped
			}
			return err
		}

		tx := sendpool.Transaction{
			Signature: msg.Signature,
			Blockhash: msg.Blockhash,
			Payload:   msg.Payload,
		}
		if err := l.sink.Submit(tx); err != nil {
			l.logger.WithField("sig", msg.Signature).WithError(err).Debug("transaction not accepted")
		}
	}
}

func (l *Listener) handshake(
	key *ecdsa.PrivateKey,
	conn net.Conn,
	r *bufio.Reader,
	w *bufio.Writer,
	enc *codec.Encoder,
	dec *codec.Decoder,
) error {
	hello, err := signHello(key, time.Now().Unix(), version.Version)
	if err != nil {
		return err
	}

	if l.timeout > 0 {
		conn.SetDeadline(time.Now().Add(l.timeout))
	}

	if err := w.WriteByte(frameHello); err != nil {
		return err
	}
	if err := enc.Encode(hello); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	ackType, err := r.ReadByte()
	if err != nil {
		return err
	}
	if ackType != frameHelloAck {
		return fmt.Errorf("unexpected frame type %d in handshake", ackType)
	}

	ack := HelloAck{}
	if err := dec.Decode(&ack); err != nil {
		return err
	}
	if !ack.Accepted {
		return fmt.Errorf("gateway rejected session: %s", ack.Error)
	}

	// Handshake done; the transaction stream has no deadline.
	conn.SetDeadline(time.Time{})

	return nil
}
