// Package overpass wires the relay together: the upstream chain
// subscription, the blockhash window, leader discovery, the send pool, the
// identity manager, the gateway sessions and the admin service, all
// supervised by a single task group.
package overpass

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/overpassnet/overpass/src/blockhash"
	"github.com/overpassnet/overpass/src/cluster"
	"github.com/overpassnet/overpass/src/config"
	"github.com/overpassnet/overpass/src/flush"
	"github.com/overpassnet/overpass/src/gateway"
	"github.com/overpassnet/overpass/src/group"
	"github.com/overpassnet/overpass/src/identity"
	"github.com/overpassnet/overpass/src/keys"
	"github.com/overpassnet/overpass/src/observed"
	"github.com/overpassnet/overpass/src/sendpool"
	"github.com/overpassnet/overpass/src/service"
	"github.com/overpassnet/overpass/src/stake"
	"github.com/overpassnet/overpass/src/tpu"
	"github.com/overpassnet/overpass/src/upstream"
)

// Overpass is the top-level relay object.
type Overpass struct {
	Config *config.Config

	Upstream    *upstream.Subscriber
	Blockhashes *blockhash.Queue
	Leaders     *cluster.LeaderInfo
	Stake       *stake.Tracker
	Sender      *tpu.Sender
	Pool        *sendpool.Pool
	Barrier     *flush.Barrier
	Identity    *identity.Manager
	Gateway     *gateway.Listener
	Service     *service.Service

	gatewayLoop *observed.RestartLoop[*ecdsa.PrivateKey]

	logger *logrus.Entry
}

// NewOverpass returns an uninitialised relay holding its configuration.
func NewOverpass(config *config.Config) *Overpass {
	engine := &Overpass{
		Config: config,
		logger: config.Logger(),
	}

	return engine
}

func (o *Overpass) initKey() error {
	if o.Config.Key == nil {
		keyfile := keys.NewKeyfile(o.Config.Keyfile())

		privKey, err := keyfile.ReadKey()

		if err != nil {
			o.logger.Warn("Cannot read private key from file", err)

			privKey, err = Keygen(o.Config.Keyfile())

			if err != nil {
				o.logger.Error("Cannot generate a new private key", err)

				return err
			}

			o.logger.Info("Created a new key:", keys.PublicKeyHex(&privKey.PublicKey))
		}

		o.Config.Key = privKey
	}
	return nil
}

func (o *Overpass) initUpstream() error {
	sub, err := upstream.NewSubscriber(
		o.Config.UpstreamAddr,
		o.Config.UpstreamRealm,
		o.Config.UpstreamTimeout,
		o.logger.WithField("component", "upstream"),
	)

	if err != nil {
		return fmt.Errorf("connecting upstream: %v", err)
	}

	o.Upstream = sub

	return nil
}

func (o *Overpass) initBlockhashes() error {
	o.Blockhashes = blockhash.NewQueue(
		o.Upstream.Blockhashes(),
		o.Upstream.Slots(),
		o.Config.BlockhashMaxAge,
		o.logger.WithField("component", "blockhash"),
	)

	return nil
}

func (o *Overpass) initLeaders() error {
	o.Leaders = cluster.NewLeaderInfo(
		o.Config.RPCAddr,
		o.Config.LeaderRefresh,
		o.Blockhashes,
		o.Config.LeaderBlocklist,
		o.logger.WithField("component", "cluster"),
	)

	return nil
}

func (o *Overpass) initIdentity() error {
	o.Barrier = flush.NewBarrier()

	o.Identity = identity.NewManager(
		o.Config.Key,
		o.Config.ExpectedIdentity,
		o.Barrier,
		o.logger.WithField("component", "identity"),
	)

	return nil
}

func (o *Overpass) initStake() error {
	o.Stake = stake.NewTracker(
		o.Config.RPCAddr,
		o.Config.StakeRefresh,
		o.Identity.Observer(),
		o.logger.WithField("component", "stake"),
	)

	return nil
}

func (o *Overpass) initPool() error {
	o.Sender = tpu.NewSender(
		o.Config.MaxPool,
		o.Config.TCPTimeout,
		o.logger.WithField("component", "tpu"),
	)

	pool, err := sendpool.NewPool(
		sendpool.Config{
			QueueSize:     o.Config.QueueSize,
			Workers:       o.Config.Workers,
			MaxRetries:    o.Config.MaxRetries,
			RetryInterval: o.Config.RetryInterval,
			JournalDir:    o.Config.JournalDir,
		},
		o.Blockhashes,
		o.Leaders,
		o.Sender,
		o.Upstream.Rooted(),
		o.logger.WithField("component", "sendpool"),
	)

	if err != nil {
		return err
	}

	o.Pool = pool

	// The pool holds identity-attributed work in flight; it must drain
	// before a rotation is acknowledged.
	o.Barrier.Add("send_transactions_pool", o.Pool)

	return nil
}

func (o *Overpass) initGateway() error {
	// Without endpoints the listener has nothing to serve and would return
	// immediately, over and over, under the restart loop.
	if len(o.Config.GatewayEndpoints) == 0 {
		return fmt.Errorf("no gateway endpoints configured")
	}

	o.Gateway = gateway.NewListener(
		o.Config.GatewayEndpoints,
		o.Config.GatewayTimeout,
		o.Config.GatewayBackoff,
		o.Pool,
		o.logger.WithField("component", "gateway"),
	)

	expected := o.Config.ExpectedIdentity

	o.gatewayLoop = observed.NewRestartLoop(
		o.Identity.Observer(),
		func(key *ecdsa.PrivateKey) bool {
			if key == nil {
				return false
			}
			return expected == "" || keys.PublicKeyHex(&key.PublicKey) == expected
		},
		o.Gateway.Run,
		o.logger.WithField("component", "gateway"),
	)

	return nil
}

func (o *Overpass) initService() error {
	if !o.Config.NoService {
		o.Service = service.NewService(
			o.Config.ServiceAddr,
			o.Identity,
			o.stats,
			o.logger.WithField("component", "service"),
		)
	}
	return nil
}

// Init initialises the relay's components in dependency order.
func (o *Overpass) Init() error {
	if err := o.initKey(); err != nil {
		return err
	}

	if err := o.initUpstream(); err != nil {
		return err
	}

	if err := o.initBlockhashes(); err != nil {
		return err
	}

	if err := o.initLeaders(); err != nil {
		return err
	}

	if err := o.initIdentity(); err != nil {
		return err
	}

	if err := o.initStake(); err != nil {
		return err
	}

	if err := o.initPool(); err != nil {
		return err
	}

	if err := o.initGateway(); err != nil {
		return err
	}

	if err := o.initService(); err != nil {
		return err
	}

	return nil
}

// Run supervises the relay until the first task exits, then drains the rest
// and reports. An operator interrupt is just another task; it walks the same
// path as a crashing subsystem.
func (o *Overpass) Run() error {
	if o.Service != nil {
		go o.Service.Serve()
	}

	tasks := group.NewTaskGroup()

	tasks.SpawnCancelable("signals", func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		o.logger.WithField("signal", sig.String()).Info("signal received")
		return nil
	})

	tasks.SpawnShutdownable("upstream", o.Upstream)
	tasks.SpawnShutdownable("blockhash_queue", o.Blockhashes)
	tasks.SpawnShutdownable("leader_info", o.Leaders)
	tasks.SpawnShutdownable("stake_tracker", o.Stake)
	tasks.SpawnShutdownable("send_transactions_pool", o.Pool)
	tasks.SpawnWithShutdown("gateway", o.gatewayLoop.Run)

	name, err, rest, waitErr := tasks.WaitOne()
	if waitErr != nil {
		return waitErr
	}

	if err != nil {
		o.logger.WithField("task", name).WithError(err).Error("task failed, shutting down")
	} else {
		o.logger.WithField("task", name).Info("task exited, shutting down")
	}

	for _, r := range rest {
		entry := o.logger.WithField("task", r.Name)
		switch {
		case r.Abandoned:
			entry.Debug("task abandoned")
		case r.Err != nil:
			entry.WithError(r.Err).Warn("task stopped with error")
		default:
			entry.Debug("task stopped")
		}
	}

	if o.Service != nil {
		o.Service.Shutdown()
	}

	o.Sender.Close()

	return exitError(name, err, rest)
}

// exitError folds the triggering result and the drained results into the
// process outcome. An abandoned task never finished on its own; it does not
// count as a failure.
func exitError(name string, first error, rest []group.TaskResult) error {
	failures := []string{}

	for _, r := range rest {
		if r.Err != nil && !r.Abandoned {
			failures = append(failures, fmt.Sprintf("%s: %v", r.Name, r.Err))
		}
	}

	if len(failures) == 0 {
		return first
	}

	if first != nil {
		failures = append([]string{fmt.Sprintf("%s: %v", name, first)}, failures...)
	}

	return fmt.Errorf("tasks failed: %s", strings.Join(failures, "; "))
}

// stats aggregates the counters exposed on the admin API.
func (o *Overpass) stats() map[string]string {
	stats := o.Pool.Stats()

	stats["identity"] = o.Identity.PubKeyHex()
	stats["stake"] = strconv.FormatUint(o.Stake.Stake(), 10)
	stats["last_slot"] = strconv.FormatUint(o.Blockhashes.LastSlot(), 10)
	stats["recent_blockhashes"] = strconv.Itoa(o.Blockhashes.Len())
	stats["gateway_state"] = o.gatewayLoop.GetState().String()

	return stats
}

// Keygen generates a new private key and writes it to the given keyfile. It
// refuses to overwrite an existing key.
func Keygen(keyfilePath string) (*ecdsa.PrivateKey, error) {
	keyfile := keys.NewKeyfile(keyfilePath)

	_, err := keyfile.ReadKey()

	if err == nil {
		return nil, fmt.Errorf("Another key already lives under %s", keyfilePath)
	}

	privKey, err := keys.GenerateKey()

	if err != nil {
		return nil, err
	}

	if err := keyfile.WriteKey(privKey); err != nil {
		return nil, err
	}

	return privKey, nil
}
