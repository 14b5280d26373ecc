package config

import (
	"crypto/ecdsa"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/overpassnet/overpass/src/common"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the relay's
	// private key
	DefaultKeyfile = "priv_key"

	// DefaultBadgerFile is the default name of the folder containing the Badger
	// journal database
	DefaultBadgerFile = "journal_db"
)

// Default configuration values.
const (
	DefaultLogLevel         = "debug"
	DefaultServiceAddr      = "127.0.0.1:8000"
	DefaultUpstreamAddr     = "127.0.0.1:8555"
	DefaultUpstreamRealm    = "chain"
	DefaultUpstreamTimeout  = 5 * time.Second
	DefaultRPCAddr          = "http://127.0.0.1:8899"
	DefaultGatewayTimeout   = 1000 * time.Millisecond
	DefaultGatewayBackoff   = 2 * time.Second
	DefaultLeaderRefresh    = 10 * time.Second
	DefaultStakeRefresh     = 30 * time.Second
	DefaultBlockhashMaxAge  = 150
	DefaultQueueSize        = 1024
	DefaultWorkers          = 16
	DefaultMaxRetries       = 5
	DefaultRetryInterval    = 2 * time.Second
	DefaultMaxPool          = 2
	DefaultTCPTimeout       = 1000 * time.Millisecond
	DefaultNoService        = false
)

// Config contains all the configuration properties of an Overpass relay.
type Config struct {
	// DataDir is the top-level directory containing Overpass configuration
	// and data
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, mirrors the log output to the given file through a
	// logrus hook.
	LogFile string `mapstructure:"log-file"`

	// NoService disables the admin HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the admin HTTP service.
	ServiceAddr string `mapstructure:"service-listen"`

	// UpstreamAddr is the address:port of the chain event publisher feeding
	// slot, blockhash and rooted-signature updates over websockets.
	UpstreamAddr string `mapstructure:"upstream"`

	// UpstreamRealm is the administrative domain on the event publisher.
	// Updates are only routed within a realm.
	UpstreamRealm string `mapstructure:"upstream-realm"`

	// UpstreamTimeout is the response timeout of upstream requests.
	UpstreamTimeout time.Duration `mapstructure:"upstream-timeout"`

	// RPCAddr is the HTTP address of the chain JSON-RPC endpoint, used to
	// query the leader schedule and the identity's stake.
	RPCAddr string `mapstructure:"rpc"`

	// GatewayEndpoints are the address:port endpoints of the gateway
	// operator. A session is maintained to each of them.
	GatewayEndpoints []string `mapstructure:"gateways"`

	// GatewayTimeout is the dial and handshake timeout of gateway sessions.
	GatewayTimeout time.Duration `mapstructure:"gateway-timeout"`

	// GatewayBackoff is how long to wait before redialing a broken gateway
	// session.
	GatewayBackoff time.Duration `mapstructure:"gateway-backoff"`

	// ExpectedIdentity, when set, is the hex public key the relay's identity
	// must match before gateway sessions are opened. The relay starts parked
	// if its keyfile does not hold the expected identity.
	ExpectedIdentity string `mapstructure:"expected-identity"`

	// LeaderBlocklist lists producer identities that must never be forwarded
	// to.
	LeaderBlocklist []string `mapstructure:"leader-blocklist"`

	// LeaderRefresh is the leader-schedule polling interval.
	LeaderRefresh time.Duration `mapstructure:"leader-refresh"`

	// StakeRefresh is the stake polling interval.
	StakeRefresh time.Duration `mapstructure:"stake-refresh"`

	// BlockhashMaxAge is the number of slots a blockhash stays recent for.
	BlockhashMaxAge uint64 `mapstructure:"blockhash-max-age"`

	// QueueSize is the capacity of the send pool's submission queue.
	QueueSize int `mapstructure:"queue-size"`

	// Workers is the number of concurrent forwarding workers in the send
	// pool.
	Workers int `mapstructure:"workers"`

	// MaxRetries is the per-transaction retry budget.
	MaxRetries int `mapstructure:"max-retries"`

	// RetryInterval is how often unconfirmed transactions are resent.
	RetryInterval time.Duration `mapstructure:"retry-interval"`

	// MaxPool controls how many connections are pooled per ingest target.
	MaxPool int `mapstructure:"max-pool"`

	// TCPTimeout is the timeout of ingest connections, for dialing and for
	// writes.
	TCPTimeout time.Duration `mapstructure:"timeout"`

	// JournalDir is the directory containing the journal database files.
	JournalDir string `mapstructure:"journal"`

	// Key is the private key of the relay identity.
	Key *ecdsa.PrivateKey

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:          DefaultDataDir(),
		LogLevel:         DefaultLogLevel,
		NoService:        DefaultNoService,
		ServiceAddr:      DefaultServiceAddr,
		UpstreamAddr:     DefaultUpstreamAddr,
		UpstreamRealm:    DefaultUpstreamRealm,
		UpstreamTimeout:  DefaultUpstreamTimeout,
		RPCAddr:          DefaultRPCAddr,
		GatewayTimeout:   DefaultGatewayTimeout,
		GatewayBackoff:   DefaultGatewayBackoff,
		LeaderRefresh:    DefaultLeaderRefresh,
		StakeRefresh:     DefaultStakeRefresh,
		BlockhashMaxAge:  DefaultBlockhashMaxAge,
		QueueSize:        DefaultQueueSize,
		Workers:          DefaultWorkers,
		MaxRetries:       DefaultMaxRetries,
		RetryInterval:    DefaultRetryInterval,
		MaxPool:          DefaultMaxPool,
		TCPTimeout:       DefaultTCPTimeout,
		JournalDir:       DefaultJournalDir(),
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t, level)
	return config
}

// SetDataDir sets the top-level Overpass directory, and updates the journal
// directory if it is currently set to the default value. If the journal
// directory is not currently the default, it means the user has explicitely
// set it to something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.JournalDir == DefaultJournalDir() {
		c.JournalDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// Logger returns a formatted logrus Entry, with prefix set to "overpass".
// When LogFile is set, output is mirrored to that file.
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.LogFile != "" {
			pathMap := lfshook.PathMap{}

			_, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY, 0666)
			if err != nil {
				c.logger.WithField("file", c.LogFile).Info("Failed to open log file, using default stderr")
			} else {
				for _, level := range logrus.AllLevels {
					if level <= c.logger.Level {
						pathMap[level] = c.LogFile
					}
				}
				c.logger.Hooks.Add(lfshook.NewHook(
					pathMap,
					&logrus.TextFormatter{},
				))
			}
		}
	}
	return c.logger.WithField("prefix", "overpass")
}

// DefaultJournalDir returns the default path for the journal database files.
func DefaultJournalDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir return the default directory name for top-level Overpass
// config based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Overpass")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Overpass")
		} else {
			return filepath.Join(home, ".overpass")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
