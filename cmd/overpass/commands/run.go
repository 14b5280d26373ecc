package commands

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/overpassnet/overpass/src/overpass"
)

//NewRunCmd returns the command that starts an Overpass relay
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run relay",
		PreRunE: loadConfig,
		RunE:    runOverpass,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runOverpass(cmd *cobra.Command, args []string) error {
	engine := overpass.NewOverpass(_config)

	if err := engine.Init(); err != nil {
		_config.Logger().Error("Cannot initialize engine:", err)
		return err
	}

	return engine.Run()
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", _config.LogFile, "Optional file to mirror log output to")

	// Upstream
	cmd.Flags().StringP("upstream", "u", _config.UpstreamAddr, "IP:Port of the chain event publisher")
	cmd.Flags().String("upstream-realm", _config.UpstreamRealm, "Realm on the chain event publisher")
	cmd.Flags().Duration("upstream-timeout", _config.UpstreamTimeout, "Upstream response timeout")
	cmd.Flags().StringP("rpc", "r", _config.RPCAddr, "HTTP address of the chain JSON-RPC endpoint")

	// Gateway
	cmd.Flags().StringSliceP("gateways", "g", _config.GatewayEndpoints, "IP:Port gateway endpoints")
	cmd.Flags().Duration("gateway-timeout", _config.GatewayTimeout, "Gateway dial and handshake timeout")
	cmd.Flags().Duration("gateway-backoff", _config.GatewayBackoff, "Gateway redial backoff")
	cmd.Flags().String("expected-identity", _config.ExpectedIdentity, "Hex public key the relay identity must match")

	// Service
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for the admin HTTP service")
	cmd.Flags().Bool("no-service", _config.NoService, "Disable the admin HTTP service")

	// Forwarding
	cmd.Flags().StringSlice("leader-blocklist", _config.LeaderBlocklist, "Producer identities never forwarded to")
	cmd.Flags().Duration("leader-refresh", _config.LeaderRefresh, "Leader schedule polling interval")
	cmd.Flags().Duration("stake-refresh", _config.StakeRefresh, "Stake polling interval")
	cmd.Flags().Uint64("blockhash-max-age", _config.BlockhashMaxAge, "Blockhash validity window in slots")
	cmd.Flags().Int("queue-size", _config.QueueSize, "Send pool submission queue capacity")
	cmd.Flags().Int("workers", _config.Workers, "Concurrent forwarding workers")
	cmd.Flags().Int("max-retries", _config.MaxRetries, "Per-transaction retry budget")
	cmd.Flags().Duration("retry-interval", _config.RetryInterval, "Unconfirmed transaction resend interval")
	cmd.Flags().Int("max-pool", _config.MaxPool, "Connection pool size max per ingest target")
	cmd.Flags().DurationP("timeout", "t", _config.TCPTimeout, "TCP Timeout")
	cmd.Flags().String("journal", _config.JournalDir, "Journal database directory")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --journal, this will update
	// the default journal dir to be inside the new datadir
	_config.SetDataDir(_config.DataDir)

	_config.Logger().WithFields(logrus.Fields{
		"DataDir":          _config.DataDir,
		"LogLevel":         _config.LogLevel,
		"UpstreamAddr":     _config.UpstreamAddr,
		"UpstreamRealm":    _config.UpstreamRealm,
		"RPCAddr":          _config.RPCAddr,
		"GatewayEndpoints": _config.GatewayEndpoints,
		"ExpectedIdentity": _config.ExpectedIdentity,
		"ServiceAddr":      _config.ServiceAddr,
		"NoService":        _config.NoService,
		"BlockhashMaxAge":  _config.BlockhashMaxAge,
		"QueueSize":        _config.QueueSize,
		"Workers":          _config.Workers,
		"MaxRetries":       _config.MaxRetries,
		"RetryInterval":    _config.RetryInterval,
		"MaxPool":          _config.MaxPool,
		"TCPTimeout":       _config.TCPTimeout,
		"JournalDir":       _config.JournalDir,
	}).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/overpass.toml (.json, .yaml also work)
	viper.SetConfigName("overpass")      // name of config file (without extension)
	viper.AddConfigPath(_config.DataDir) // search root directory

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}
