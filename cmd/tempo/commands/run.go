package commands

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tempoledger/tempo/src/tempo"
)

// NewRunCmd returns the command that starts a Tempo node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runTempo,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runTempo(cmd *cobra.Command, args []string) error {
	node := tempo.NewTempo(_config)

	if err := node.Init(); err != nil {
		_config.Logger().Error("Cannot initialize node:", err)
		return err
	}

	node.Run()

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

// AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", _config.LogFile, "Optional file where logs are also written")
	cmd.Flags().String("moniker", _config.Moniker, "Optional name")

	// Service
	cmd.Flags().Bool("no-service", _config.NoService, "Disable the HTTP service")
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for HTTP service")

	// Store
	cmd.Flags().Bool("store", _config.Store, "Use badgerDB instead of in-mem DB")
	cmd.Flags().String("db", _config.DatabaseDir, "Database directory")
	cmd.Flags().Bool("bootstrap", _config.Bootstrap, "Load from database")
	cmd.Flags().Int("cache-size", _config.CacheSize, "Number of items in LRU caches")

	// DAG
	cmd.Flags().Uint16("shards", _config.ShardCount, "Number of block shards")
	cmd.Flags().Bool("global-tips", _config.GlobalTips, "Attach blocks to the global tip frontier")

	// Committee
	cmd.Flags().Int("committee-size", _config.CommitteeSize, "Max validators per round committee")
	cmd.Flags().Int("min-quorum", _config.MinQuorumSize, "Signatures required to finalize a round")
	cmd.Flags().Int("min-validators", _config.MinValidators, "Validators required before producing rounds")
	cmd.Flags().Float64("reputation-threshold", _config.ReputationThreshold, "Min reputation score for committee eligibility")
	cmd.Flags().Uint64("rotation-interval", _config.RotationInterval, "Rounds between committee rotations")

	// Timing
	cmd.Flags().Duration("fallback-timeout", _config.FallbackTimeout, "Time a committee has to reach quorum")
	cmd.Flags().Duration("fallback-check", _config.FallbackCheckInterval, "Period of the fallback check timer")
	cmd.Flags().Duration("round-interval", _config.RoundInterval, "Period of round production")

	// Queues
	cmd.Flags().Int("command-queue", _config.CommandQueueSize, "Engine command queue size")
	cmd.Flags().Int("event-queue", _config.EventQueueSize, "Engine event queue size")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.SetDataDir(_config.DataDir)

	logFields := logrus.Fields{
		"tempo.DataDir":               _config.DataDir,
		"tempo.ServiceAddr":           _config.ServiceAddr,
		"tempo.NoService":             _config.NoService,
		"tempo.LogLevel":              _config.LogLevel,
		"tempo.Moniker":               _config.Moniker,
		"tempo.Store":                 _config.Store,
		"tempo.CacheSize":             _config.CacheSize,
		"tempo.ShardCount":            _config.ShardCount,
		"tempo.GlobalTips":            _config.GlobalTips,
		"tempo.CommitteeSize":         _config.CommitteeSize,
		"tempo.MinQuorumSize":         _config.MinQuorumSize,
		"tempo.MinValidators":         _config.MinValidators,
		"tempo.ReputationThreshold":   _config.ReputationThreshold,
		"tempo.RotationInterval":      _config.RotationInterval,
		"tempo.FallbackTimeout":       _config.FallbackTimeout,
		"tempo.FallbackCheckInterval": _config.FallbackCheckInterval,
		"tempo.RoundInterval":         _config.RoundInterval,
	}

	if _config.Store {
		logFields["tempo.DatabaseDir"] = _config.DatabaseDir
		logFields["tempo.Bootstrap"] = _config.Bootstrap
	}

	_config.Logger().WithFields(logFields).Debug("RUN")

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

	// look for config file in [datadir]/tempo.toml (.json, .yaml also work)
	viper.SetConfigName("tempo")         // name of config file (without extension)
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
