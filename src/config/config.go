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

	"github.com/tempoledger/tempo/src/common"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the validator's
	// private key
	DefaultKeyfile = "priv_key"

	// DefaultBadgerFile is the default name of the folder containing the Badger
	// database
	DefaultBadgerFile = "badger_db"
)

// Default configuration values.
const (
	DefaultLogLevel              = "debug"
	DefaultServiceAddr           = "127.0.0.1:8000"
	DefaultCacheSize             = 10000
	DefaultStore                 = false
	DefaultShardCount            = uint16(4)
	DefaultCommitteeSize         = 21
	DefaultMinQuorumSize         = 14
	DefaultMinValidators         = 4
	DefaultReputationThreshold   = 0.5
	DefaultRotationInterval      = uint64(10)
	DefaultFallbackTimeout       = 3000 * time.Millisecond
	DefaultFallbackCheckInterval = 250 * time.Millisecond
	DefaultRoundInterval         = 500 * time.Millisecond
	DefaultCommandQueueSize      = 1024
	DefaultEventQueueSize        = 1024
)

// Config contains all the configuration properties of a Tempo node.
type Config struct {
	// DataDir is the top-level directory containing Tempo configuration and
	// data
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, adds a file hook to the logger so that all entries
	// are also written to disk.
	LogFile string `mapstructure:"log-file"`

	// NoService disables the HTTP introspection service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the optional HTTP service.
	ServiceAddr string `mapstructure:"service-listen"`

	// Store activates persistent storage.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// Bootstrap determines whether to load the chain from an existing
	// database. Forces Store.
	Bootstrap bool `mapstructure:"bootstrap"`

	// CacheSize is the max number of items in in-memory caches.
	CacheSize int `mapstructure:"cache-size"`

	// Moniker defines the friendly name of this node.
	Moniker string `mapstructure:"moniker"`

	// ShardCount is the number of block shards. One genesis block is created
	// per shard.
	ShardCount uint16 `mapstructure:"shards"`

	// GlobalTips makes new blocks attach to the global tip frontier instead of
	// their shard's frontier.
	GlobalTips bool `mapstructure:"global-tips"`

	// CommitteeSize is the maximum number of validators in a round committee.
	CommitteeSize int `mapstructure:"committee-size"`

	// MinQuorumSize is the number of valid committee signatures required to
	// finalize a round.
	MinQuorumSize int `mapstructure:"min-quorum"`

	// MinValidators is the minimum number of validators expected before the
	// engine produces rounds.
	MinValidators int `mapstructure:"min-validators"`

	// ReputationThreshold is the minimum reputation score for committee
	// eligibility.
	ReputationThreshold float64 `mapstructure:"reputation-threshold"`

	// RotationInterval is the number of rounds between scheduled committee
	// rotations.
	RotationInterval uint64 `mapstructure:"rotation-interval"`

	// FallbackTimeout is how long a committee has to reach quorum, measured
	// from its start time, before a fallback committee is selected.
	FallbackTimeout time.Duration `mapstructure:"fallback-timeout"`

	// FallbackCheckInterval is the period of the timer that checks committees
	// against FallbackTimeout.
	FallbackCheckInterval time.Duration `mapstructure:"fallback-check"`

	// RoundInterval is the period of round production when there are candidate
	// blocks.
	RoundInterval time.Duration `mapstructure:"round-interval"`

	// CommandQueueSize bounds the engine's inbound command queue.
	CommandQueueSize int `mapstructure:"command-queue"`

	// EventQueueSize bounds the engine's outbound event queue.
	EventQueueSize int `mapstructure:"event-queue"`

	// Key is the private key of the validator.
	Key *ecdsa.PrivateKey

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:               DefaultDataDir(),
		LogLevel:              DefaultLogLevel,
		ServiceAddr:           DefaultServiceAddr,
		Store:                 DefaultStore,
		DatabaseDir:           DefaultDatabaseDir(),
		CacheSize:             DefaultCacheSize,
		ShardCount:            DefaultShardCount,
		CommitteeSize:         DefaultCommitteeSize,
		MinQuorumSize:         DefaultMinQuorumSize,
		MinValidators:         DefaultMinValidators,
		ReputationThreshold:   DefaultReputationThreshold,
		RotationInterval:      DefaultRotationInterval,
		FallbackTimeout:       DefaultFallbackTimeout,
		FallbackCheckInterval: DefaultFallbackCheckInterval,
		RoundInterval:         DefaultRoundInterval,
		CommandQueueSize:      DefaultCommandQueueSize,
		EventQueueSize:        DefaultEventQueueSize,
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

// SetDataDir sets the top-level Tempo directory, and updates the database
// directory if it is currently set to the default value. If the database
// directory is not currently the default, it means the user has explicitely set
// it to something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// Logger returns a formatted logrus Entry, with prefix set to "tempo".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.LogFile != "" {
			pathMap := lfshook.PathMap{}
			for _, l := range logrus.AllLevels {
				if l <= c.logger.Level {
					pathMap[l] = c.LogFile
				}
			}
			c.logger.Hooks.Add(lfshook.NewHook(
				pathMap,
				new(prefixed.TextFormatter),
			))
		}
	}
	return c.logger.WithField("prefix", "tempo")
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir returns the default directory name for top-level Tempo config
// based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Tempo")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Tempo")
		} else {
			return filepath.Join(home, ".tempo")
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
