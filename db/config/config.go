package config

import (
	"flag"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"github.com/shmdb/shmdb/db/storage"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// PersistenceMode selects whether commits are written to the WAL and
// whether the WAL is replayed at start.
type PersistenceMode string

const (
	PersistenceEnabled               PersistenceMode = "enabled"
	PersistenceDisabled              PersistenceMode = "disabled"
	PersistenceDisabledAfterRecovery PersistenceMode = "disabled-after-recovery"
)

// Recover reports whether the WAL is replayed at start.
func (m PersistenceMode) Recover() bool {
	return m == PersistenceEnabled || m == PersistenceDisabledAfterRecovery
}

// Persist reports whether commits are written to the WAL.
func (m PersistenceMode) Persist() bool {
	return m == PersistenceEnabled
}

// Config is the server configuration. Clients only need SocketPath.
type Config struct {
	*flag.FlagSet `toml:"-"`

	SocketPath  string          `toml:"socket-path"`
	DataDir     string          `toml:"data-dir"`
	Persistence PersistenceMode `toml:"persistence"`

	MaxLocators   uint64   `toml:"max-locators"`
	MaxTimestamps uint64   `toml:"max-timestamps"`
	HeapSize      ByteSize `toml:"heap-size"`
	MaxLogRecords uint64   `toml:"max-log-records"`

	SessionLimit int `toml:"session-limit"`
	// ConnectRate limits accepted connections per second; 0 disables the
	// limit.
	ConnectRate  float64 `toml:"connect-rate"`
	ConnectBurst int     `toml:"connect-burst"`
	// RestrictPeerUID rejects clients running as another user.
	RestrictPeerUID bool `toml:"restrict-peer-uid"`

	StreamBatchSize     int      `toml:"stream-batch-size"`
	MaintenanceInterval Duration `toml:"maintenance-interval"`

	StatusAddr string `toml:"status-addr"`

	Log log.Config `toml:"log"`

	configFile string

	// For all warnings during parsing.
	WarningMsgs []string
}

const (
	defaultSocketPath          = "/tmp/shmdb.sock"
	defaultDataDir             = "/tmp/shmdb"
	defaultMaxLocators         = 1 << 20
	defaultMaxTimestamps       = 1 << 22
	defaultHeapSize            = 1 << 30
	defaultMaxLogRecords       = 1 << 16
	defaultSessionLimit        = 128
	defaultConnectBurst        = 16
	defaultStreamBatchSize     = 256
	defaultMaintenanceInterval = 100 * time.Millisecond
)

// NewConfig creates a config with its command line flags.
func NewConfig() *Config {
	cfg := &Config{}
	cfg.FlagSet = flag.NewFlagSet("shmdb-server", flag.ContinueOnError)
	fs := cfg.FlagSet

	fs.StringVar(&cfg.configFile, "config", "", "config file")
	fs.StringVar(&cfg.SocketPath, "socket-path", "", "unix socket the server listens on (default '"+defaultSocketPath+"')")
	fs.StringVar(&cfg.DataDir, "data-dir", "", "directory of the write-ahead log (default '"+defaultDataDir+"')")
	fs.StringVar((*string)(&cfg.Persistence), "persistence", "", "enabled, disabled or disabled-after-recovery (default 'enabled')")
	fs.StringVar(&cfg.StatusAddr, "status-addr", "", "address serving metrics, empty to disable")
	fs.StringVar(&cfg.Log.Level, "L", "", "log level: debug, info, warn, error, fatal (default 'info')")
	fs.StringVar(&cfg.Log.File.Filename, "log-file", "", "log file path")
	return cfg
}

// NewDefaultConfig returns an adjusted config without flags.
func NewDefaultConfig() *Config {
	cfg := &Config{}
	if err := cfg.Adjust(nil); err != nil {
		panic(err)
	}
	return cfg
}

// NewTestConfig returns a small config rooted in dir, without persistence.
func NewTestConfig(dir string) *Config {
	cfg := &Config{
		SocketPath:    filepath.Join(dir, "shmdb.sock"),
		DataDir:       filepath.Join(dir, "wal"),
		Persistence:   PersistenceDisabled,
		MaxLocators:   1 << 10,
		MaxTimestamps: 1 << 12,
		HeapSize:      8 << 20,
		MaxLogRecords: 1 << 8,
		SessionLimit:  16,
	}
	if err := cfg.Adjust(nil); err != nil {
		panic(err)
	}
	return cfg
}

func adjustString(v *string, defValue string) {
	if len(*v) == 0 {
		*v = defValue
	}
}

func adjustUint64(v *uint64, defValue uint64) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustInt(v *int, defValue int) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustDuration(v *Duration, defValue time.Duration) {
	if v.Duration == 0 {
		v.Duration = defValue
	}
}

func getLogLevel() string {
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		return l
	}
	return "info"
}

// Parse parses flags, then the config file they name, then the flags again
// so that they take precedence.
func (c *Config) Parse(arguments []string) error {
	err := c.FlagSet.Parse(arguments)
	if err != nil {
		return errors.WithStack(err)
	}

	var meta *toml.MetaData
	if c.configFile != "" {
		meta, err = c.configFromFile(c.configFile)
		if err != nil {
			return err
		}
	}

	err = c.FlagSet.Parse(arguments)
	if err != nil {
		return errors.WithStack(err)
	}
	if len(c.FlagSet.Args()) != 0 {
		return errors.Errorf("'%s' is an invalid flag", c.FlagSet.Arg(0))
	}
	return c.Adjust(meta)
}

func (c *Config) configFromFile(path string) (*toml.MetaData, error) {
	meta, err := toml.DecodeFile(path, c)
	return &meta, errors.WithStack(err)
}

// Adjust fills in defaults and validates the result.
func (c *Config) Adjust(meta *toml.MetaData) error {
	if meta != nil {
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			msg := "config contains undefined items:"
			for _, key := range undecoded {
				msg += " " + key.String()
			}
			c.WarningMsgs = append(c.WarningMsgs, msg)
		}
	}

	adjustString(&c.SocketPath, defaultSocketPath)
	adjustString(&c.DataDir, defaultDataDir)
	adjustString((*string)(&c.Persistence), string(PersistenceEnabled))
	adjustUint64(&c.MaxLocators, defaultMaxLocators)
	adjustUint64(&c.MaxTimestamps, defaultMaxTimestamps)
	if c.HeapSize == 0 {
		c.HeapSize = defaultHeapSize
	}
	adjustUint64(&c.MaxLogRecords, defaultMaxLogRecords)
	adjustInt(&c.SessionLimit, defaultSessionLimit)
	adjustInt(&c.ConnectBurst, defaultConnectBurst)
	adjustInt(&c.StreamBatchSize, defaultStreamBatchSize)
	adjustDuration(&c.MaintenanceInterval, defaultMaintenanceInterval)
	adjustString(&c.Log.Level, getLogLevel())
	return c.Validate()
}

// Validate checks the adjusted config.
func (c *Config) Validate() error {
	switch c.Persistence {
	case PersistenceEnabled, PersistenceDisabled, PersistenceDisabledAfterRecovery:
	default:
		return errors.Errorf("unknown persistence mode %q", c.Persistence)
	}
	if c.SessionLimit < 0 || c.ConnectBurst < 0 || c.ConnectRate < 0 {
		return errors.New("connection limits must not be negative")
	}
	if c.StreamBatchSize <= 0 {
		return errors.New("stream-batch-size must be positive")
	}
	return errors.WithStack(c.Capacity().Validate())
}

// Capacity returns the shared segment capacities.
func (c *Config) Capacity() storage.Capacity {
	return storage.Capacity{
		MaxLocators:   c.MaxLocators,
		MaxTimestamps: c.MaxTimestamps,
		IDSlots:       c.MaxLocators * 2,
		HeapSize:      uint64(c.HeapSize),
	}
}

// SetupLogger initializes the global logger from the [log] section.
func (c *Config) SetupLogger() error {
	lg, p, err := log.InitLogger(&c.Log, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return errors.WithStack(err)
	}
	log.ReplaceGlobals(lg, p)
	for _, msg := range c.WarningMsgs {
		log.Warn(msg)
	}
	return nil
}
