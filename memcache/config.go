package memcache

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/rglonek/envconfig"
	"github.com/rglonek/logger"
	"gopkg.in/yaml.v3"

	"github.com/dropbox/gomc/errors"
	"github.com/dropbox/gomc/hash2"
	"github.com/dropbox/gomc/stats"
)

// AuthInfo holds SASL credentials for one server.  Only PLAIN is
// supported, and only over the binary protocol.
type AuthInfo struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Config configures a MemcachedClient.  Every field has a default, see
// DefaultConfig.
type Config struct {
	// Client name, used as the log prefix.
	Name string `yaml:"name" default:"memcache" envconfig:"MEMCACHE_NAME"`

	// "host:port[ weight]" entries.  A yaml entry may also list standbys:
	// "main:port,standby:port[ weight]".
	Servers []string `yaml:"servers" envconfig:"MEMCACHE_SERVERS"`

	// main host:port -> standby host:port, merged into Servers' entries.
	// Not read from the environment: envconfig splits map items on ':'.
	Standbys map[string]string `yaml:"standbys" ignored:"true"`

	Protocol           string `yaml:"protocol" default:"text" envconfig:"MEMCACHE_PROTOCOL"`
	ConnectionPoolSize int    `yaml:"connectionPoolSize" default:"1" envconfig:"MEMCACHE_POOL_SIZE"`

	// array, ketama, random or jump.
	Locator string `yaml:"locator" default:"ketama" envconfig:"MEMCACHE_LOCATOR"`
	// fnv1a_32, fnv1_32, crc32, ketama or murmur3.
	HashAlgorithm string `yaml:"hashAlgorithm" default:"ketama" envconfig:"MEMCACHE_HASH"`

	// Applies to calls whose context carries no deadline.
	OpTimeout      time.Duration `yaml:"opTimeout" default:"1s" envconfig:"MEMCACHE_OP_TIMEOUT"`
	ConnectTimeout time.Duration `yaml:"connectTimeout" default:"1s" envconfig:"MEMCACHE_CONNECT_TIMEOUT"`

	MaxQueuedNoReplyOperations int `yaml:"maxQueuedNoReplyOperations" default:"1024" envconfig:"MEMCACHE_MAX_QUEUED_NOREPLY"`
	// Zero waits as long as the caller's context allows.
	NoReplyAcquireTimeout time.Duration `yaml:"noReplyAcquireTimeout" default:"0s" envconfig:"MEMCACHE_NOREPLY_ACQUIRE_TIMEOUT"`

	// A session is closed, and healed when enabled, after more than this
	// many consecutive operation timeouts.  Zero never closes.
	TimeoutExceptionThreshold int `yaml:"timeoutExceptionThreshold" default:"1000" envconfig:"MEMCACHE_TIMEOUT_THRESHOLD"`

	EnableHealSession   bool          `yaml:"enableHealSession" default:"true" envconfig:"MEMCACHE_HEAL"`
	HealSessionInterval time.Duration `yaml:"healSessionInterval" default:"2s" envconfig:"MEMCACHE_HEAL_INTERVAL"`

	// Keeps dead servers in the routing table, sending their keys to a
	// standby or failing them, instead of rehashing onto live servers.
	FailureMode bool `yaml:"failureMode" default:"false" envconfig:"MEMCACHE_FAILURE_MODE"`

	EnableHeartbeat      bool          `yaml:"enableHeartbeat" default:"true" envconfig:"MEMCACHE_HEARTBEAT"`
	SessionIdleTimeout   time.Duration `yaml:"sessionIdleTimeout" default:"5s" envconfig:"MEMCACHE_IDLE_TIMEOUT"`
	HeartbeatTimeout     time.Duration `yaml:"heartbeatTimeout" default:"1s" envconfig:"MEMCACHE_HEARTBEAT_TIMEOUT"`
	MaxHeartbeatFailures int           `yaml:"maxHeartbeatFailures" default:"3" envconfig:"MEMCACHE_HEARTBEAT_FAILURES"`
	MaxHeartbeatWorkers  int           `yaml:"maxHeartbeatWorkers" default:"4" envconfig:"MEMCACHE_HEARTBEAT_WORKERS"`

	MergeFactor         int  `yaml:"mergeFactor" default:"50" envconfig:"MEMCACHE_MERGE_FACTOR"`
	OptimizeGet         bool `yaml:"optimizeGet" default:"true" envconfig:"MEMCACHE_OPTIMIZE_GET"`
	OptimizeMergeBuffer bool `yaml:"optimizeMergeBuffer" default:"true" envconfig:"MEMCACHE_OPTIMIZE_MERGE_BUFFER"`

	// Socket buffer sizes.  Zero keeps the kernel default.
	SendBufferSize int           `yaml:"sendBufferSize" default:"0" envconfig:"MEMCACHE_SNDBUF"`
	ReadBufferSize int           `yaml:"readBufferSize" default:"0" envconfig:"MEMCACHE_RCVBUF"`
	TCPNoDelay     bool          `yaml:"tcpNoDelay" default:"true" envconfig:"MEMCACHE_TCP_NODELAY"`
	TCPKeepAlive   time.Duration `yaml:"tcpKeepAlive" default:"30s" envconfig:"MEMCACHE_TCP_KEEPALIVE"`
	TCPUserTimeout time.Duration `yaml:"tcpUserTimeout" default:"0s" envconfig:"MEMCACHE_TCP_USER_TIMEOUT"`

	// URL-escape keys which are not valid memcache keys.
	SanitizeKeys bool `yaml:"sanitizeKeys" default:"false" envconfig:"MEMCACHE_SANITIZE_KEYS"`

	// Send quit to every server on shutdown.
	QuitOnShutdown bool `yaml:"quitOnShutdown" default:"true" envconfig:"MEMCACHE_QUIT_ON_SHUTDOWN"`

	// host:port -> credentials.
	Auth map[string]AuthInfo `yaml:"auth" ignored:"true"`

	// 1=CRITICAL, 2=ERROR, 3=WARNING, 4=INFO, 5=DEBUG, 6=DETAIL
	LogLevel int `yaml:"logLevel" default:"4" envconfig:"MEMCACHE_LOGLEVEL"`

	// Receives request, latency and session metrics.  Nil discards them.
	Stats stats.StatsFactory `yaml:"-" ignored:"true"`
}

// DefaultConfig returns a config with every default applied.
func DefaultConfig() *Config {
	config := new(Config)
	if err := defaults.Set(config); err != nil {
		panic(err)
	}
	return config
}

// LoadConfigReader applies defaults, then the yaml document (if any), then
// MEMCACHE_* environment variables.
func LoadConfigReader(configYaml io.Reader) (*Config, error) {
	config := new(Config)
	if err := defaults.Set(config); err != nil {
		return nil, errors.Wrap(err, "Could not set config defaults")
	}
	if configYaml != nil {
		err := yaml.NewDecoder(configYaml).Decode(config)
		if err != nil && err != io.EOF {
			return nil, errors.Wrap(err, "Failed to unmarshal config")
		}
	}
	if err := envconfig.Process("MEMCACHE_", config); err != nil {
		return nil, errors.Wrap(err, "Could not process environment variables")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadConfig reads the yaml file at path, or only defaults and environment
// when path is empty.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return LoadConfigReader(nil)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "Could not open config file %s", path)
	}
	defer f.Close()
	return LoadConfigReader(f)
}

// Validate checks the settings which can not be corrected by defaults.
func (c *Config) Validate() error {
	protocol, err := ParseProtocol(c.Protocol)
	if err != nil {
		return err
	}
	switch LocatorType(strings.ToLower(c.Locator)) {
	case ArrayLocator, KetamaLocator, RandomLocator, JumpLocator:
	default:
		return errors.Newf("Unknown session locator: %s", c.Locator)
	}
	if _, err := hash2.ParseAlgorithm(c.HashAlgorithm); err != nil {
		return err
	}
	if c.ConnectionPoolSize < 1 {
		return errors.Newf("Invalid connection pool size: %d", c.ConnectionPoolSize)
	}
	if c.MaxQueuedNoReplyOperations < 1 {
		return errors.Newf(
			"Invalid max queued noreply operations: %d",
			c.MaxQueuedNoReplyOperations)
	}
	if c.OpTimeout <= 0 {
		return errors.Newf("Invalid operation timeout: %v", c.OpTimeout)
	}
	if c.TimeoutExceptionThreshold < 0 {
		return errors.Newf(
			"Invalid timeout exception threshold: %d",
			c.TimeoutExceptionThreshold)
	}
	if c.EnableHealSession && c.HealSessionInterval <= 0 {
		return errors.Newf("Invalid heal session interval: %v", c.HealSessionInterval)
	}
	if len(c.Auth) > 0 && protocol != ProtocolBinary {
		return errors.New("SASL authentication requires the binary protocol")
	}
	_, err = c.ServerAddresses()
	return err
}

// ServerAddresses parses Servers and attaches the configured standbys.
func (c *Config) ServerAddresses() ([]*ServerAddress, error) {
	addrs, err := ParseServerList(c.Servers)
	if err != nil {
		return nil, err
	}
	for _, addr := range addrs {
		if standby, ok := c.Standbys[addr.Address]; ok {
			if err := validateHostPort(standby); err != nil {
				return nil, err
			}
			addr.Standbys = append(addr.Standbys, standby)
		}
	}
	return addrs, nil
}

func (c *Config) protocol() Protocol {
	protocol, _ := ParseProtocol(c.Protocol)
	return protocol
}

func (c *Config) hashAlgorithm() hash2.Algorithm {
	alg, _ := hash2.ParseAlgorithm(c.HashAlgorithm)
	return alg
}

func (c *Config) locatorType() LocatorType {
	return LocatorType(strings.ToLower(c.Locator))
}

// newLogger builds the client's logger.  Out of range levels fall back to
// INFO; CRITICAL is never logged since it exits the process.
func (c *Config) newLogger() *logger.Logger {
	level := logger.LogLevel(c.LogLevel)
	if level < logger.ERROR || level > logger.DETAIL {
		level = logger.INFO
	}
	log := logger.NewLogger()
	log.SetLogLevel(level)
	return log.WithPrefix("[" + c.Name + "] ")
}
