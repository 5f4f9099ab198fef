package memcache

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	. "gopkg.in/check.v1"

	. "github.com/dropbox/gomc/gocheck2"
	"github.com/dropbox/gomc/hash2"
)

type ConfigSuite struct {
	env []string
}

var _ = Suite(&ConfigSuite{})

func (s *ConfigSuite) setenv(c *C, key string, value string) {
	c.Assert(os.Setenv(key, value), IsNil)
	s.env = append(s.env, key)
}

func (s *ConfigSuite) TearDownTest(c *C) {
	for _, key := range s.env {
		_ = os.Unsetenv(key)
	}
	s.env = nil
}

func (s *ConfigSuite) TestDefaults(c *C) {
	config := DefaultConfig()
	c.Assert(config.Name, Equals, "memcache")
	c.Assert(config.protocol(), Equals, ProtocolText)
	c.Assert(config.locatorType(), Equals, KetamaLocator)
	c.Assert(config.hashAlgorithm(), Equals, hash2.Ketama)
	c.Assert(config.ConnectionPoolSize, Equals, 1)
	c.Assert(config.OpTimeout, Equals, time.Second)
	c.Assert(config.MaxQueuedNoReplyOperations, Equals, 1024)
	c.Assert(config.TimeoutExceptionThreshold, Equals, 1000)
	c.Assert(config.EnableHealSession, IsTrue)
	c.Assert(config.HealSessionInterval, Equals, 2*time.Second)
	c.Assert(config.FailureMode, IsFalse)
	c.Assert(config.MergeFactor, Equals, 50)
	c.Assert(config.OptimizeGet, IsTrue)
	c.Assert(config.TCPNoDelay, IsTrue)
	c.Assert(config.QuitOnShutdown, IsTrue)
	c.Assert(config.Validate(), IsNil)
}

func (s *ConfigSuite) TestLoadYaml(c *C) {
	doc := `
name: sessions
servers:
  - "10.0.0.1:11211"
  - "10.0.0.2:11211,10.0.0.3:11211 2"
protocol: binary
locator: jump
hashAlgorithm: murmur3
opTimeout: 250ms
connectionPoolSize: 4
failureMode: true
auth:
  "10.0.0.1:11211":
    username: app
    password: secret
`
	config, err := LoadConfigReader(strings.NewReader(doc))
	c.Assert(err, IsNil)
	c.Assert(config.Name, Equals, "sessions")
	c.Assert(config.protocol(), Equals, ProtocolBinary)
	c.Assert(config.locatorType(), Equals, JumpLocator)
	c.Assert(config.hashAlgorithm(), Equals, hash2.Murmur3)
	c.Assert(config.OpTimeout, Equals, 250*time.Millisecond)
	c.Assert(config.ConnectionPoolSize, Equals, 4)
	c.Assert(config.FailureMode, IsTrue)
	c.Assert(config.Auth["10.0.0.1:11211"], Equals, AuthInfo{Username: "app", Password: "secret"})

	// Unset keys keep their defaults.
	c.Assert(config.MergeFactor, Equals, 50)

	addrs, err := config.ServerAddresses()
	c.Assert(err, IsNil)
	c.Assert(addrs, HasLen, 2)
	c.Assert(addrs[1].Address, Equals, "10.0.0.2:11211")
	c.Assert(addrs[1].Standbys, DeepEquals, []string{"10.0.0.3:11211"})
	c.Assert(addrs[1].Weight, Equals, 2)
}

func (s *ConfigSuite) TestLoadFile(c *C) {
	path := filepath.Join(c.MkDir(), "memcache.yaml")
	err := os.WriteFile(path, []byte("servers: [\"localhost:11211\"]\n"), 0o600)
	c.Assert(err, IsNil)

	config, err := LoadConfig(path)
	c.Assert(err, IsNil)
	c.Assert(config.Servers, DeepEquals, []string{"localhost:11211"})

	_, err = LoadConfig(filepath.Join(c.MkDir(), "missing.yaml"))
	c.Assert(err, NotNil)

	config, err = LoadConfig("")
	c.Assert(err, IsNil)
	c.Assert(config.Servers, HasLen, 0)
}

func (s *ConfigSuite) TestEnvironmentOverridesYaml(c *C) {
	s.setenv(c, "MEMCACHE_PROTOCOL", "binary")
	s.setenv(c, "MEMCACHE_SERVERS", "a:11211,b:11211")
	s.setenv(c, "MEMCACHE_OP_TIMEOUT", "3s")
	s.setenv(c, "MEMCACHE_FAILURE_MODE", "true")

	doc := "protocol: text\nopTimeout: 1s\nstandbys:\n  \"a:11211\": \"c:11211\"\n"
	config, err := LoadConfigReader(strings.NewReader(doc))
	c.Assert(err, IsNil)
	c.Assert(config.protocol(), Equals, ProtocolBinary)
	c.Assert(config.OpTimeout, Equals, 3*time.Second)
	c.Assert(config.FailureMode, IsTrue)
	c.Assert(config.Servers, DeepEquals, []string{"a:11211", "b:11211"})

	addrs, err := config.ServerAddresses()
	c.Assert(err, IsNil)
	c.Assert(addrs[0].Standbys, DeepEquals, []string{"c:11211"})
	c.Assert(addrs[1].Standbys, HasLen, 0)
}

func (s *ConfigSuite) TestValidate(c *C) {
	for _, mutate := range []func(*Config){
		func(config *Config) { config.Protocol = "udp" },
		func(config *Config) { config.Locator = "consistent" },
		func(config *Config) { config.HashAlgorithm = "sha1" },
		func(config *Config) { config.ConnectionPoolSize = 0 },
		func(config *Config) { config.MaxQueuedNoReplyOperations = 0 },
		func(config *Config) { config.OpTimeout = 0 },
		func(config *Config) { config.TimeoutExceptionThreshold = -1 },
		func(config *Config) { config.HealSessionInterval = 0 },
		func(config *Config) { config.Servers = []string{"nohost"} },
		func(config *Config) { config.Servers = []string{"a:1", "a:1"} },
		func(config *Config) {
			config.Servers = []string{"a:1"}
			config.Standbys = map[string]string{"a:1": "bad"}
		},
		func(config *Config) {
			config.Auth = map[string]AuthInfo{"a:1": {Username: "u", Password: "p"}}
		},
	} {
		config := DefaultConfig()
		mutate(config)
		c.Assert(config.Validate(), NotNil)
	}

	// Heal interval only matters when healing.
	config := DefaultConfig()
	config.EnableHealSession = false
	config.HealSessionInterval = 0
	c.Assert(config.Validate(), IsNil)

	_, err := LoadConfigReader(strings.NewReader("protocol: carrier-pigeon\n"))
	c.Assert(err, NotNil)
	_, err = LoadConfigReader(strings.NewReader("servers: {not: a list}\n"))
	c.Assert(err, NotNil)
}

func (s *ConfigSuite) TestNewLogger(c *C) {
	config := DefaultConfig()
	config.LogLevel = 99
	c.Assert(config.newLogger(), NotNil)
}
