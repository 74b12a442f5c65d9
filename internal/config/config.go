package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/ryandielhenn/zephyrkv/pkg/gossip"
)

type (
	Config struct {
		Node      NodeConfig      `yaml:"node"`
		Cluster   ClusterConfig   `yaml:"cluster"`
		Journal   JournalConfig   `yaml:"journal"`
		KV        KVConfig        `yaml:"kv"`
		HTTP      HTTPConfig      `yaml:"http"`
		Log       LogConfig       `yaml:"log"`
		Discovery DiscoveryConfig `yaml:"discovery"`
	}
)

type NodeConfig struct {
	// Addr is the host:port identifying this node. The TCP state-transfer
	// listener and the UDP forwarding socket both bind it.
	Addr string `yaml:"addr"`
	// AddrFromEnv names an environment variable overriding Addr.
	AddrFromEnv string `yaml:"addr_from_env"`

	id gossip.NodeID
}

// ID returns the parsed node identity. Valid after Validate.
func (n NodeConfig) ID() gossip.NodeID { return n.id }

type ClusterConfig struct {
	// Multicast is the group address every node announces to.
	Multicast string `yaml:"multicast"`
	// Interface optionally names the interface to join the group on.
	Interface string `yaml:"interface"`
	// MulticastTTL of announcements. Default is 1.
	MulticastTTL int `yaml:"multicast_ttl"`
	// MulticastLoopback delivers announcements to nodes on the same host.
	MulticastLoopback *bool `yaml:"multicast_loopback"`
	// JoinTimeout bounds each wait for a membership snapshot. Default is 1s.
	JoinTimeout time.Duration `yaml:"join_timeout"`
	// JoinAttempts is how many times the join is announced. Default is 3.
	JoinAttempts int `yaml:"join_attempts"`
	// SoloBootstrap lets the first node of a cluster join with nobody answering.
	SoloBootstrap *bool `yaml:"solo_bootstrap"`
	// AutoJoin joins the cluster at startup.
	AutoJoin bool `yaml:"auto_join"`
}

type JournalConfig struct {
	// Dir holds one <host:port>.log file per node. Default is "log".
	Dir string `yaml:"dir"`
}

type KVConfig struct {
	// CapacityBytes of the local bucket; 0 disables eviction.
	CapacityBytes int `yaml:"capacity_bytes"`
	// VirtualNodes per node on the ring. Default is 128.
	VirtualNodes int `yaml:"virtual_nodes"`
	// ForwardTimeout bounds one forwarded request. Default is 2s.
	ForwardTimeout time.Duration `yaml:"forward_timeout"`
	// ForwardRetries after re-resolving the owner; capped at 1.
	ForwardRetries int `yaml:"forward_retries"`
}

type HTTPConfig struct {
	// BindAddr of the operator API. Default is ":8080".
	BindAddr string `yaml:"bind_addr"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error. Default is info.
	Level string `yaml:"level"`
	// Development switches to the human-friendly console encoder.
	Development bool `yaml:"development"`
}

type DiscoveryConfig struct {
	// EtcdEndpoints enables registration of the node in etcd when non-empty.
	EtcdEndpoints []string `yaml:"etcd_endpoints"`
	// Prefix of the registration keys. Default is "/zephyrkv/nodes/".
	Prefix string `yaml:"prefix"`
	// LeaseTTLSeconds of the registration. Default is 10.
	LeaseTTLSeconds int64 `yaml:"lease_ttl_seconds"`
}

// Defaults returns a configuration for a single local node.
func Defaults() *Config {
	return &Config{
		Node:    NodeConfig{Addr: "127.0.0.1:7000", AddrFromEnv: "SELF_ADDR"},
		Cluster: ClusterConfig{Multicast: "239.0.0.1:9446"},
	}
}

// Load reads a yaml file on top of Defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate fills defaults and parses the node identity.
func (c *Config) Validate() error {
	if c.Node.AddrFromEnv != "" {
		if v := os.Getenv(c.Node.AddrFromEnv); v != "" {
			c.Node.Addr = v
		}
	}
	if c.Node.Addr == "" {
		return errors.New("node.addr must be set")
	}
	id, err := gossip.ParseNodeID(NormalizeHostPort(c.Node.Addr, "7000"))
	if err != nil {
		return fmt.Errorf("node.addr: %w", err)
	}
	c.Node.id = id

	if c.Cluster.Multicast == "" {
		return errors.New("cluster.multicast must be set")
	}
	if c.Cluster.JoinTimeout <= 0 {
		c.Cluster.JoinTimeout = time.Second
	}
	if c.Cluster.JoinAttempts <= 0 {
		c.Cluster.JoinAttempts = 3
	}
	if c.Cluster.MulticastTTL <= 0 {
		c.Cluster.MulticastTTL = 1
	}
	if c.Cluster.MulticastLoopback == nil {
		c.Cluster.MulticastLoopback = ptr(true)
	}
	if c.Cluster.SoloBootstrap == nil {
		c.Cluster.SoloBootstrap = ptr(true)
	}
	if c.Journal.Dir == "" {
		c.Journal.Dir = "log"
	}
	if c.KV.CapacityBytes < 0 {
		return fmt.Errorf("kv.capacity_bytes must be >= 0, got %d", c.KV.CapacityBytes)
	}
	if c.KV.VirtualNodes <= 0 {
		c.KV.VirtualNodes = 128
	}
	if c.KV.ForwardTimeout <= 0 {
		c.KV.ForwardTimeout = 2 * time.Second
	}
	if c.KV.ForwardRetries > 1 {
		c.KV.ForwardRetries = 1
	}
	if c.HTTP.BindAddr == "" {
		c.HTTP.BindAddr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Discovery.Prefix == "" {
		c.Discovery.Prefix = "/zephyrkv/nodes/"
	}
	if c.Discovery.LeaseTTLSeconds <= 0 {
		c.Discovery.LeaseTTLSeconds = 10
	}
	return nil
}

// NewZapLogger builds the process logger.
func (l LogConfig) NewZapLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// NormalizeHostPort cuts the http:// https:// prefixes from the input address
// and adds a default port
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return addr + ":" + defPort
}

func ptr[T any](v T) *T { return &v }
