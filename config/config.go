// Package config loads and validates the YAML configuration schema that
// selects the discovery backend, actor-system tuning, and Lua VM pool
// sizing.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/cuihairu/shield/discovery"
	"github.com/cuihairu/shield/vmpool"
)

// Config is the root configuration document. Unknown keys are ignored.
type Config struct {
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	ActorSystem ActorSystemConfig `yaml:"actor_system"`
	LuaVMPool   LuaVMPoolConfig   `yaml:"lua_vm_pool"`
}

// DiscoveryConfig selects and configures one discovery backend.
type DiscoveryConfig struct {
	Type   string       `yaml:"type"`
	Local  LocalConfig  `yaml:"local"`
	Etcd   EtcdConfig   `yaml:"etcd"`
	Consul ConsulConfig `yaml:"consul"`
	Nacos  NacosConfig  `yaml:"nacos"`
	Redis  RedisConfig  `yaml:"redis"`
}

type LocalConfig struct {
	CleanupIntervalSeconds int    `yaml:"cleanup_interval_seconds"`
	PersistenceFilePath    string `yaml:"persistence_file_path"`
}

type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
}

type ConsulConfig struct {
	Host                 string `yaml:"host"`
	Port                 int    `yaml:"port"`
	CheckIntervalSeconds int    `yaml:"check_interval_seconds"`
}

type NacosConfig struct {
	ServerAddr               string `yaml:"server_addr"`
	HeartbeatIntervalSeconds int    `yaml:"heartbeat_interval_seconds"`
}

type RedisConfig struct {
	Host                     string `yaml:"host"`
	Port                     int    `yaml:"port"`
	Password                 string `yaml:"password"`
	DB                       int    `yaml:"db"`
	HeartbeatIntervalSeconds int    `yaml:"heartbeat_interval_seconds"`
}

// ActorSystemConfig tunes the Distributed Actor Runtime.
type ActorSystemConfig struct {
	NodeID                    string `yaml:"node_id"`
	WorkerThreads             int    `yaml:"worker_threads"`
	HeartbeatIntervalSeconds  int    `yaml:"heartbeat_interval_seconds"`
	DiscoveryIntervalSeconds  int    `yaml:"discovery_interval_seconds"`
}

// LuaVMPoolConfig tunes the scripting VM pool.
type LuaVMPoolConfig struct {
	InitialSize      int      `yaml:"initial_size"`
	MinSize          int      `yaml:"min_size"`
	MaxSize          int      `yaml:"max_size"`
	IdleTimeoutMs    int      `yaml:"idle_timeout_ms"`
	AcquireTimeoutMs int      `yaml:"acquire_timeout_ms"`
	PreloadScripts   bool     `yaml:"preload_scripts"`
	ScriptPaths      []string `yaml:"script_paths"`
}

var validDiscoveryTypes = map[string]bool{
	"local": true, "etcd": true, "consul": true, "nacos": true, "redis": true,
}

// Load reads and parses the YAML document at path, then validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate enforces the schema's required fields and numeric bounds.
// Failure here is a Configuration error in the spec's taxonomy: the caller
// should surface it at startup and exit non-zero.
func (c *Config) Validate() error {
	if c.Discovery.Type == "" {
		return fmt.Errorf("discovery.type is required")
	}
	if !validDiscoveryTypes[c.Discovery.Type] {
		return fmt.Errorf("discovery.type %q is not one of local|etcd|consul|nacos|redis", c.Discovery.Type)
	}
	if c.Discovery.Type == "etcd" && len(c.Discovery.Etcd.Endpoints) == 0 {
		return fmt.Errorf("discovery.etcd.endpoints must be non-empty when discovery.type is etcd")
	}

	pool := c.LuaVMPool
	if pool.MaxSize > 0 {
		if pool.MinSize > pool.InitialSize || pool.InitialSize > pool.MaxSize {
			return fmt.Errorf("lua_vm_pool requires min_size <= initial_size <= max_size, got %d <= %d <= %d",
				pool.MinSize, pool.InitialSize, pool.MaxSize)
		}
	}
	return nil
}

// HeartbeatInterval returns the configured actor-system heartbeat interval,
// defaulting to 5 seconds when unset.
func (c *Config) HeartbeatInterval() time.Duration {
	if c.ActorSystem.HeartbeatIntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.ActorSystem.HeartbeatIntervalSeconds) * time.Second
}

// DiscoveryInterval returns the configured discovery-worker tick interval,
// defaulting to 60 seconds when unset.
func (c *Config) DiscoveryInterval() time.Duration {
	if c.ActorSystem.DiscoveryIntervalSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.ActorSystem.DiscoveryIntervalSeconds) * time.Second
}

// ResolveNodeID returns the configured node id, or a generated
// "hostname_pid_millis" token when the config says "auto" or leaves it
// empty.
func (c *Config) ResolveNodeID() string {
	if c.ActorSystem.NodeID != "" && c.ActorSystem.NodeID != "auto" {
		return c.ActorSystem.NodeID
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	// hostname_pid_millis per the schema's literal "auto" rule, plus a short
	// uuid suffix so two nodes racing to boot in the same millisecond on the
	// same host (e.g. containers sharing a hostname) never collide.
	return fmt.Sprintf("%s_%d_%d_%s", host, os.Getpid(), time.Now().UnixMilli(), uuid.NewString()[:8])
}

// DiscoveryConfig translates the YAML discovery block into the discovery
// package's backend-selection Config, consulting only the sub-struct named
// by Type.
func (c *Config) DiscoveryConfig() discovery.Config {
	return discovery.Config{
		Type: discovery.Type(c.Discovery.Type),
		Local: discovery.LocalConfig{
			CleanupInterval:     time.Duration(c.Discovery.Local.CleanupIntervalSeconds) * time.Second,
			PersistenceFilePath: c.Discovery.Local.PersistenceFilePath,
		},
		Etcd: discovery.EtcdConfig{
			Endpoints: c.Discovery.Etcd.Endpoints,
		},
		Consul: discovery.ConsulConfig{
			Host:                 c.Discovery.Consul.Host,
			Port:                 c.Discovery.Consul.Port,
			CheckIntervalSeconds: c.Discovery.Consul.CheckIntervalSeconds,
		},
		Nacos: discovery.NacosConfig{
			ServerAddr:               c.Discovery.Nacos.ServerAddr,
			HeartbeatIntervalSeconds: c.Discovery.Nacos.HeartbeatIntervalSeconds,
		},
		Redis: discovery.RedisConfig{
			Host:                     c.Discovery.Redis.Host,
			Port:                     c.Discovery.Redis.Port,
			Password:                 c.Discovery.Redis.Password,
			DB:                       c.Discovery.Redis.DB,
			HeartbeatIntervalSeconds: c.Discovery.Redis.HeartbeatIntervalSeconds,
		},
	}
}

// VMPoolConfig translates the YAML lua_vm_pool block into the vmpool
// package's Config, field by field. When max_size is left unset the result
// has MaxSize 0, which vmpool.New clamps up to MinSize (one VM when min_size
// is unset too); cmd/shieldd builds no pool at all in that case, since
// scripted actors are optional for a deployment.
func (c *Config) VMPoolConfig() vmpool.Config {
	p := c.LuaVMPool
	return vmpool.Config{
		InitialSize:    p.InitialSize,
		MinSize:        p.MinSize,
		MaxSize:        p.MaxSize,
		IdleTimeout:    time.Duration(p.IdleTimeoutMs) * time.Millisecond,
		AcquireTimeout: time.Duration(p.AcquireTimeoutMs) * time.Millisecond,
		PreloadScripts: p.PreloadScripts,
		ScriptPaths:    p.ScriptPaths,
	}
}
