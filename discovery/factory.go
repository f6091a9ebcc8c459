package discovery

import (
	"context"
	"fmt"
)

// Type is the closed set of discovery backend kinds selectable from
// configuration.
type Type string

const (
	TypeLocal  Type = "local"
	TypeEtcd   Type = "etcd"
	TypeConsul Type = "consul"
	TypeNacos  Type = "nacos"
	TypeRedis  Type = "redis"
)

// Config is the union of every backend's configuration, matching the
// discovery block of the YAML configuration schema; only the sub-struct
// named by Type is consulted.
type Config struct {
	Type   Type
	Local  LocalConfig
	Etcd   EtcdConfig
	Consul ConsulConfig
	Nacos  NacosConfig
	Redis  RedisConfig
}

// New constructs the Discovery backend selected by cfg.Type.
func New(ctx context.Context, cfg Config) (Discovery, error) {
	switch cfg.Type {
	case TypeLocal, "":
		return NewLocal(cfg.Local), nil
	case TypeEtcd:
		return NewEtcd(cfg.Etcd)
	case TypeConsul:
		return NewConsul(cfg.Consul), nil
	case TypeNacos:
		return NewNacos(cfg.Nacos), nil
	case TypeRedis:
		return NewRedis(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("discovery: unknown backend type %q", cfg.Type)
	}
}
