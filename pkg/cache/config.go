package cache

import "time"

// DriverType 驱动类型
type DriverType string

const (
	DriverRedis  DriverType = "redis"
	DriverMemory DriverType = "memory"
)

// RedisMode Redis 模式
type RedisMode string

const (
	RedisStandalone RedisMode = "standalone"
	RedisCluster    RedisMode = "cluster"
	RedisSentinel   RedisMode = "sentinel"
)

// Config 缓存配置
type Config struct {
	Driver     DriverType    `mapstructure:"driver" yaml:"driver"`
	Redis      *RedisConfig  `mapstructure:"redis" yaml:"redis"`
	Memory     *MemoryConfig `mapstructure:"memory" yaml:"memory"`
	Serializer Serializer    `mapstructure:"-" yaml:"-"`
	KeyPrefix  string        `mapstructure:"key_prefix" yaml:"key_prefix"`   // 键前缀
	DefaultTTL time.Duration `mapstructure:"default_ttl" yaml:"default_ttl"` // Set 传 0 时使用
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr         string        `mapstructure:"addr" yaml:"addr"`   // 单机地址
	Addrs        []string      `mapstructure:"addrs" yaml:"addrs"` // 集群/哨兵地址
	Mode         RedisMode     `mapstructure:"mode" yaml:"mode"`   // standalone, cluster, sentinel
	Username     string        `mapstructure:"username" yaml:"username"`
	Password     string        `mapstructure:"password" yaml:"password"`
	DB           int           `mapstructure:"db" yaml:"db"`
	PoolSize     int           `mapstructure:"pool_size" yaml:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	MasterName   string        `mapstructure:"master_name" yaml:"master_name"` // 哨兵主节点名称
}

// MemoryConfig 内存缓存配置
type MemoryConfig struct {
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
}

// DefaultConfig 默认配置（内存驱动）
func DefaultConfig() *Config {
	return &Config{
		Driver:     DriverMemory,
		Serializer: &JSONSerializer{},
		DefaultTTL: 10 * time.Minute,
		Memory:     &MemoryConfig{CleanupInterval: 5 * time.Minute},
	}
}

// DefaultRedisConfig 默认 Redis 配置
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:         "localhost:6379",
		Mode:         RedisStandalone,
		PoolSize:     50,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Option 配置选项
type Option func(*Config)

// WithRedis 使用 Redis 驱动
func WithRedis(cfg *RedisConfig) Option {
	return func(c *Config) {
		c.Driver = DriverRedis
		c.Redis = cfg
	}
}

// WithMemory 使用内存驱动
func WithMemory(cfg *MemoryConfig) Option {
	return func(c *Config) {
		c.Driver = DriverMemory
		c.Memory = cfg
	}
}

// WithKeyPrefix 设置键前缀
func WithKeyPrefix(prefix string) Option {
	return func(c *Config) {
		c.KeyPrefix = prefix
	}
}

// WithDefaultTTL 设置默认 TTL
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.DefaultTTL = ttl
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverMemory:
		return nil
	case DriverRedis:
	default:
		return ErrCacheInvalidConfig.WithMessage("invalid driver type: " + string(c.Driver))
	}

	if c.Redis == nil {
		return ErrCacheInvalidConfig.WithMessage("redis config is required")
	}
	switch c.Redis.Mode {
	case RedisStandalone, "":
		if c.Redis.Addr == "" {
			return ErrCacheInvalidConfig.WithMessage("redis addr is required for standalone mode")
		}
	case RedisCluster:
		if len(c.Redis.Addrs) == 0 {
			return ErrCacheInvalidConfig.WithMessage("redis cluster requires addrs")
		}
	case RedisSentinel:
		if len(c.Redis.Addrs) == 0 || c.Redis.MasterName == "" {
			return ErrCacheInvalidConfig.WithMessage("redis sentinel requires addrs and master name")
		}
	default:
		return ErrCacheInvalidConfig.WithMessage("invalid redis mode: " + string(c.Redis.Mode))
	}
	return nil
}
