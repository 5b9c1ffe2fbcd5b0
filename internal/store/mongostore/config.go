package mongostore

import (
	"fmt"
	"time"
)

// 集合名
const (
	CollConversations = "conversations"
	CollMessages      = "messages"
	CollReads         = "reads"
	CollIdentities    = "identities"
)

// Config MongoDB 连接配置
type Config struct {
	URI              string        `mapstructure:"uri" yaml:"uri"`
	Database         string        `mapstructure:"database" yaml:"database"`
	AppName          string        `mapstructure:"app_name" yaml:"app_name"`
	MinPoolSize      uint64        `mapstructure:"min_pool_size" yaml:"min_pool_size"`
	MaxPoolSize      uint64        `mapstructure:"max_pool_size" yaml:"max_pool_size"`
	MaxConnIdleTime  time.Duration `mapstructure:"max_conn_idle_time" yaml:"max_conn_idle_time"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
	EnsureIndexes    bool          `mapstructure:"ensure_indexes" yaml:"ensure_indexes"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		URI:              "mongodb://localhost:27017",
		Database:         "qim",
		AppName:          "qim",
		MinPoolSize:      5,
		MaxPoolSize:      100,
		MaxConnIdleTime:  5 * time.Minute,
		ConnectTimeout:   10 * time.Second,
		OperationTimeout: 3 * time.Second,
		EnsureIndexes:    true,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.URI == "" {
		return fmt.Errorf("mongostore: uri is required")
	}
	if c.Database == "" {
		return fmt.Errorf("mongostore: database is required")
	}
	if c.MaxPoolSize > 0 && c.MinPoolSize > c.MaxPoolSize {
		return fmt.Errorf("mongostore: min_pool_size (%d) exceeds max_pool_size (%d)", c.MinPoolSize, c.MaxPoolSize)
	}
	return nil
}
