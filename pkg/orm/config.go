package orm

import "time"

// DBType 数据库类型
type DBType string

const (
	MySQL     DBType = "mysql"
	Postgres  DBType = "postgres"
	SQLite    DBType = "sqlite"
	SQLServer DBType = "sqlserver"
)

// Config 数据库配置
type Config struct {
	Type DBType `mapstructure:"type" yaml:"type"` // mysql, postgres, sqlite, sqlserver
	DSN  string `mapstructure:"dsn" yaml:"dsn"`

	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" yaml:"conn_max_idle_time"`

	PrepareStmt   bool          `mapstructure:"prepare_stmt" yaml:"prepare_stmt"`
	SlowThreshold time.Duration `mapstructure:"slow_threshold" yaml:"slow_threshold"` // 慢查询阈值
	TablePrefix   string        `mapstructure:"table_prefix" yaml:"table_prefix"`

	// Replicas 只读副本 DSN，非空时启用 dbresolver 读写分离
	Replicas      []string `mapstructure:"replicas" yaml:"replicas"`
	ReplicaPolicy string   `mapstructure:"replica_policy" yaml:"replica_policy"` // random, round_robin
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Type:            SQLite,
		DSN:             "file::memory:?cache=shared",
		MaxIdleConns:    10,
		MaxOpenConns:    100,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		SlowThreshold:   200 * time.Millisecond,
	}
}
