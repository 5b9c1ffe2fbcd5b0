// Package conf qimd 的配置树：默认值 < 配置文件 < QIM_ 环境变量
package conf

import (
	"fmt"
	"time"

	"github.com/tokmz/qim/internal/auth"
	"github.com/tokmz/qim/internal/directory"
	"github.com/tokmz/qim/internal/forward"
	"github.com/tokmz/qim/internal/realtime"
	"github.com/tokmz/qim/internal/store/mongostore"
	"github.com/tokmz/qim/pkg/cache"
	"github.com/tokmz/qim/pkg/logger"
	"github.com/tokmz/qim/pkg/orm"
	"github.com/tokmz/qim/pkg/ratelimit"
	"github.com/tokmz/qim/pkg/tracing"
	"github.com/tokmz/qim/pkg/ws"
)

// 存储驱动
const (
	StoreSQL   = "sql"
	StoreMongo = "mongo"
)

// Settings 完整配置
type Settings struct {
	Server     ServerSettings           `mapstructure:"server" yaml:"server"`
	WS         ws.Config                `mapstructure:"ws" yaml:"ws"`
	Realtime   realtime.Config          `mapstructure:"realtime" yaml:"realtime"`
	RateLimits map[string]time.Duration `mapstructure:"rate_limits" yaml:"rate_limits"`
	Auth       auth.Config              `mapstructure:"auth" yaml:"auth"`
	Store      StoreSettings            `mapstructure:"store" yaml:"store"`
	Cache      cache.Config             `mapstructure:"cache" yaml:"cache"`
	Directory  directory.Config         `mapstructure:"directory" yaml:"directory"`
	Forward    forward.Config           `mapstructure:"forward" yaml:"forward"`
	Logger     LoggerSettings           `mapstructure:"logger" yaml:"logger"`
	Tracing    tracing.Config           `mapstructure:"tracing" yaml:"tracing"`
}

// ServerSettings HTTP 服务配置
type ServerSettings struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	Mode              string        `mapstructure:"mode" yaml:"mode"` // debug, release, test
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	TrustedProxies    []string      `mapstructure:"trusted_proxies" yaml:"trusted_proxies"`
	HandshakeRate     float64       `mapstructure:"handshake_rate" yaml:"handshake_rate"` // 每个 IP 每秒握手数，<=0 不限制
	HandshakeBurst    int           `mapstructure:"handshake_burst" yaml:"handshake_burst"`
	EnableDebug       bool          `mapstructure:"enable_debug" yaml:"enable_debug"` // /debug/stats 与 /debug/metrics
	Banner            bool          `mapstructure:"banner" yaml:"banner"`
}

// StoreSettings 存储配置
type StoreSettings struct {
	Driver string            `mapstructure:"driver" yaml:"driver"` // sql, mongo
	SQL    orm.Config        `mapstructure:"sql" yaml:"sql"`
	Mongo  mongostore.Config `mapstructure:"mongo" yaml:"mongo"`
}

// LoggerSettings 日志配置
type LoggerSettings struct {
	Level             string         `mapstructure:"level" yaml:"level"`
	Format            string         `mapstructure:"format" yaml:"format"`
	Console           bool           `mapstructure:"console" yaml:"console"`
	File              string         `mapstructure:"file" yaml:"file"`
	Rotate            RotateSettings `mapstructure:"rotate" yaml:"rotate"`
	DisableCaller     bool           `mapstructure:"disable_caller" yaml:"disable_caller"`
	DisableStacktrace bool           `mapstructure:"disable_stacktrace" yaml:"disable_stacktrace"`
}

// RotateSettings 轮转文件配置，Filename 为空时不启用
type RotateSettings struct {
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// Defaults 默认配置，可直接启动单机开发环境（sqlite 内存库 + 内存缓存）
func Defaults() *Settings {
	rt := realtime.DefaultConfig()
	rt.RateLimits = nil

	cacheCfg := cache.DefaultConfig()
	cacheCfg.KeyPrefix = "qim:"

	sqlCfg := orm.DefaultConfig()
	sqlCfg.DSN = "file:qim?mode=memory&cache=shared"

	return &Settings{
		Server: ServerSettings{
			Addr:              ":8080",
			Mode:              "release",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			HandshakeRate:     5,
			HandshakeBurst:    20,
			Banner:            true,
		},
		WS:         *ws.DefaultConfig(),
		Realtime:   *rt,
		RateLimits: ratelimit.DefaultTable(),
		Store: StoreSettings{
			Driver: StoreSQL,
			SQL:    *sqlCfg,
			Mongo:  *mongostore.DefaultConfig(),
		},
		Cache:     *cacheCfg,
		Directory: *directory.DefaultConfig(),
		Forward:   *forward.DefaultConfig(),
		Logger: LoggerSettings{
			Level:   "info",
			Format:  string(logger.JSONFormat),
			Console: true,
		},
		Tracing: *tracing.DefaultConfig(),
	}
}

// RateTable 限流表
func (s *Settings) RateTable() ratelimit.Table {
	t := make(ratelimit.Table, len(s.RateLimits))
	for k, v := range s.RateLimits {
		t[k] = v
	}
	return t
}

// RealtimeConfig 引擎配置（带限流表）
func (s *Settings) RealtimeConfig() *realtime.Config {
	rt := s.Realtime
	rt.RateLimits = s.RateTable()
	return &rt
}

// LoggerConfig 转换为 logger.Config
func (s *Settings) LoggerConfig() (*logger.Config, error) {
	level, err := logger.ParseLevel(s.Logger.Level)
	if err != nil {
		return nil, err
	}
	cfg := &logger.Config{
		Level:             level,
		Format:            logger.Format(s.Logger.Format),
		Console:           s.Logger.Console,
		File:              s.Logger.File,
		DisableCaller:     s.Logger.DisableCaller,
		DisableStacktrace: s.Logger.DisableStacktrace,
	}
	if r := s.Logger.Rotate; r.Filename != "" {
		cfg.Rotate = &logger.RotateConfig{
			Filename:   r.Filename,
			MaxSize:    r.MaxSize,
			MaxAge:     r.MaxAge,
			MaxBackups: r.MaxBackups,
			Compress:   r.Compress,
		}
	}
	return cfg, nil
}

// Validate 逐段验证
func (s *Settings) Validate() error {
	if s.Server.Addr == "" {
		return fmt.Errorf("conf: server.addr is required")
	}
	for event, d := range s.RateLimits {
		if d < 0 {
			return fmt.Errorf("conf: rate_limits.%s must not be negative", event)
		}
	}

	if err := s.WS.Validate(); err != nil {
		return err
	}
	if err := s.RealtimeConfig().Validate(); err != nil {
		return err
	}
	if err := s.Auth.Validate(); err != nil {
		return err
	}

	switch s.Store.Driver {
	case StoreSQL:
		if s.Store.SQL.DSN == "" {
			return fmt.Errorf("conf: store.sql.dsn is required")
		}
	case StoreMongo:
		if err := s.Store.Mongo.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("conf: unknown store.driver %q", s.Store.Driver)
	}

	if err := s.Cache.Validate(); err != nil {
		return err
	}
	if err := s.Directory.Validate(); err != nil {
		return err
	}
	if err := s.Forward.Validate(); err != nil {
		return err
	}
	lc, err := s.LoggerConfig()
	if err != nil {
		return err
	}
	if err := lc.Validate(); err != nil {
		return err
	}
	return s.Tracing.Validate()
}
