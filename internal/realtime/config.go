package realtime

import (
	"fmt"
	"time"

	"github.com/tokmz/qim/pkg/ratelimit"
)

// Config 引擎配置
type Config struct {
	MaxConnections  int `mapstructure:"max_connections" yaml:"max_connections"`
	MaxSessions     int `mapstructure:"max_sessions" yaml:"max_sessions"`
	MaxRooms        int `mapstructure:"max_rooms" yaml:"max_rooms"`
	MaxRoomsPerConn int `mapstructure:"max_rooms_per_conn" yaml:"max_rooms_per_conn"`

	SessionTTL  time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`
	RoomTTL     time.Duration `mapstructure:"room_ttl" yaml:"room_ttl"` // <=0 房间不过期
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`

	TypingTTL      time.Duration `mapstructure:"typing_ttl" yaml:"typing_ttl"`
	TypingSweep    time.Duration `mapstructure:"typing_sweep" yaml:"typing_sweep"`
	MaxTypingItems int           `mapstructure:"max_typing_items" yaml:"max_typing_items"`

	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
	VerifyInterval  time.Duration `mapstructure:"verify_interval" yaml:"verify_interval"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`

	HandlerTimeout      time.Duration `mapstructure:"handler_timeout" yaml:"handler_timeout"`
	CollaboratorTimeout time.Duration `mapstructure:"collaborator_timeout" yaml:"collaborator_timeout"`
	SyncConcurrency     int           `mapstructure:"sync_concurrency" yaml:"sync_concurrency"`
	UnreadCacheTTL      time.Duration `mapstructure:"unread_cache_ttl" yaml:"unread_cache_ttl"`

	MaxContentLength int      `mapstructure:"max_content_length" yaml:"max_content_length"`
	MaxReadItems     int      `mapstructure:"max_read_items" yaml:"max_read_items"`
	MessageTypes     []string `mapstructure:"message_types" yaml:"message_types"`

	DefaultRole   string   `mapstructure:"default_role" yaml:"default_role"`
	ElevatedRoles []string `mapstructure:"elevated_roles" yaml:"elevated_roles"`

	DedupeCapacity      uint          `mapstructure:"dedupe_capacity" yaml:"dedupe_capacity"`
	DedupeFalsePositive float64       `mapstructure:"dedupe_false_positive" yaml:"dedupe_false_positive"`
	DedupeWindow        time.Duration `mapstructure:"dedupe_window" yaml:"dedupe_window"`

	RateLimits ratelimit.Table `mapstructure:"-" yaml:"-"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxConnections:      50000,
		MaxSessions:         50000,
		MaxRooms:            100000,
		MaxRoomsPerConn:     100,
		SessionTTL:          30 * time.Minute,
		IdleTimeout:         5 * time.Minute,
		TypingTTL:           10 * time.Second,
		TypingSweep:         time.Second,
		MaxTypingItems:      100000,
		CleanupInterval:     time.Minute,
		VerifyInterval:      30 * time.Second,
		ShutdownGrace:       5 * time.Second,
		HandlerTimeout:      10 * time.Second,
		CollaboratorTimeout: 3 * time.Second,
		SyncConcurrency:     8,
		UnreadCacheTTL:      24 * time.Hour,
		MaxContentLength:    4000,
		MaxReadItems:        500,
		MessageTypes:        []string{"text", "image", "file", "system"},
		DefaultRole:         "customer",
		ElevatedRoles:       []string{"admin", "supervisor"},
		DedupeCapacity:      100000,
		DedupeFalsePositive: 0.001,
		DedupeWindow:        10 * time.Minute,
		RateLimits:          ratelimit.DefaultTable(),
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch {
	case c.MaxRoomsPerConn <= 0:
		return fmt.Errorf("realtime: max_rooms_per_conn must be positive, got %d", c.MaxRoomsPerConn)
	case c.SessionTTL <= 0:
		return fmt.Errorf("realtime: session_ttl must be positive, got %v", c.SessionTTL)
	case c.IdleTimeout <= 0:
		return fmt.Errorf("realtime: idle_timeout must be positive, got %v", c.IdleTimeout)
	case c.TypingTTL <= 0 || c.TypingSweep <= 0:
		return fmt.Errorf("realtime: typing_ttl and typing_sweep must be positive")
	case c.CleanupInterval <= 0 || c.VerifyInterval <= 0:
		return fmt.Errorf("realtime: cleanup_interval and verify_interval must be positive")
	case c.ShutdownGrace < 0:
		return fmt.Errorf("realtime: shutdown_grace must not be negative")
	case c.SyncConcurrency <= 0:
		return fmt.Errorf("realtime: sync_concurrency must be positive, got %d", c.SyncConcurrency)
	case c.MaxContentLength <= 0:
		return fmt.Errorf("realtime: max_content_length must be positive, got %d", c.MaxContentLength)
	case len(c.MessageTypes) == 0:
		return fmt.Errorf("realtime: message_types must not be empty")
	case c.DefaultRole == "":
		return fmt.Errorf("realtime: default_role is required")
	case c.DedupeCapacity == 0 || c.DedupeFalsePositive <= 0 || c.DedupeFalsePositive >= 1:
		return fmt.Errorf("realtime: dedupe_capacity must be positive and dedupe_false_positive in (0,1)")
	}
	return nil
}

// Option 引擎选项
type Option func(*options)

type options struct {
	config  *Config
	now     func() time.Time
	roomKey RoomKeyFunc
	ledger  *ratelimit.Ledger
}

// WithConfig 设置配置
func WithConfig(cfg *Config) Option {
	return func(o *options) {
		o.config = cfg
	}
}

// WithClock 设置时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithRoomKeyFunc 替换房间 key 推导函数
func WithRoomKeyFunc(fn RoomKeyFunc) Option {
	return func(o *options) {
		o.roomKey = fn
	}
}

// WithLedger 使用外部创建的限流账本（热更新时共享）
func WithLedger(l *ratelimit.Ledger) Option {
	return func(o *options) {
		o.ledger = l
	}
}
