package ws

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Config 传输配置
type Config struct {
	ReadBufferSize    int           `mapstructure:"read_buffer_size" yaml:"read_buffer_size"`
	WriteBufferSize   int           `mapstructure:"write_buffer_size" yaml:"write_buffer_size"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	MaxMessageSize    int64         `mapstructure:"max_message_size" yaml:"max_message_size"`
	EnableCompression bool          `mapstructure:"enable_compression" yaml:"enable_compression"`

	PingInterval time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"` // 心跳间隔
	PongWait     time.Duration `mapstructure:"pong_wait" yaml:"pong_wait"`         // 超过该时间未收到任何帧视为断开
	WriteWait    time.Duration `mapstructure:"write_wait" yaml:"write_wait"`

	SendQueueSize     int `mapstructure:"send_queue_size" yaml:"send_queue_size"`
	PriorityQueueSize int `mapstructure:"priority_queue_size" yaml:"priority_queue_size"` // 错误与关闭通知
	MaxInvalidFrames  int `mapstructure:"max_invalid_frames" yaml:"max_invalid_frames"`   // 连续无效帧上限

	AllowedOrigins  []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`     // 为空时执行同源检查
	AllowAllOrigins bool     `mapstructure:"allow_all_origins" yaml:"allow_all_origins"` // 仅用于开发环境
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		HandshakeTimeout:  10 * time.Second,
		MaxMessageSize:    64 * 1024,
		PingInterval:      30 * time.Second,
		PongWait:          90 * time.Second,
		WriteWait:         10 * time.Second,
		SendQueueSize:     256,
		PriorityQueueSize: 16,
		MaxInvalidFrames:  10,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch {
	case c.ReadBufferSize <= 0 || c.WriteBufferSize <= 0:
		return fmt.Errorf("%w: buffer sizes must be positive", ErrInvalidConfig)
	case c.MaxMessageSize <= 0:
		return fmt.Errorf("%w: MaxMessageSize must be positive, got %d", ErrInvalidConfig, c.MaxMessageSize)
	case c.PingInterval <= 0:
		return fmt.Errorf("%w: PingInterval must be positive, got %v", ErrInvalidConfig, c.PingInterval)
	case c.PongWait <= c.PingInterval:
		return fmt.Errorf("%w: PongWait (%v) must be greater than PingInterval (%v)", ErrInvalidConfig, c.PongWait, c.PingInterval)
	case c.WriteWait <= 0:
		return fmt.Errorf("%w: WriteWait must be positive, got %v", ErrInvalidConfig, c.WriteWait)
	case c.SendQueueSize <= 0 || c.PriorityQueueSize <= 0:
		return fmt.Errorf("%w: queue sizes must be positive", ErrInvalidConfig)
	case c.MaxInvalidFrames <= 0:
		return fmt.Errorf("%w: MaxInvalidFrames must be positive, got %d", ErrInvalidConfig, c.MaxInvalidFrames)
	}
	return nil
}

// NewUpgrader 创建升级器
// Origin 检查优先级：AllowAllOrigins > AllowedOrigins 白名单 > 同源
func NewUpgrader(cfg *Config) *websocket.Upgrader {
	checkOrigin := sameOrigin
	switch {
	case cfg.AllowAllOrigins:
		checkOrigin = func(*http.Request) bool { return true }
	case len(cfg.AllowedOrigins) > 0:
		checkOrigin = whitelist(cfg.AllowedOrigins)
	}

	return &websocket.Upgrader{
		ReadBufferSize:    cfg.ReadBufferSize,
		WriteBufferSize:   cfg.WriteBufferSize,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		EnableCompression: cfg.EnableCompression,
		CheckOrigin:       checkOrigin,
	}
}

// sameOrigin Origin 的 host 必须与请求 Host 一致，拒绝空 Origin
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// whitelist 白名单模式下拒绝空 Origin
func whitelist(origins []string) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return false
		}
		_, ok := allowed[origin]
		return ok
	}
}
