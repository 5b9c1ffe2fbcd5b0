// Package directory 带缓存的身份角色查询
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tokmz/qim/internal/store"
	"github.com/tokmz/qim/pkg/logger"
)

// RoleLookup 角色数据源
type RoleLookup interface {
	LookupRole(ctx context.Context, identity string) (string, error)
}

// Config 缓存配置
type Config struct {
	Size          int           `mapstructure:"size" yaml:"size"`
	TTL           time.Duration `mapstructure:"ttl" yaml:"ttl"`
	NegativeTTL   time.Duration `mapstructure:"negative_ttl" yaml:"negative_ttl"` // 未找到的身份缓存时间，0 不缓存
	LookupTimeout time.Duration `mapstructure:"lookup_timeout" yaml:"lookup_timeout"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Size:          10000,
		TTL:           5 * time.Minute,
		NegativeTTL:   30 * time.Second,
		LookupTimeout: 3 * time.Second,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Size <= 0 {
		return fmt.Errorf("directory: size must be positive, got %d", c.Size)
	}
	if c.TTL <= 0 {
		return fmt.Errorf("directory: ttl must be positive, got %v", c.TTL)
	}
	return nil
}

// Directory 角色查询，命中缓存直接返回，未命中时合并并发请求
type Directory struct {
	source  RoleLookup
	roles   *expirable.LRU[string, string]
	missing *expirable.LRU[string, struct{}]
	sf      singleflight.Group
	timeout time.Duration
	log     logger.Logger
}

// New 创建角色目录
func New(source RoleLookup, cfg *Config, log logger.Logger) (*Directory, error) {
	if source == nil {
		return nil, errors.New("directory: source is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewNop()
	}

	d := &Directory{
		source:  source,
		roles:   expirable.NewLRU[string, string](cfg.Size, nil, cfg.TTL),
		timeout: cfg.LookupTimeout,
		log:     log.Named("directory"),
	}
	if cfg.NegativeTTL > 0 {
		d.missing = expirable.NewLRU[string, struct{}](cfg.Size, nil, cfg.NegativeTTL)
	}
	return d, nil
}

// GetRole 查询角色，身份不存在时返回 store.ErrNotFound
func (d *Directory) GetRole(ctx context.Context, identity string) (string, error) {
	if role, ok := d.roles.Get(identity); ok {
		return role, nil
	}
	if d.missing != nil {
		if _, ok := d.missing.Get(identity); ok {
			return "", store.ErrNotFound
		}
	}

	v, err, shared := d.sf.Do(identity, func() (any, error) {
		// 使用独立 context，首个调用方取消不影响共享请求，保留链路
		lctx := trace.ContextWithSpanContext(context.Background(), trace.SpanContextFromContext(ctx))
		if d.timeout > 0 {
			var cancel context.CancelFunc
			lctx, cancel = context.WithTimeout(lctx, d.timeout)
			defer cancel()
		}

		role, err := d.source.LookupRole(lctx, identity)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) && d.missing != nil {
				d.missing.Add(identity, struct{}{})
			}
			return "", err
		}
		d.roles.Add(identity, role)
		return role, nil
	})
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			d.log.WarnContext(ctx, "role lookup failed",
				zap.String("identity", identity),
				zap.Bool("shared", shared),
				zap.Error(err),
			)
		}
		return "", err
	}
	return v.(string), nil
}

// Invalidate 移除缓存的角色
func (d *Directory) Invalidate(identity string) {
	d.roles.Remove(identity)
	if d.missing != nil {
		d.missing.Remove(identity)
	}
}

// Len 已缓存的角色数
func (d *Directory) Len() int {
	return d.roles.Len()
}
