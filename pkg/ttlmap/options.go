package ttlmap

import "time"

// config 映射配置
type config struct {
	maxEntries    int
	defaultTTL    time.Duration
	sweepInterval time.Duration
	now           func() time.Time
}

func defaultConfig() *config {
	return &config{
		now: time.Now,
	}
}

// Option 配置选项
type Option func(*config)

// WithMaxEntries 设置最大条目数（<=0 不限制）
func WithMaxEntries(n int) Option {
	return func(c *config) {
		c.maxEntries = n
	}
}

// WithDefaultTTL 设置默认 TTL（<=0 永不过期）
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *config) {
		c.defaultTTL = ttl
	}
}

// WithSweepInterval 设置后台清理间隔（<=0 不启动后台清理）
func WithSweepInterval(interval time.Duration) Option {
	return func(c *config) {
		c.sweepInterval = interval
	}
}

// WithClock 设置时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}
