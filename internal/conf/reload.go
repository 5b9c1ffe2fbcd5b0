package conf

import (
	"go.uber.org/zap"

	"github.com/tokmz/qim/pkg/logger"
	"github.com/tokmz/qim/pkg/ratelimit"
)

// Reloader 运行期可热更新的部分：限流表与日志级别
type Reloader struct {
	ledger *ratelimit.Ledger
	log    logger.Logger
}

// NewReloader 创建热更新器
func NewReloader(ledger *ratelimit.Ledger, log logger.Logger) *Reloader {
	return &Reloader{ledger: ledger, log: log}
}

// Apply 应用新配置，其余配置项需要重启生效
func (r *Reloader) Apply(s *Settings) {
	table := s.RateTable()
	r.ledger.SetIntervals(table)

	if level, err := logger.ParseLevel(s.Logger.Level); err == nil && level != r.log.Level() {
		r.log.SetLevel(level)
	}
	r.log.Info("config reloaded",
		zap.Int("rate_limits", len(table)),
		zap.String("log_level", r.log.Level().String()),
	)
}

// Failed 记录重新加载失败，保留旧配置
func (r *Reloader) Failed(err error) {
	r.log.Warn("config reload rejected, keeping previous settings", zap.Error(err))
}
