package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

// Format 日志格式
type Format string

const (
	// JSONFormat JSON 格式
	JSONFormat Format = "json"
	// ConsoleFormat 控制台格式
	ConsoleFormat Format = "console"
)

// IsValid 检查格式是否有效
func (f Format) IsValid() bool {
	return f == JSONFormat || f == ConsoleFormat
}

// Config 日志配置
type Config struct {
	Level  Level  // 日志级别（默认 InfoLevel）
	Format Format // json/console，默认 json

	Console bool          // 输出到 stdout（未配置任何输出时默认开启）
	File    string        // 文件路径
	Rotate  *RotateConfig // 轮转文件

	Sampling *SamplingConfig

	DisableCaller     bool
	DisableStacktrace bool // 关闭 Error 及以上级别的堆栈

	EncoderConfig *zapcore.EncoderConfig
	Hooks         []Hook
}

// SamplingConfig 采样配置
type SamplingConfig struct {
	Initial    int // 每秒前 N 条必定记录
	Thereafter int // 之后每 M 条记录 1 条
}

func (s *SamplingConfig) setDefaults() {
	if s.Initial == 0 {
		s.Initial = 100
	}
	if s.Thereafter == 0 {
		s.Thereafter = 100
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Format != "" && !c.Format.IsValid() {
		return fmt.Errorf("logger: invalid format %q", c.Format)
	}
	if c.Rotate != nil && strings.TrimSpace(c.Rotate.Filename) == "" {
		return fmt.Errorf("logger: rotate filename is required")
	}
	return nil
}

// setDefaults 设置默认值
func (c *Config) setDefaults() {
	if c.Format == "" {
		c.Format = JSONFormat
	}
	if !c.Console && c.File == "" && c.Rotate == nil {
		c.Console = true
	}
}
