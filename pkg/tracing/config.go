package tracing

import (
	"time"

	"github.com/tokmz/qim/pkg/errors"
)

// ErrInvalidConfig 配置错误
var ErrInvalidConfig = errors.New("TRACING_INVALID_CONFIG", "tracing config error")

// 导出器类型
const (
	ExporterOTLPHTTP = "otlp-http"
	ExporterOTLPGRPC = "otlp-grpc"
	ExporterStdout   = "stdout"
	ExporterNoop     = "noop"
)

// Config 链路追踪配置
type Config struct {
	ServiceName    string `mapstructure:"service_name" yaml:"service_name"`
	ServiceVersion string `mapstructure:"service_version" yaml:"service_version"`
	Environment    string `mapstructure:"environment" yaml:"environment"`
	Enabled        bool   `mapstructure:"enabled" yaml:"enabled"`

	Exporter string            `mapstructure:"exporter" yaml:"exporter"` // otlp-http/otlp-grpc/stdout/noop（"otlp" 等同 otlp-http）
	Endpoint string            `mapstructure:"endpoint" yaml:"endpoint"` // 为空时读取 OTEL_EXPORTER_OTLP_ENDPOINT
	Headers  map[string]string `mapstructure:"headers" yaml:"headers"`   // 认证头
	Insecure bool              `mapstructure:"insecure" yaml:"insecure"`

	SamplingType string  `mapstructure:"sampling_type" yaml:"sampling_type"` // always/never/ratio/parent_based
	SamplingRate float64 `mapstructure:"sampling_rate" yaml:"sampling_rate"` // 0.0-1.0

	ResourceAttrs  map[string]string `mapstructure:"resource_attrs" yaml:"resource_attrs"`
	BatchTimeout   time.Duration     `mapstructure:"batch_timeout" yaml:"batch_timeout"`
	MaxExportBatch int               `mapstructure:"max_export_batch" yaml:"max_export_batch"`
	MaxQueueSize   int               `mapstructure:"max_queue_size" yaml:"max_queue_size"`
}

// DefaultConfig 默认配置（关闭）
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "qimd",
		ServiceVersion: "dev",
		Environment:    "development",
		Exporter:       ExporterNoop,
		SamplingType:   "parent_based",
		SamplingRate:   1.0,
		BatchTimeout:   5 * time.Second,
		MaxExportBatch: 512,
		MaxQueueSize:   2048,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return ErrInvalidConfig.WithMessage("service name is required")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return ErrInvalidConfig.WithMessage("sampling rate must be between 0.0 and 1.0")
	}
	switch c.Exporter {
	case "otlp", ExporterOTLPHTTP, ExporterOTLPGRPC, ExporterStdout, ExporterNoop:
	default:
		return ErrInvalidConfig.WithMessage("invalid exporter type: " + c.Exporter)
	}
	return nil
}
