package config

import "strings"

// Option 配置选项函数
type Option func(*Config)

// WithConfigFile 指定配置文件完整路径
func WithConfigFile(path string) Option {
	return func(c *Config) {
		c.configFile = path
	}
}

// WithConfigName 设置配置文件名（不含扩展名）与搜索路径
func WithConfigName(name string, paths ...string) Option {
	return func(c *Config) {
		c.configName = name
		c.configPaths = paths
	}
}

// WithConfigType 设置配置文件类型（yaml, json, toml）
func WithConfigType(typ string) Option {
	return func(c *Config) {
		c.configType = typ
	}
}

// WithOptionalFile 配置文件不存在时仅使用默认值与环境变量
func WithOptionalFile() Option {
	return func(c *Config) {
		c.optional = true
	}
}

// WithAutoWatch 加载成功后自动监控文件变更
func WithAutoWatch(watch bool) Option {
	return func(c *Config) {
		c.autoWatch = watch
	}
}

// WithOnChange 配置文件变更并重新读取后触发
func WithOnChange(fn func()) Option {
	return func(c *Config) {
		c.onChange = fn
	}
}

// WithDefaults 设置默认配置值（支持嵌套 map，按点号展开）
func WithDefaults(defaults map[string]any) Option {
	return func(c *Config) {
		c.defaults = defaults
	}
}

// WithEnvPrefix 设置环境变量前缀，键名中的 "." 替换为 "_"
// 例如前缀 QIM 时 server.addr 对应 QIM_SERVER_ADDR
func WithEnvPrefix(prefix string) Option {
	return func(c *Config) {
		c.envPrefix = prefix
		if c.envKeyReplacer == nil {
			c.envKeyReplacer = strings.NewReplacer(".", "_")
		}
	}
}
