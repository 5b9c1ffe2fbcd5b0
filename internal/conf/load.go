package conf

import (
	"fmt"

	"github.com/goccy/go-yaml"

	"github.com/tokmz/qim/pkg/config"
)

// EnvPrefix 环境变量前缀，例如 QIM_SERVER_ADDR
const EnvPrefix = "QIM"

// Load 加载配置，path 为空时只使用默认值与环境变量
func Load(path string) (*Settings, error) {
	s, _, err := load(path, nil)
	return s, err
}

// LoadAndWatch 加载配置并监控文件变更，变更后的配置通过验证才回调 onChange
// onError 接收重新加载失败的错误，可为 nil
func LoadAndWatch(path string, onChange func(*Settings), onError func(error)) (*Settings, *config.Config, error) {
	if path == "" {
		return nil, nil, fmt.Errorf("conf: watch requires a config file")
	}
	return load(path, func(c *config.Config) {
		s, err := decode(c)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(s)
	})
}

func load(path string, reload func(*config.Config)) (*Settings, *config.Config, error) {
	defaults, err := defaultsMap()
	if err != nil {
		return nil, nil, err
	}

	opts := []config.Option{
		config.WithDefaults(defaults),
		config.WithEnvPrefix(EnvPrefix),
	}
	if path == "" {
		opts = append(opts, config.WithOptionalFile())
	} else {
		opts = append(opts, config.WithConfigFile(path))
	}

	var c *config.Config
	if reload != nil {
		opts = append(opts,
			config.WithAutoWatch(true),
			config.WithOnChange(func() { reload(c) }),
		)
	}
	c = config.New(opts...)
	if err := c.Load(); err != nil {
		return nil, nil, err
	}

	s, err := decode(c)
	if err != nil {
		return nil, nil, err
	}
	return s, c, nil
}

func decode(c *config.Config) (*Settings, error) {
	s := Defaults()
	// 限流表的默认值已注册到 viper，这里从空表解码
	s.RateLimits = nil
	if err := c.Unmarshal(s); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// defaultsMap 将 Defaults() 展开为嵌套 map 供 viper 注册默认键（环境变量覆盖依赖已知键）
func defaultsMap() (map[string]any, error) {
	raw, err := yaml.Marshal(Defaults())
	if err != nil {
		return nil, fmt.Errorf("conf: encode defaults: %w", err)
	}
	m := map[string]any{}
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("conf: decode defaults: %w", err)
	}
	pruneNil(m)
	return m, nil
}

func pruneNil(m map[string]any) {
	for k, v := range m {
		switch vv := v.(type) {
		case nil:
			delete(m, k)
		case map[string]any:
			pruneNil(vv)
		}
	}
}

// Dump 以 YAML 输出配置，敏感字段打码
func Dump(s *Settings) ([]byte, error) {
	redacted := *s
	redacted.Auth.Secret = mask(redacted.Auth.Secret)
	if redacted.Cache.Redis != nil {
		r := *redacted.Cache.Redis
		r.Password = mask(r.Password)
		redacted.Cache.Redis = &r
	}
	return yaml.Marshal(&redacted)
}

func mask(v string) string {
	if v == "" {
		return ""
	}
	return "******"
}
