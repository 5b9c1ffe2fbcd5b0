package config

import "github.com/tokmz/qim/pkg/errors"

var (
	// ErrConfigNotFound 配置文件未找到
	ErrConfigNotFound = errors.New("CONFIG_NOT_FOUND", "config file not found")
	// ErrConfigReadFailed 配置读取失败
	ErrConfigReadFailed = errors.New("CONFIG_READ_FAILED", "config read failed")
	// ErrConfigDecodeFailed 配置解码失败
	ErrConfigDecodeFailed = errors.New("CONFIG_DECODE_FAILED", "config decode failed")
)
