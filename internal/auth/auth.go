// Package auth 校验握手时携带的 Bearer Token
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken   = errors.New("auth: missing token")
	ErrInvalidToken   = errors.New("auth: invalid token")
	ErrMissingSubject = errors.New("auth: token has no subject")
	ErrMissingScope   = errors.New("auth: token has no workspace or tenant")
	ErrInvalidConfig  = errors.New("auth: invalid config")
)

// Claims Token 载荷
type Claims struct {
	Role      string `json:"role,omitempty"`
	Workspace string `json:"workspace"`
	Tenant    string `json:"tenant"`
	jwt.RegisteredClaims
}

// Config 校验配置
type Config struct {
	Secret       string        `mapstructure:"secret" yaml:"secret"`                 // HMAC 密钥
	PublicKeyPEM string        `mapstructure:"public_key_pem" yaml:"public_key_pem"` // RSA 公钥，设置后优先使用
	Issuer       string        `mapstructure:"issuer" yaml:"issuer"`
	Audience     string        `mapstructure:"audience" yaml:"audience"`
	Leeway       time.Duration `mapstructure:"leeway" yaml:"leeway"` // 时钟容差
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Secret == "" && c.PublicKeyPEM == "" {
		return fmt.Errorf("%w: secret or public_key_pem is required", ErrInvalidConfig)
	}
	if c.Leeway < 0 {
		return fmt.Errorf("%w: leeway must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Verifier JWT 校验器
type Verifier struct {
	parser  *jwt.Parser
	keyFunc jwt.Keyfunc
}

// NewVerifier 创建校验器
func NewVerifier(cfg *Config) (*Verifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []jwt.ParserOption{
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	v := &Verifier{}
	if cfg.PublicKeyPEM != "" {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.PublicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		opts = append(opts, jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}))
		v.keyFunc = func(*jwt.Token) (any, error) { return key, nil }
	} else {
		secret := []byte(cfg.Secret)
		opts = append(opts, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
		v.keyFunc = func(*jwt.Token) (any, error) { return secret, nil }
	}
	v.parser = jwt.NewParser(opts...)
	return v, nil
}

// Verify 校验签名、签发方、受众与有效期
func (v *Verifier) Verify(_ context.Context, token string) (*Claims, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	if _, err := v.parser.ParseWithClaims(token, claims, v.keyFunc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, ErrMissingSubject
	}
	if claims.Workspace == "" || claims.Tenant == "" {
		return nil, ErrMissingScope
	}
	return claims, nil
}

// Sign 使用 HMAC 密钥签发 Token（开发与测试用）
func Sign(secret string, claims *Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
