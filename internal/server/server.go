// Package server qimd 的 HTTP 宿主：WebSocket 接入、健康检查与调试端点
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tokmz/qim/internal/conf"
	"github.com/tokmz/qim/internal/realtime"
	"github.com/tokmz/qim/internal/telemetry"
	"github.com/tokmz/qim/pkg/logger"
	"github.com/tokmz/qim/pkg/tracing"
	"github.com/tokmz/qim/pkg/ws"
)

// Version qimd 版本号
const Version = "0.3.0"

// Options 服务依赖
type Options struct {
	Settings conf.ServerSettings
	WS       *ws.Config
	Manager  *realtime.Manager
	Recorder *telemetry.Recorder // 可选
	Logger   logger.Logger
	Out      io.Writer // banner 输出，默认 os.Stdout
}

// Server HTTP 服务
type Server struct {
	cfg      conf.ServerSettings
	wsCfg    *ws.Config
	manager  *realtime.Manager
	recorder *telemetry.Recorder
	log      logger.Logger
	out      io.Writer

	engine   *gin.Engine
	http     *http.Server
	upgrader *websocket.Upgrader
	limiter  *handshakeLimiter

	// 连接读写循环的生命周期
	baseCtx context.Context
	cancel  context.CancelFunc
	conns   sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

// New 创建服务并注册路由
func New(opts Options) (*Server, error) {
	if opts.Manager == nil {
		return nil, fmt.Errorf("server: manager is required")
	}
	if opts.WS == nil {
		opts.WS = ws.DefaultConfig()
	}
	if err := opts.WS.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Settings.Mode != "" {
		gin.SetMode(opts.Settings.Mode)
	}
	silenceGin()

	engine := gin.New()
	if err := engine.SetTrustedProxies(opts.Settings.TrustedProxies); err != nil {
		return nil, fmt.Errorf("server: trusted proxies: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      opts.Settings,
		wsCfg:    opts.WS,
		manager:  opts.Manager,
		recorder: opts.Recorder,
		log:      opts.Logger.Named("server"),
		out:      opts.Out,
		engine:   engine,
		upgrader: ws.NewUpgrader(opts.WS),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	if opts.Settings.HandshakeRate > 0 {
		s.limiter = newHandshakeLimiter(opts.Settings.HandshakeRate, opts.Settings.HandshakeBurst, nil)
	}

	engine.Use(
		gin.CustomRecoveryWithWriter(io.Discard, s.recover),
		accessLog(s.log, healthPath),
		tracing.Middleware(healthPath),
	)
	s.routes()

	s.http = &http.Server{
		Addr:              opts.Settings.Addr,
		Handler:           engine,
		ReadHeaderTimeout: opts.Settings.ReadHeaderTimeout,
	}
	return s, nil
}

func (s *Server) routes() {
	s.engine.GET("/ws", s.handleWS)
	s.engine.GET("/healthz", s.healthz)
	s.engine.GET("/readyz", s.readyz)
	if s.cfg.EnableDebug {
		debug := s.engine.Group("/debug")
		debug.GET("/stats", s.stats)
		debug.GET("/metrics", s.metrics)
	}
}

// Handler 返回 http.Handler（测试使用）
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run 监听并服务，ctx 取消后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve 在给定监听器上服务
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.cfg.Banner {
		s.printBanner(ln.Addr().String())
	}
	s.log.Info("server started", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Shutdown(sctx)
}

// Shutdown 关闭顺序：引擎排空连接，停止 HTTP，等待读写循环退出
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.log.Info("shutting down server")
		var errs []error
		if err := s.manager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("realtime shutdown: %w", err))
		}
		if err := s.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		s.cancel()

		done := make(chan struct{})
		go func() {
			s.conns.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
		if s.limiter != nil {
			s.limiter.Close()
		}
		s.shutdownErr = errors.Join(errs...)
		if s.shutdownErr != nil {
			s.log.Error("server shutdown incomplete", zap.Error(s.shutdownErr))
		} else {
			s.log.Info("server exited")
		}
	})
	return s.shutdownErr
}

func (s *Server) recover(c *gin.Context, rec any) {
	s.log.ErrorContext(c.Request.Context(), "panic recovered",
		zap.Any("panic", rec),
		zap.String("path", c.Request.URL.Path),
		zap.Stack("stack"),
	)
	fail(c, nil)
}

func healthPath(c *gin.Context) bool {
	switch c.Request.URL.Path {
	case "/healthz", "/readyz":
		return true
	}
	return false
}
