package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tokmz/qim/internal/realtime"
	"github.com/tokmz/qim/pkg/errors"
	"github.com/tokmz/qim/pkg/ws"
)

// handleWS 握手在升级之前完成，认证失败的请求不会得到 WebSocket
func (s *Server) handleWS(c *gin.Context) {
	ip := c.ClientIP()
	if s.limiter != nil && !s.limiter.Allow(ip) {
		fail(c, errors.ErrRateLimited.WithMessage("too many handshakes"))
		return
	}
	token := bearerToken(c.Request)
	if token == "" {
		fail(c, errors.ErrAuthRequired)
		return
	}

	ctx := c.Request.Context()
	conn, err := s.manager.Handshake(ctx, token, realtime.Meta{
		RemoteAddr: ip,
		UserAgent:  c.Request.UserAgent(),
	})
	if err != nil {
		fail(c, err)
		return
	}

	// Upgrade 失败时已写出 HTTP 错误响应
	raw, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.manager.Disconnect(conn, "upgrade failed")
		s.log.DebugContext(ctx, "websocket upgrade failed", zap.String("remote_addr", ip), zap.Error(err))
		return
	}

	wc := ws.NewConn(raw, s.wsCfg, s.transportMetrics())
	if err := s.manager.Activate(ctx, conn, wc); err != nil {
		s.reject(raw, err)
		s.manager.Disconnect(conn, "activation failed")
		return
	}

	s.conns.Add(1)
	go func() {
		defer s.conns.Done()
		reason := "client closed"
		if err := wc.Serve(s.baseCtx, frameHandler{m: s.manager, conn: conn}); err != nil {
			reason = err.Error()
			s.log.Debug("connection read loop ended", zap.String("conn_id", conn.ID()), zap.Error(err))
		}
		s.manager.Disconnect(conn, reason)
	}()
}

// reject 以 close 帧拒绝已升级但无法激活的连接
func (s *Server) reject(raw *websocket.Conn, err error) {
	code := websocket.CloseInternalServerErr
	reason := "internal error"
	switch {
	case errors.Is(err, errors.ErrTooManyConnections):
		code, reason = websocket.CloseTryAgainLater, "too many connections"
	case errors.Is(err, errors.ErrShuttingDown):
		code, reason = websocket.CloseGoingAway, "server shutdown"
	}
	_ = raw.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(s.wsCfg.WriteWait))
	_ = raw.Close()
}

func (s *Server) transportMetrics() ws.Metrics {
	if s.recorder == nil {
		return nil
	}
	return s.recorder.Transport()
}

// bearerToken 依次读取 Authorization 头与 token 查询参数（浏览器无法设置握手头）
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// frameHandler 将传输层帧交给引擎
type frameHandler struct {
	m    *realtime.Manager
	conn *realtime.Connection
}

func (h frameHandler) HandleFrame(ctx context.Context, _ *ws.Conn, in *ws.Inbound) {
	h.m.Dispatch(ctx, h.conn, in.Event, in.RequestID, in.Data)
}

func (h frameHandler) HandleInvalid(_ context.Context, _ *ws.Conn, err error) {
	h.m.ReplyInvalid(h.conn, err)
}
