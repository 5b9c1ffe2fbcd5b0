package server

import (
	"github.com/gin-gonic/gin"

	"github.com/tokmz/qim/pkg/errors"
)

func (s *Server) healthz(c *gin.Context) {
	success(c, gin.H{"status": "ok"})
}

// readyz 排空期间返回 503，负载均衡据此摘除实例
func (s *Server) readyz(c *gin.Context) {
	if s.manager.Draining() {
		fail(c, errors.ErrShuttingDown)
		return
	}
	success(c, gin.H{"status": "ready"})
}

func (s *Server) stats(c *gin.Context) {
	data := gin.H{"realtime": s.manager.Stats()}
	if s.limiter != nil {
		data["handshake_buckets"] = s.limiter.Len()
	}
	success(c, data)
}

func (s *Server) metrics(c *gin.Context) {
	if s.recorder == nil {
		success(c, []any{})
		return
	}
	points, err := s.recorder.Snapshot(c.Request.Context())
	if err != nil {
		fail(c, errors.ErrInternal.WithError(err))
		return
	}
	success(c, points)
}
