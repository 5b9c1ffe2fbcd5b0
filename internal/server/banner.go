package server

import (
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
)

const banner = `
  ____  _ __  __
 / __ \(_)  \/  |   qim realtime engine
| |  | |_| \  / |   websocket: %s
| |  | | | |\/| |   version: %s
| |__| | | |  | |
 \___\_\_|_|  |_|
`

// printBanner 打印启动信息与路由表
func (s *Server) printBanner(addr string) {
	out := s.out

	host := addr
	if strings.HasPrefix(host, ":") || strings.HasPrefix(host, "[::]") {
		host = "127.0.0.1" + host[strings.LastIndex(host, ":"):]
	}
	fPrint(out, banner, color.CyanString("ws://"+host+"/ws"), Version)
	fPrint(out, "\n")

	if routes := s.engine.Routes(); len(routes) > 0 {
		printRoutes(out, routes)
		fPrint(out, "\n")
	}

	mode := gin.Mode()
	if mode == gin.DebugMode {
		fPrint(out, "[qim] Running in %s mode. Switch to \"release\" mode in production.\n", color.YellowString(mode))
	} else {
		fPrint(out, "[qim] Running in %s mode.\n", color.GreenString(mode))
	}
	fPrint(out, "[qim] Go version: %s | OS: %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	fPrint(out, "[qim] Listening on %s\n", addr)
}

func methodColor(method string) *color.Color {
	switch method {
	case "GET":
		return color.New(color.FgBlue)
	case "POST":
		return color.New(color.FgGreen)
	case "PUT":
		return color.New(color.FgYellow)
	case "DELETE":
		return color.New(color.FgRed)
	default:
		return color.New(color.Reset)
	}
}

// printRoutes 按路径宽度对齐打印路由
func printRoutes(out io.Writer, routes gin.RoutesInfo) {
	width := 0
	for _, r := range routes {
		if len(r.Path) > width {
			width = len(r.Path)
		}
	}
	for _, r := range routes {
		fPrint(out, "[qim] %s %-*s --> %s\n",
			methodColor(r.Method).Sprintf("%-7s", r.Method),
			width, r.Path,
			r.Handler)
	}
}

// silenceGin 静默 gin 的默认输出，请求日志由 accessLog 负责
func silenceGin() {
	gin.DefaultWriter = io.Discard
	gin.DefaultErrorWriter = io.Discard
}

func fPrint(out io.Writer, format string, a ...any) {
	_, _ = fmt.Fprintf(out, format, a...)
}
