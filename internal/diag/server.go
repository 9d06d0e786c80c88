package diag

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
)

// MetricsServer: 可选的指标/状态 HTTP 端点（/metrics、/status）。
type MetricsServer struct {
	srv *http.Server
	ln  net.Listener
	log *Logger
}

// StartMetricsServer 在 addr 上启动服务；status 为 /status 的 JSON 载荷来源（可为 nil）。
func StartMetricsServer(addr string, status func() interface{}, log *Logger) (*MetricsServer, error) {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/metrics", gin.WrapH(MetricsHandler()))
	engine.GET("/status", func(c *gin.Context) {
		if status == nil {
			c.JSON(http.StatusOK, gin.H{"corr_id": log.CorrID()})
			return
		}
		c.JSON(http.StatusOK, status())
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen metrics %s", addr)
	}
	s := &MetricsServer{srv: &http.Server{Handler: engine, ReadHeaderTimeout: 5 * time.Second}, ln: ln, log: log}
	go func() {
		log.Start("metrics", "serving http://"+ln.Addr().String()+"/metrics")
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics", string(Classify(err)), "metrics server stopped: "+err.Error(), nil)
		}
	}()
	return s, nil
}

// Addr 返回实际监听地址。
func (s *MetricsServer) Addr() string { return s.ln.Addr().String() }

// Shutdown 优雅关闭，最多等待 5s。
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
