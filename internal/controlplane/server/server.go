package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/betbot/poskeeper/internal/events"
	"github.com/betbot/poskeeper/internal/lifecycle"
	"github.com/betbot/poskeeper/internal/ports"
	"github.com/betbot/poskeeper/internal/reconciler"
)

var srvLog = logrus.WithField("component", "control_plane")

// Config 控制面配置
type Config struct {
	ListenAddr string
}

// Server 内省与手工操作的 HTTP 控制面。
// 只读路由直接暴露各组件的快照；写路由仅限按需对账与熔断恢复。
type Server struct {
	cfg     Config
	manager ports.PositionManager
	machine *lifecycle.Machine
	engine  *reconciler.Engine
	bus     *events.Bus

	hub  *wsHub
	http *http.Server
}

// New 创建控制面。
func New(cfg Config, manager ports.PositionManager, machine *lifecycle.Machine,
	engine *reconciler.Engine, bus *events.Bus) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	return &Server{
		cfg:     cfg,
		manager: manager,
		machine: machine,
		engine:  engine,
		bus:     bus,
		hub:     newWSHub(),
	}
}

// Router 组装 gin 路由。
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	api := r.Group("/api")
	api.GET("/positions", s.handlePositionsList)
	api.GET("/positions/:id", s.handlePositionGet)
	api.GET("/contexts", s.handleContextsList)
	api.GET("/discrepancies", s.handleDiscrepancies)
	api.GET("/runs", s.handleRuns)
	api.GET("/bus/stats", s.handleBusStats)
	api.POST("/reconcile", s.handleReconcileAll)
	api.POST("/reconcile/:symbol", s.handleReconcileSymbol)
	api.POST("/breaker/resume", s.handleBreakerResume)

	r.GET("/ws/events", s.handleEventStream)

	return r
}

// Start 启动 HTTP 服务与事件流转发。
func (s *Server) Start(ctx context.Context) error {
	if err := s.hub.attach(s.bus); err != nil {
		return err
	}

	s.http = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.Router(),
	}
	go func() {
		srvLog.Infof("✅ 控制面已启动: addr=%s", s.cfg.ListenAddr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvLog.Errorf("控制面异常退出: %v", err)
		}
	}()
	return nil
}

// Shutdown 优雅关闭。
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.closeAll()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handlePositionsList(c *gin.Context) {
	records, err := s.manager.GetPositions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": records})
}

func (s *Server) handlePositionGet(c *gin.Context) {
	id := c.Param("id")
	rec, err := s.manager.GetPosition(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	resp := gin.H{"position": rec}
	if snap, ok := s.machine.GetContext(id); ok {
		resp["lifecycle"] = snap.Snapshot()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleContextsList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"contexts": s.machine.Snapshots()})
}

func (s *Server) handleDiscrepancies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"discrepancies": s.engine.GetDiscrepancyHistory()})
}

func (s *Server) handleRuns(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runs": s.engine.GetRunHistory()})
}

func (s *Server) handleBusStats(c *gin.Context) {
	stats := s.bus.Stats()
	queues := make(map[string]int, 4)
	for p := events.PriorityCritical; p <= events.PriorityLow; p++ {
		queues[p.String()] = s.bus.QueueLen(p)
	}
	c.JSON(http.StatusOK, gin.H{
		"published":  stats.Published,
		"processed":  stats.Processed,
		"failed":     stats.Failed,
		"dropped":    stats.Dropped,
		"avgLatency": stats.AvgLatency.String(),
		"samples":    stats.Samples,
		"queues":     queues,
	})
}

func (s *Server) handleReconcileAll(c *gin.Context) {
	s.engine.RequestReconcile("")
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// handleReconcileSymbol 同步执行单交易对对账并返回结果，限流时 429。
func (s *Server) handleReconcileSymbol(c *gin.Context) {
	symbol := c.Param("symbol")
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	res, err := s.engine.ForceReconcile(ctx, symbol)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, reconciler.ErrForceReconcileThrottled) {
			status = http.StatusTooManyRequests
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleBreakerResume(c *gin.Context) {
	s.engine.Breaker().Resume()
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}
