// Package api HTTP интерфейс телефона: действия, история, поток состояния
// через WebSocket и метрики Prometheus.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/webphone/pkg/dtmf"
	"github.com/arzzra/webphone/pkg/engine"
	"github.com/arzzra/webphone/pkg/history"
	"github.com/arzzra/webphone/pkg/logging"
	"github.com/arzzra/webphone/pkg/phone"
	"github.com/arzzra/webphone/pkg/presence"
)

// Phone действия и наблюдаемое состояние оркестратора
type Phone interface {
	Snapshot() phone.PhoneState
	Subscribe() (<-chan phone.PhoneState, func())
	History() []history.Entry
	ClearHistory(ctx context.Context) error

	Login(ctx context.Context, creds engine.Credentials, ice []engine.ICEServer) error
	Logout(ctx context.Context)
	Call(ctx context.Context, target string) error
	Answer(ctx context.Context) error
	Hangup(ctx context.Context) error
	Mute(ctx context.Context) error
	Hold(ctx context.Context) error
	SendDTMF(ctx context.Context, tone string) error
	Transfer(ctx context.Context, target string) error
	SetAgentStatus(ctx context.Context, status presence.Status) error
}

const headerRequestID = "X-Request-Id"

// Config параметры HTTP сервера
type Config struct {
	Addr   string
	Phone  Phone
	Logger logging.StructuredLogger

	// Gatherer источник /metrics. nil означает prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// PingInterval период ping кадров WebSocket
	PingInterval time.Duration
}

// Server HTTP сервер телефона
type Server struct {
	cfg      Config
	logger   logging.StructuredLogger
	engine   *gin.Engine
	http     *http.Server
	upgrader websocket.Upgrader
}

// New создает сервер и регистрирует маршруты
func New(cfg Config) (*Server, error) {
	if cfg.Phone == nil {
		return nil, errors.New("api: phone is required")
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}

	s := &Server{
		cfg:    cfg,
		logger: logging.OrNop(cfg.Logger).WithComponent("api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	s.routes(r)
	s.engine = r
	s.http = &http.Server{Addr: cfg.Addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	return s, nil
}

// Handler обработчик для встраивания и тестов
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe блокирует до Shutdown
func (s *Server) ListenAndServe() error {
	s.logger.Info(context.Background(), "http server listening", logging.String("addr", s.cfg.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))

	g := r.Group("/api")
	g.GET("/state", s.getState)
	g.GET("/history", s.getHistory)
	g.DELETE("/history", s.clearHistory)
	g.GET("/ws", s.stream)

	g.POST("/login", s.login)
	g.POST("/logout", s.logout)
	g.POST("/call", s.call)
	g.POST("/answer", s.simple(s.cfg.Phone.Answer))
	g.POST("/hangup", s.simple(s.cfg.Phone.Hangup))
	g.POST("/mute", s.simple(s.cfg.Phone.Mute))
	g.POST("/hold", s.simple(s.cfg.Phone.Hold))
	g.POST("/dtmf", s.sendDTMF)
	g.POST("/transfer", s.transfer)
	g.POST("/agent-status", s.agentStatus)
}

// requestLogger добавляет request id и пишет итог запроса
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		rid := c.GetHeader(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Writer.Header().Set(headerRequestID, rid)

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		fields := []logging.Field{
			logging.String("request_id", rid),
			logging.String("method", c.Request.Method),
			logging.String("path", path),
			logging.Int("status", c.Writer.Status()),
			logging.Duration("duration", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			s.logger.Warn(c.Request.Context(), "request", append(fields, logging.String("errors", c.Errors.String()))...)
			return
		}
		s.logger.Debug(c.Request.Context(), "request", fields...)
	}
}

// fail отвечает ошибкой с HTTP кодом по ее виду
func (s *Server) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidCredentials):
		return http.StatusBadRequest
	case errors.Is(err, phone.ErrNoActiveCall):
		return http.StatusNotFound
	case errors.Is(err, phone.ErrNotRegistered),
		errors.Is(err, phone.ErrCallInProgress),
		errors.Is(err, phone.ErrNotIncoming):
		return http.StatusConflict
	case phone.IsCategory(err, phone.ErrorCategoryConnectivity):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) getState(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Phone.Snapshot())
}

func (s *Server) getHistory(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Phone.History())
}

func (s *Server) clearHistory(c *gin.Context) {
	if err := s.cfg.Phone.ClearHistory(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type loginRequest struct {
	engine.Credentials
	ICEServers []engine.ICEServer `json:"iceServers"`
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := s.cfg.Phone.Login(c.Request.Context(), req.Credentials, req.ICEServers); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.cfg.Phone.Snapshot())
}

func (s *Server) logout(c *gin.Context) {
	s.cfg.Phone.Logout(c.Request.Context())
	c.JSON(http.StatusOK, s.cfg.Phone.Snapshot())
}

type targetRequest struct {
	Target string `json:"target" binding:"required"`
}

func (s *Server) call(c *gin.Context) {
	var req targetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "target is required"})
		return
	}
	if err := s.cfg.Phone.Call(c.Request.Context(), req.Target); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, s.cfg.Phone.Snapshot())
}

func (s *Server) transfer(c *gin.Context) {
	var req targetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "target is required"})
		return
	}
	if err := s.cfg.Phone.Transfer(c.Request.Context(), req.Target); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// simple действие без параметров
func (s *Server) simple(action func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := action(c.Request.Context()); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, s.cfg.Phone.Snapshot())
	}
}

func (s *Server) sendDTMF(c *gin.Context) {
	var req struct {
		Tone string `json:"tone" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "tone is required"})
		return
	}
	if _, err := dtmf.ParseTones(req.Tone); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.cfg.Phone.SendDTMF(c.Request.Context(), req.Tone); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) agentStatus(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "status is required"})
		return
	}
	status, err := presence.ParseStatus(req.Status)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.cfg.Phone.SetAgentStatus(c.Request.Context(), status); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.cfg.Phone.Snapshot())
}
