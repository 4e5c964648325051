package gateway

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/sessiongate/internal/auth"
	"github.com/danmuck/sessiongate/internal/bus"
	"github.com/danmuck/sessiongate/internal/lifecycle"
	"github.com/danmuck/sessiongate/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/websocket"
)

const version = "0.1.0"

type ServerConfig struct {
	Name        string
	CorsOrigins []string
	// APIToken guards the mutating routes when set.
	APIToken string
}

// Server is the HTTP surface of the gateway.
type Server struct {
	Name     string
	Appeared time.Time

	api    *API
	bus    *bus.Bus
	router *gin.Engine
	guard  gin.HandlerFunc
	ready  atomic.Bool
}

func NewServer(cfg ServerConfig, api *API, events *bus.Bus) *Server {
	observability.RegisterMetrics()
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "gatectl"
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(log.Logger, "/health", "/ready", "/metrics"))
	r.Use(observability.RequestMetrics(name))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  normalizeOrigins(cfg.CorsOrigins),
		AllowMethods:  []string{"GET", "POST", "DELETE"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", observability.HeaderRequestID},
		ExposeHeaders: []string{observability.HeaderRequestID},
		MaxAge:        12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	var guard gin.HandlerFunc
	if token := strings.TrimSpace(cfg.APIToken); token != "" {
		guard = auth.Require(auth.StaticToken{Token: token})
	} else {
		guard = auth.Require(nil)
	}

	s := &Server{
		Name:     name,
		Appeared: time.Now(),
		api:      api,
		bus:      events,
		router:   r,
		guard:    guard,
	}
	s.registerRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

// MarkReady flips /ready once bootstrap has finished.
func (s *Server) MarkReady() {
	s.ready.Store(true)
}

func (s *Server) registerRoutes() {
	s.router.GET("/", serveDashboard)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/ws", gin.WrapH(websocket.Handler(s.serveWS)))

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.Appeared).String(),
			"component": s.Name,
			"version":   version,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !s.ready.Load() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":     s.ready.Load(),
			"uptime":    time.Since(s.Appeared).String(),
			"component": s.Name,
			"version":   version,
			"observers": s.bus.Len(),
		})
	})

	s.router.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": s.api.Sessions(c.Request.Context())})
	})

	s.router.POST("/create-session", s.guard, s.handleCreateSession)
	s.router.POST("/send-message", s.guard, s.handleSendMessage)
	s.router.POST("/check-number", s.guard, s.handleCheckNumber)
	s.router.DELETE("/sessions/:id", s.guard, s.handleDeleteSession)
}

type createSessionRequest struct {
	ID          string `json:"id" form:"id" binding:"required"`
	Description string `json:"description" form:"description"`
}

type sendMessageRequest struct {
	Sender  string `json:"sender" form:"sender" binding:"required"`
	Number  string `json:"number" form:"number" binding:"required"`
	Message string `json:"message" form:"message" binding:"required"`
}

type checkNumberRequest struct {
	Sender string `json:"sender" form:"sender" binding:"required"`
	Number string `json:"number" form:"number" binding:"required"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := bind(c, &req); err != nil {
		writeError(c, err)
		return
	}
	observability.TagSession(c, req.ID)
	if err := s.api.CreateSession(req.ID, req.Description); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func (s *Server) handleSendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := bind(c, &req); err != nil {
		writeError(c, err)
		return
	}
	observability.TagSession(c, req.Sender)
	res, err := s.api.SendMessage(c.Request.Context(), req.Sender, req.Number, req.Message)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": true, "response": res})
}

func (s *Server) handleCheckNumber(c *gin.Context) {
	var req checkNumberRequest
	if err := bind(c, &req); err != nil {
		writeError(c, err)
		return
	}
	observability.TagSession(c, req.Sender)
	registered, err := s.api.CheckNumber(c.Request.Context(), req.Sender, req.Number)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": true, "registered": registered})
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if err := s.api.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": true})
}

// bind decodes JSON or form bodies. An empty body is validated as an empty
// request so callers still get per-field errors.
func bind(c *gin.Context, req any) error {
	err := c.ShouldBind(req)
	if errors.Is(err, io.EOF) {
		err = binding.Validator.ValidateStruct(req)
	}
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[strings.ToLower(fe.Field())] = fe.Tag()
		}
		return invalid(fields)
	}
	return invalid(map[string]string{"body": "malformed"})
}

func writeError(c *gin.Context, err error) {
	var verr *ValidationError
	var terr *TransportError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"status": false, "message": verr.Fields})
	case errors.Is(err, ErrUnknownSession):
		c.JSON(http.StatusNotFound, gin.H{"status": false, "message": "unknown session"})
	case errors.As(err, &terr):
		c.JSON(http.StatusInternalServerError, gin.H{"status": false, "response": terr.Err.Error()})
	case errors.Is(err, lifecycle.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": false, "message": "shutting down"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"status": false, "message": err.Error()})
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
