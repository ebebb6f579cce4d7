package hub

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/smsrelay/internal/auth"
	"github.com/danmuck/smsrelay/internal/history"
	logs "github.com/danmuck/smsrelay/internal/logging"
	"github.com/danmuck/smsrelay/internal/observability"
	"github.com/danmuck/smsrelay/internal/protocol"
	"github.com/danmuck/smsrelay/internal/transport"
)

const version = "0.1.0"

type ServerConfig struct {
	ListenAddr  string
	WSPath      string
	PublicURL   string
	DeviceName  string
	CORSOrigins []string
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr: ":8765",
		WSPath:     "/ws",
		DeviceName: "smsrelay hub",
	}
}

// Server exposes the hub over HTTP: the agent websocket endpoint plus the
// local API for pairing, history and commands.
type Server struct {
	hub      *Hub
	cfg      ServerConfig
	router   *gin.Engine
	upgrader *transport.Upgrader
	appeared time.Time
}

func NewServer(h *Hub, cfg ServerConfig) *Server {
	def := DefaultServerConfig()
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if strings.TrimSpace(cfg.WSPath) == "" {
		cfg.WSPath = def.WSPath
	}
	if strings.TrimSpace(cfg.DeviceName) == "" {
		cfg.DeviceName = def.DeviceName
	}
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(role))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		hub:      h,
		cfg:      cfg,
		router:   r,
		upgrader: transport.NewUpgrader(cfg.CORSOrigins, h.cfg.Session.WriteTimeout),
		appeared: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx ends. Failures to bind surface as the hub's server state.
func (s *Server) Run(ctx context.Context) error {
	sess := s.hub.cfg.Session
	if s.hub.Mode() == ModeListen {
		if err := sess.ValidateServerTransport(); err != nil {
			s.hub.SetServerState("error: " + err.Error())
			return err
		}
	}
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if s.hub.Mode() == ModeListen {
		s.hub.SetServerState(StateListening)
	}
	logs.Infof("hub.Server.Run addr=%q mode=%s", s.cfg.ListenAddr, s.hub.Mode())
	var err error
	if sess.TLS.Enabled {
		err = srv.ListenAndServeTLS(sess.TLS.CertFile, sess.TLS.KeyFile)
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	logs.Errf("hub.Server.Run addr=%q err=%v", s.cfg.ListenAddr, err)
	s.hub.SetServerState("error: " + err.Error())
	return err
}

// PairingPayload builds the QR payload for agents connecting through host.
func (s *Server) PairingPayload(host string, secure bool) auth.PairingPayload {
	return auth.NewPairingPayload(s.wsURL(host, secure), s.hub.Credential(), s.cfg.DeviceName)
}

func (s *Server) wsURL(host string, secure bool) string {
	if s.cfg.PublicURL != "" {
		return s.cfg.PublicURL
	}
	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	return scheme + "://" + host + s.cfg.WSPath
}

type replyRequest struct {
	Body string `json:"body"`
	Mode string `json:"mode"`
}

func (s *Server) registerRoutes() {
	r := s.router

	r.GET(s.cfg.WSPath, s.handleWS)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.appeared).String(),
			"component": "smsrelay-hub",
			"version":   version,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/ready", func(c *gin.Context) {
		st := s.hub.Status()
		ready := st.State == StateListening || st.State == StateBridging
		code := http.StatusOK
		if !ready {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"ready":     ready,
			"state":     st.State,
			"uptime":    time.Since(s.appeared).String(),
			"component": "smsrelay-hub",
			"version":   version,
		})
	})

	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Status())
	})

	r.GET("/pairing", func(c *gin.Context) {
		payload := s.PairingPayload(c.Request.Host, c.Request.TLS != nil)
		raw, err := payload.Encode()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"payload": payload,
			"qr":      string(raw),
			"code":    s.hub.PairingCode(),
		})
	})

	r.POST("/pairing/rotate", func(c *gin.Context) {
		cred, err := s.hub.RotateToken()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": cred.Code})
	})

	r.GET("/messages", func(c *gin.Context) {
		list, err := s.hub.Messages(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if list == nil {
			list = []history.Entry{}
		}
		c.JSON(http.StatusOK, gin.H{"messages": list})
	})

	r.DELETE("/messages/:id", func(c *gin.Context) {
		id := c.Param("id")
		if err := s.hub.DeleteMessage(c.Request.Context(), id); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": id})
	})

	r.DELETE("/messages", func(c *gin.Context) {
		if err := s.hub.ClearMessages(c.Request.Context()); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"cleared": true})
	})

	r.POST("/messages/:id/reply", func(c *gin.Context) {
		var req replyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
			return
		}
		clientMsgID, err := s.hub.ReplyTo(c.Request.Context(), c.Param("id"), req.Body, req.Mode)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"client_msg_id": clientMsgID, "status": "pending"})
	})

	r.POST("/calls/hangup", func(c *gin.Context) {
		if err := s.hub.SendHangup(c.Request.Context()); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
	})
}

func (s *Server) handleWS(c *gin.Context) {
	if s.hub.Mode() != ModeListen {
		c.JSON(http.StatusNotFound, gin.H{"error": "websocket endpoint disabled in bridge mode"})
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request)
	if err != nil {
		logs.Warnf("hub.Server.handleWS remote=%q err=%v", c.ClientIP(), err)
		return
	}
	if err := s.hub.ServeConn(c.Request.Context(), conn); err != nil {
		logs.Debugf("hub.Server.handleWS closed remote=%q err=%v", conn.RemoteAddr(), err)
	}
}

func respondError(c *gin.Context, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, history.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrNoDevice):
		status = http.StatusConflict
	case errors.Is(err, protocol.ErrInvalidCommand), errors.Is(err, ErrUnknownReplyMode):
		status = http.StatusBadRequest
	}
	msg := err.Error()
	if errors.Is(err, ErrNoDevice) {
		msg = "no connected device"
	}
	c.JSON(status, gin.H{"error": msg})
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
