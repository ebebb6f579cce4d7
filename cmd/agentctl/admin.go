package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/smsrelay/internal/agent"
	logs "github.com/danmuck/smsrelay/internal/logging"
	"github.com/danmuck/smsrelay/internal/observability"
)

// admin is the agent's loopback status surface.
type admin struct {
	sess   *agent.Session
	router *gin.Engine
}

type statusResponse struct {
	State               string `json:"state"`
	Paired              bool   `json:"paired"`
	URL                 string `json:"url,omitempty"`
	Attempt             int    `json:"attempt"`
	ReconnectPending    bool   `json:"reconnectPending"`
	LastAuthenticatedAt string `json:"lastAuthenticatedAt,omitempty"`
	LastLivenessAt      string `json:"lastLivenessAt,omitempty"`
	QueuedSms           int    `json:"queuedSms"`
	QueuedCalls         int    `json:"queuedCalls"`
}

func newAdmin(sess *agent.Session) *admin {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware("agent"))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &admin{sess: sess, router: r}
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, statusFromSnapshot(a.sess.Snapshot()))
	})
	r.POST("/reconnect", func(c *gin.Context) {
		if err := a.sess.Connect(); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "connecting"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return a
}

func statusFromSnapshot(snap agent.Snapshot) statusResponse {
	out := statusResponse{
		State:            string(snap.State),
		Paired:           snap.Paired,
		URL:              snap.URL,
		Attempt:          snap.Attempt,
		ReconnectPending: snap.ReconnectPending,
		QueuedSms:        snap.QueuedSms,
		QueuedCalls:      snap.QueuedCalls,
	}
	if !snap.LastAuthenticatedAt.IsZero() {
		out.LastAuthenticatedAt = snap.LastAuthenticatedAt.UTC().Format(time.RFC3339)
	}
	if !snap.LastLivenessAt.IsZero() {
		out.LastLivenessAt = snap.LastLivenessAt.UTC().Format(time.RFC3339)
	}
	return out
}

func (a *admin) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logs.Infof("agentctl.admin addr=%q", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
