package bot

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xaenox/onebot-agent/internal/metrics"
	"github.com/xaenox/onebot-agent/internal/onebot"
	"github.com/xaenox/onebot-agent/pkg/config"
	"go.uber.org/zap"
)

const signatureHeader = "X-Signature"

// EventHandler consumes decoded webhook events.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev onebot.Event)
}

// Server receives OneBot HTTP POST events. Each event is acknowledged at
// once and handled in its own goroutine.
type Server struct {
	cfg     config.ServerConfig
	handler EventHandler
	engine  *gin.Engine
	srv     *http.Server
	logger  *zap.Logger

	// base is cancelled on shutdown so in-flight events stop waiting.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(cfg config.ServerConfig, handler EventHandler, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		handler: handler,
		engine:  engine,
		logger:  logger,
		base:    base,
		cancel:  cancel,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.POST(s.cfg.WebhookPath, s.handleWebhook)
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.cfg.MetricsEnabled {
		s.engine.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on the configured address and serves in the background.
// It fails immediately if the address cannot be bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	s.srv = &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Webhook server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("Webhook server listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("path", s.cfg.WebhookPath))
	return nil
}

// Shutdown stops accepting requests, cancels in-flight events and waits for
// their goroutines or for ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.srv != nil {
		err = s.srv.Shutdown(ctx)
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}

func (s *Server) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	if s.cfg.Secret != "" && !validSignature(s.cfg.Secret, c.GetHeader(signatureHeader), body) {
		s.logger.Warn("Rejected webhook with bad signature", zap.String("remote", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	ev, err := onebot.ParseEvent(body)
	if err != nil {
		// Acknowledge anyway so the gateway does not retry an event we can never read.
		s.logger.Warn("Failed to parse event", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := s.base
		if s.cfg.EventTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.EventTimeout)
			defer cancel()
		}
		s.handler.HandleEvent(ctx, ev)
	}()

	c.JSON(http.StatusOK, gin.H{})
}

// validSignature checks a OneBot "sha1=<hex>" HMAC of the raw body.
func validSignature(secret, header string, body []byte) bool {
	sig, ok := strings.CutPrefix(header, "sha1=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
