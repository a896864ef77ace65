// Package ingest is the inbound webhook surface: one POST path per source,
// HMAC signature validation, classification at the boundary, and bounded
// enqueue into the pipeline with 429 backpressure.
package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/hookline/hookline/pkg/broker"
	"github.com/hookline/hookline/pkg/log"
	"github.com/hookline/hookline/pkg/metrics"
	"github.com/hookline/hookline/pkg/types"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
)

// Secrets holds the per-source shared webhook secrets. An empty secret
// disables signature validation for that source (dev mode).
type Secrets struct {
	SourceControl string
	Tracker       string
	Manual        string
}

// Server is the webhook HTTP server
type Server struct {
	echo    *echo.Echo
	broker  *broker.Broker
	secrets Secrets
	addr    string
	logger  zerolog.Logger
}

// NewServer creates the webhook server
func NewServer(addr string, b *broker.Broker, secrets Secrets) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())

	s := &Server{
		echo:    e,
		broker:  b,
		secrets: secrets,
		addr:    addr,
		logger:  log.WithComponent("ingest"),
	}

	e.POST("/webhooks/github", s.handleWebhook(types.SourceControl))
	e.POST("/webhooks/jira", s.handleWebhook(types.SourceTracker))
	e.POST("/webhooks/manual", s.handleWebhook(types.SourceManual))

	return s
}

// Start begins serving; blocks until shutdown
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.addr).Msg("Webhook server listening")
	err := s.echo.Start(s.addr)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleWebhook(source types.Source) echo.HandlerFunc {
	return func(c echo.Context) error {
		body, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
		if err != nil {
			metrics.EventsRejected.WithLabelValues(string(source), "read_error").Inc()
			return c.JSON(http.StatusBadRequest, errorBody("unreadable body"))
		}

		if !s.validSignature(source, c.Request(), body) {
			metrics.EventsRejected.WithLabelValues(string(source), "bad_signature").Inc()
			s.logger.Warn().Str("source", string(source)).Str("remote", c.RealIP()).Msg("Webhook signature validation failed")
			return c.JSON(http.StatusUnauthorized, errorBody("signature validation failed"))
		}

		deliveryID := c.Request().Header.Get("X-Delivery-ID")
		if deliveryID == "" {
			deliveryID = c.Request().Header.Get("X-GitHub-Delivery")
		}

		event, err := s.broker.Classify.Classify(source, deliveryID, body, time.Now())
		if err != nil {
			metrics.EventsRejected.WithLabelValues(string(source), "invalid_payload").Inc()
			return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		}

		if err := s.broker.Enqueue(event); err != nil {
			if errors.Is(err, broker.ErrBackpressure) {
				metrics.EventsRejected.WithLabelValues(string(source), "backpressure").Inc()
				return c.JSON(http.StatusTooManyRequests, errorBody("queue full, retry later"))
			}
			metrics.EventsRejected.WithLabelValues(string(source), "internal").Inc()
			return c.JSON(http.StatusInternalServerError, errorBody("transient internal error"))
		}

		metrics.EventsIngested.WithLabelValues(string(source), string(event.Kind)).Inc()
		return c.JSON(http.StatusAccepted, map[string]string{
			"event_id": event.ID,
			"kind":     string(event.Kind),
		})
	}
}

// validSignature checks the per-source authentication scheme:
// source-control uses X-Hub-Signature-256 HMAC; the tracker and manual
// sources use a shared-secret token header.
func (s *Server) validSignature(source types.Source, r *http.Request, body []byte) bool {
	secret := ""
	switch source {
	case types.SourceControl:
		secret = s.secrets.SourceControl
	case types.SourceTracker:
		secret = s.secrets.Tracker
	case types.SourceManual:
		secret = s.secrets.Manual
	}
	if secret == "" {
		return true
	}

	if source == types.SourceControl {
		sig := r.Header.Get("X-Hub-Signature-256")
		if len(sig) < len("sha256=")+1 {
			return false
		}
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
		return hmac.Equal([]byte(sig), []byte(expected))
	}

	token := r.Header.Get("X-Webhook-Token")
	return hmac.Equal([]byte(token), []byte(secret))
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
