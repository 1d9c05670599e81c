package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/txexec/internal/auth"
	"github.com/roach88/txexec/internal/builtin"
	"github.com/roach88/txexec/internal/engine"
	"github.com/roach88/txexec/internal/replay"
)

// CorrelationHeader echoes the correlation id on error responses.
const CorrelationHeader = "X-Correlation-Id"

// ErrorBody is the JSON written for outcomes that carry a protocol error.
type ErrorBody struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id"`
}

// Server adapts HTTP requests to engine.Container executions.
type Server struct {
	router    *gin.Engine
	container *engine.Container
	authn     auth.Authenticator
}

// New builds the router for m. Every route's handler must exist in reg.
func New(c *engine.Container, authn auth.Authenticator, m *Manifest, reg builtin.Registry) (*Server, error) {
	s := &Server{
		router:    gin.New(),
		container: c,
		authn:     authn,
	}
	s.router.Use(gin.Recovery())

	for _, r := range m.Routes {
		method, path, err := r.Split()
		if err != nil {
			return nil, err
		}
		req, err := r.Request()
		if err != nil {
			return nil, err
		}
		h, err := reg.Lookup(r.Handler)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", r.Route, err)
		}
		s.router.Handle(method, path, s.handle(req, h))
		slog.Debug("route registered", "method", method, "path", path, "handler", r.Handler,
			"auth", req.RequiredAuth.String(), "transaction", req.Transaction.String(), "capability", req.Capability.String())
	}

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handle(req engine.ExecutionRequest, h engine.Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		params := make(map[string]string, len(c.Params))
		for _, p := range c.Params {
			params[p.Key] = p.Value
		}

		out := s.container.Execute(ctx, engine.Call{
			Request:     req,
			Source:      replay.Source{Header: c.Request.Header, Body: c.Request.Body},
			Sink:        peerSink{ResponseWriter: c.Writer, ctx: ctx},
			Credentials: credentials(c),
			Params:      params,
		}, h, s.authn)

		if out.Status == engine.StatusAbandoned {
			c.Abort()
			return
		}
		if !out.Respond() {
			return
		}
		if c.Writer.Written() {
			slog.Warn("error after response started", "correlation_id", out.CorrelationID, "status", string(out.Status))
			return
		}
		if out.Status == engine.StatusUnauthorized {
			c.Header("WWW-Authenticate", "Bearer")
		}
		c.Header(CorrelationHeader, out.CorrelationID)
		c.JSON(out.Code, ErrorBody{Error: out.Message, CorrelationID: out.CorrelationID})
	}
}

// credentials reads a bearer token. The client address is the throttling subject.
func credentials(c *gin.Context) auth.Credentials {
	creds := auth.Credentials{Subject: c.ClientIP()}
	h := c.GetHeader("Authorization")
	if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
		creds.Token = strings.TrimSpace(token)
	}
	return creds
}

// peerSink reports write failures on a request whose context is done as
// replay.ErrPeerClosed, so a vanished client is not logged as a failure.
type peerSink struct {
	gin.ResponseWriter
	ctx context.Context
}

func (p peerSink) Write(b []byte) (int, error) {
	n, err := p.ResponseWriter.Write(b)
	if err != nil && p.ctx.Err() != nil && !replay.IsPeerClosed(err) {
		err = fmt.Errorf("%w: %w", replay.ErrPeerClosed, err)
	}
	return n, err
}

// ListenAndServe serves on addr until ctx is done, then drains in-flight
// requests for up to grace.
func (s *Server) ListenAndServe(ctx context.Context, addr string, grace time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	slog.Info("listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
