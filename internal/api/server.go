// Package api exposes a quantized network over HTTP.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/samcharles93/qnet/internal/logger"
	"github.com/samcharles93/qnet/internal/qnet"
	"github.com/samcharles93/qnet/internal/version"
	"github.com/samcharles93/qnet/pkg/quant"
)

const (
	defaultTopK      = 5
	maxBatchSize     = 64
	maxSpatial       = 4096
	maxInputElements = 1 << 26
)

type Server struct {
	// mu serializes forward passes; batch norm state is shared.
	mu      sync.Mutex
	net     *qnet.Network
	store   *ResultStore
	limiter *rate.Limiter
	clock   func() time.Time
}

type ServerOption func(*Server)

// WithRateLimit bounds classify requests to r per second with the given
// burst. A zero r disables limiting.
func WithRateLimit(r float64, burst int) ServerOption {
	return func(s *Server) {
		if r <= 0 {
			s.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
}

func WithResultStore(store *ResultStore) ServerOption {
	return func(s *Server) { s.store = store }
}

// NewServer serves net. The network is switched to evaluation mode.
func NewServer(net *qnet.Network, opts ...ServerOption) *Server {
	s := &Server{
		net:   net,
		store: NewResultStore(0),
		clock: time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if net != nil {
		net.SetTraining(false)
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/model", s.handleModel)
	e.POST("/v1/classify", s.handleClassify)
	e.GET("/v1/classify/:id", s.handleGetClassification)
	e.DELETE("/v1/classify/:id", s.handleDeleteClassification)
}

func (s *Server) handleHealth(c *echo.Context) error {
	status := "ok"
	if s.net == nil {
		status = "no_model"
	}
	return c.JSON(http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleModel(c *echo.Context) error {
	if s.net == nil {
		return writeError(c, http.StatusServiceUnavailable, "server_error", "model not loaded", "", "")
	}
	return c.JSON(http.StatusOK, ModelResponse{
		Object:     "model",
		Config:     s.net.Config,
		Parameters: s.net.NumParameters(),
		Layers:     s.net.Summary(),
		Version:    version.Resolve(),
	})
}

func (s *Server) handleClassify(c *echo.Context) error {
	if s.net == nil {
		return writeError(c, http.StatusServiceUnavailable, "server_error", "model not loaded", "", "")
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return writeError(c, http.StatusTooManyRequests, "rate_limit_error", "too many classify requests", "", "rate_limited")
	}
	req, err := decodeJSON[ClassifyRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err)
	}
	x, err := inputTensor(req, s.net.Config.InputChannels)
	if err != nil {
		return writeBadRequest(c, err)
	}
	if x.Shape.N > maxBatchSize {
		return writeBadRequest(c, newInvalidParam("shape", fmt.Sprintf("batch of %d exceeds the limit of %d", x.Shape.N, maxBatchSize)))
	}
	k := req.TopK
	if k <= 0 {
		k = defaultTopK
	}

	ctx := c.Request().Context()
	start := s.clock()
	s.mu.Lock()
	logits, err := s.net.Classify(ctx, x)
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, quant.ErrShape) || errors.Is(err, quant.ErrConfiguration) {
			return writeBadRequest(c, err)
		}
		logger.FromContext(ctx).Error("classify failed", "error", err)
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}

	resp := ClassifyResponse{
		ID:        newClassificationID(),
		Object:    "classification",
		CreatedAt: start.Unix(),
		Results:   make([]Prediction, 0, logits.R),
	}
	for i := 0; i < logits.R; i++ {
		resp.Results = append(resp.Results, rankRow(i, logits.Row(i), k, req.Logits))
	}
	s.store.Save(resp)
	logger.FromContext(ctx).Debug("classified batch", "id", resp.ID, "batch", x.Shape.N, "elapsed", s.clock().Sub(start))
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetClassification(c *echo.Context) error {
	id := c.Param("id")
	resp, ok := s.store.Get(id)
	if !ok {
		return writeNotFound(c, fmt.Sprintf("classification %q not found", id))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDeleteClassification(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, fmt.Sprintf("classification %q not found", id))
	}
	return c.JSON(http.StatusOK, map[string]any{"id": id, "object": "classification.deleted", "deleted": true})
}

// ContextLogger stores l in every request context so handlers log through it.
func ContextLogger(l logger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			req := c.Request()
			c.SetRequest(req.WithContext(logger.WithContext(req.Context(), l)))
			return next(c)
		}
	}
}
