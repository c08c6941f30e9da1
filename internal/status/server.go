// Package status serves the local status endpoint: liveness, readiness,
// Prometheus metrics and a summary of the page the client is showing.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/verichat/internal/health"
	"github.com/p-blackswan/verichat/internal/metrics"
	"github.com/p-blackswan/verichat/internal/requestid"
)

// ErrNoPage is returned by a SnapshotFunc when no page is mounted.
var ErrNoPage = errors.New("no page mounted")

// Snapshot summarises the mounted page. It never carries message content.
type Snapshot struct {
	Role         string    `json:"role"`
	SelfID       string    `json:"self_id"`
	Connection   string    `json:"connection"`
	Degraded     bool      `json:"degraded"`
	AuthRequired bool      `json:"auth_required"`
	Contacts     int       `json:"contacts"`
	SelectedID   string    `json:"selected_id,omitempty"`
	Messages     int       `json:"messages"`
	Pending      int       `json:"pending"`
	PeerTyping   bool      `json:"peer_typing"`
	Notices      int       `json:"notices"`
	LastSync     time.Time `json:"last_sync,omitzero"`
}

// SnapshotFunc reads the current page summary.
type SnapshotFunc func(ctx context.Context) (Snapshot, error)

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
	Uptime     string            `json:"uptime"`
}

// Server is the status Fiber application.
type Server struct {
	app       *fiber.App
	addr      string
	checker   *health.Checker
	snapshot  SnapshotFunc
	startTime time.Time
	logger    zerolog.Logger
}

// NewServer creates the status server. A nil metrics collector or snapshot
// func leaves the matching route answering 404.
func NewServer(addr string, checker *health.Checker, m *metrics.Metrics, snapshot SnapshotFunc, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "status_server").Logger()
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	s := &Server{
		app:       app,
		addr:      addr,
		checker:   checker,
		snapshot:  snapshot,
		startTime: time.Now(),
		logger:    logger,
	}
	s.setupMiddleware()
	s.setupRoutes(m)
	return s
}

func (s *Server) setupMiddleware() {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(func(c *fiber.Ctx) error {
		id := c.Get(requestid.Header)
		if id == "" {
			_, id = requestid.New(c.Context())
		}
		c.Set(requestid.Header, id)
		c.Locals("request_id", id)
		return c.Next()
	})
}

func (s *Server) setupRoutes(m *metrics.Metrics) {
	s.app.Get("/healthz", s.liveness)
	s.app.Get("/readyz", s.readiness)

	if m != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	}

	v1 := s.app.Group("/api/v1")
	v1.Get("/health", s.healthDetail)
	v1.Get("/state", s.state)
}

func (s *Server) liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "alive"})
}

func (s *Server) readiness(c *fiber.Ctx) error {
	if s.checker != nil && !s.checker.IsReady(c.UserContext()) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not ready"})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}

func (s *Server) healthDetail(c *fiber.Ctx) error {
	resp := healthResponse{
		Status: string(health.StatusOK),
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.checker != nil {
		results := s.checker.RunAll(c.UserContext())
		resp.Status = string(health.Overall(results))
		resp.Components = make(map[string]string, len(results))
		for name, st := range results {
			resp.Components[name] = string(st)
		}
	}
	return c.JSON(resp)
}

func (s *Server) state(c *fiber.Ctx) error {
	if s.snapshot == nil {
		return fiber.NewError(fiber.StatusNotFound, ErrNoPage.Error())
	}
	snap, err := s.snapshot(c.UserContext())
	if errors.Is(err, ErrNoPage) {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	if err != nil {
		return err
	}
	return c.JSON(snap)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.addr).Msg("status server starting")
	return s.app.Listen(s.addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("status server shutting down")
	return s.app.Shutdown()
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")

		detail := err.Error()
		if code == fiber.StatusInternalServerError {
			detail = "An internal error occurred"
		}

		return c.Status(code).JSON(ProblemDetail{
			Type:     problemType(code),
			Title:    utils.StatusMessage(code),
			Status:   code,
			Detail:   detail,
			Instance: c.Path(),
		})
	}
}

func problemType(code int) string {
	switch code {
	case fiber.StatusNotFound:
		return "not_found"
	case fiber.StatusServiceUnavailable:
		return "unavailable"
	default:
		return "internal_error"
	}
}
