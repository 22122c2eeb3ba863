// Package statusapi is the local HTTP surface behind the sync indicator: status,
// manual drain/retry, session checks and the match lifecycle calls of the UI.
package statusapi

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/park285/escoresheet-sync/internal/backup"
	"github.com/park285/escoresheet-sync/internal/domain"
	"github.com/park285/escoresheet-sync/internal/engine"
	"github.com/park285/escoresheet-sync/internal/session"
	"github.com/park285/escoresheet-sync/internal/store"
)

// Service is the engine surface the API exposes. *engine.Engine satisfies it.
type Service interface {
	Status(ctx context.Context) (engine.Status, error)
	Drain(ctx context.Context)
	RetryErrors(ctx context.Context) (int, error)
	SetOnline(ctx context.Context, on bool)
	CheckSession(ctx context.Context, id string) session.Status
	OpenMatch(ctx context.Context, id string) error
	GoHome(ctx context.Context)
	EndMatch(ctx context.Context, id string) error
	SetStatus(ctx context.Context, id string, status domain.MatchStatus) (*domain.Match, error)
	DeleteMatch(ctx context.Context, id string) error
	ListBackups(ctx context.Context, gameKey string) ([]backup.Entry, error)
	RestoreBackup(ctx context.Context, key string) (string, error)
}

type Server struct {
	app     *fiber.App
	svc     Service
	logger  *zap.Logger
	token   string
	timeout time.Duration
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithToken requires "Authorization: Bearer <token>" on everything except /healthz.
func WithToken(token string) Option {
	return func(s *Server) { s.token = strings.TrimSpace(token) }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func New(svc Service, opts ...Option) *Server {
	s := &Server{svc: svc, logger: zap.NewNop(), timeout: 15 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	s.routes()
	return s
}

// App exposes the fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen(addr string) error { return s.app.Listen(addr) }

func (s *Server) Shutdown(ctx context.Context) error { return s.app.ShutdownWithContext(ctx) }

func (s *Server) routes() {
	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"ok": true})
	})

	api := s.app.Group("/", s.requestLog(), s.auth())
	api.Get("/status", s.getStatus)
	api.Post("/sync/drain", s.postDrain)
	api.Post("/sync/retry", s.postRetry)
	api.Post("/sync/online", s.postOnline)

	api.Get("/matches/:id/session", s.getSession)
	api.Post("/matches/:id/open", s.postOpen)
	api.Post("/matches/:id/end", s.postEnd)
	api.Put("/matches/:id/status", s.putStatus)
	api.Delete("/matches/:id", s.deleteMatch)
	api.Post("/home", s.postHome)

	api.Get("/backups/:game", s.getBackups)
	api.Post("/backups/restore", s.postRestore)
}

func (s *Server) ctx(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), s.timeout)
}

func (s *Server) getStatus(c *fiber.Ctx) error {
	ctx, cancel := s.ctx(c)
	defer cancel()
	st, err := s.svc.Status(ctx)
	if err != nil {
		return err
	}
	return c.JSON(st)
}

func (s *Server) postDrain(c *fiber.Ctx) error {
	ctx, cancel := s.ctx(c)
	defer cancel()
	s.svc.Drain(ctx)
	st, err := s.svc.Status(ctx)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": st.Sync, "queue": st.Queue})
}

func (s *Server) postRetry(c *fiber.Ctx) error {
	ctx, cancel := s.ctx(c)
	defer cancel()
	n, err := s.svc.RetryErrors(ctx)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"requeued": n})
}

type onlineBody struct {
	Online *bool `json:"online"`
}

func (s *Server) postOnline(c *fiber.Ctx) error {
	var body onlineBody
	if err := c.BodyParser(&body); err != nil || body.Online == nil {
		return fiber.NewError(fiber.StatusBadRequest, "online is required")
	}
	ctx, cancel := s.ctx(c)
	defer cancel()
	s.svc.SetOnline(ctx, *body.Online)
	st, err := s.svc.Status(ctx)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": st.Sync, "queue": st.Queue})
}

func (s *Server) getSession(c *fiber.Ctx) error {
	ctx, cancel := s.ctx(c)
	defer cancel()
	return c.JSON(s.svc.CheckSession(ctx, c.Params("id")))
}

func (s *Server) postOpen(c *fiber.Ctx) error {
	ctx, cancel := s.ctx(c)
	defer cancel()
	if err := s.svc.OpenMatch(ctx, c.Params("id")); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"ok": true, "matchId": c.Params("id")})
}

func (s *Server) postHome(c *fiber.Ctx) error {
	ctx, cancel := s.ctx(c)
	defer cancel()
	s.svc.GoHome(ctx)
	return c.JSON(fiber.Map{"ok": true})
}

func (s *Server) postEnd(c *fiber.Ctx) error {
	ctx, cancel := s.ctx(c)
	defer cancel()
	if err := s.svc.EndMatch(ctx, c.Params("id")); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"ok": true})
}

type statusBody struct {
	Status domain.MatchStatus `json:"status"`
}

func (s *Server) putStatus(c *fiber.Ctx) error {
	var body statusBody
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	ctx, cancel := s.ctx(c)
	defer cancel()
	m, err := s.svc.SetStatus(ctx, c.Params("id"), body.Status)
	if err != nil {
		return err
	}
	return c.JSON(m)
}

func (s *Server) deleteMatch(c *fiber.Ctx) error {
	ctx, cancel := s.ctx(c)
	defer cancel()
	if err := s.svc.DeleteMatch(ctx, c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) getBackups(c *fiber.Ctx) error {
	ctx, cancel := s.ctx(c)
	defer cancel()
	entries, err := s.svc.ListBackups(ctx, c.Params("game"))
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []backup.Entry{}
	}
	return c.JSON(entries)
}

type restoreBody struct {
	Key string `json:"key"`
}

func (s *Server) postRestore(c *fiber.Ctx) error {
	var body restoreBody
	if err := c.BodyParser(&body); err != nil || strings.TrimSpace(body.Key) == "" {
		return fiber.NewError(fiber.StatusBadRequest, "key is required")
	}
	ctx, cancel := s.ctx(c)
	defer cancel()
	id, err := s.svc.RestoreBackup(ctx, body.Key)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"ok": true, "matchId": id})
}

func (s *Server) auth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if s.token == "" {
			return c.Next()
		}
		header := c.Get(fiber.HeaderAuthorization)
		token := strings.TrimPrefix(header, "Bearer ")
		if header == "" || token != s.token {
			return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
		}
		return c.Next()
	}
}

func (s *Server) requestLog() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		s.logger.Debug("status_api_request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Duration("took", time.Since(start)),
			zap.Error(err),
		)
		return err
	}
}

// statusFor maps domain errors onto HTTP codes.
func statusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, engine.ErrMatchNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, engine.ErrInvalidTransition),
		errors.Is(err, session.ErrHeldByOther),
		errors.Is(err, store.ErrAnotherMatchLive):
		return fiber.StatusConflict
	case errors.Is(err, backup.ErrInvalidDocument), errors.Is(err, store.ErrInvalidArgs):
		return fiber.StatusBadRequest
	case errors.Is(err, engine.ErrBackupsDisabled):
		return fiber.StatusNotImplemented
	default:
		return fiber.StatusInternalServerError
	}
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := statusFor(err)
	if code >= fiber.StatusInternalServerError && code != fiber.StatusNotImplemented {
		s.logger.Error("status_api_error", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
