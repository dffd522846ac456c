// Package api exposes the core over HTTP. Every mutation flows through
// the store's write discipline; the handlers only translate the wire.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/bearmemori/bearmemori"
	"github.com/bearmemori/bearmemori/media"
)

// Server holds the handler dependencies.
type Server struct {
	store      bearmemori.Store
	dispatcher *bearmemori.Dispatcher
	media      *media.Store
	pendingTTL int // days before an untouched pending memory expires
	logger     *slog.Logger
}

type Option func(*Server)

// WithMedia enables the image upload endpoint.
func WithMedia(m *media.Store) Option {
	return func(s *Server) { s.media = m }
}

// WithPendingTTLDays overrides the pending-memory expiry window.
func WithPendingTTLDays(days int) Option {
	return func(s *Server) {
		if days > 0 {
			s.pendingTTL = days
		}
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New wires a server over the store and dispatcher.
func New(store bearmemori.Store, dispatcher *bearmemori.Dispatcher, opts ...Option) *Server {
	s := &Server{
		store:      store,
		dispatcher: dispatcher,
		pendingTTL: 7,
		logger:     nopLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/users", s.upsertUser)
	r.GET("/settings/:user_id", s.getSettings)
	r.PUT("/settings/:user_id", s.putSettings)

	r.POST("/memories", s.createMemory)
	r.GET("/memories/:id", s.getMemory)
	r.PATCH("/memories/:id", s.updateMemory)
	r.DELETE("/memories/:id", s.deleteMemory)
	r.POST("/memories/:id/tags", s.putTags)
	r.DELETE("/memories/:id/tags/:tag", s.deleteTag)
	r.POST("/memories/:id/image", s.uploadImage)

	r.POST("/tasks", s.createTask)
	r.GET("/tasks", s.listTasks)
	r.GET("/tasks/:id", s.getTask)
	r.PATCH("/tasks/:id", s.updateTask)
	r.DELETE("/tasks/:id", s.deleteTask)

	r.POST("/reminders", s.createReminder)
	r.GET("/reminders", s.listReminders)
	r.GET("/reminders/:id", s.getReminder)
	r.PATCH("/reminders/:id", s.updateReminder)
	r.DELETE("/reminders/:id", s.deleteReminder)

	r.POST("/events", s.createEvent)
	r.GET("/events", s.listEvents)
	r.GET("/events/:id", s.getEvent)
	r.PATCH("/events/:id", s.updateEvent)
	r.DELETE("/events/:id", s.deleteEvent)

	r.GET("/search", s.search)

	r.POST("/llm_jobs", s.createJob)
	r.GET("/llm_jobs/:id", s.getJob)
	r.PATCH("/llm_jobs/:id", s.updateJob)

	r.GET("/audit", s.auditTrail)
	r.GET("/health", s.health)

	return r
}

func (s *Server) health(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// writeError maps typed errors onto status codes. Anything untyped is
// store infrastructure and logs at error.
func (s *Server) writeError(c *gin.Context, err error) {
	var ve *bearmemori.ValidationError
	var nf *bearmemori.NotFoundError
	var ce *bearmemori.ConflictError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Message})
	case errors.As(err, &nf):
		c.JSON(http.StatusNotFound, gin.H{"error": nf.Error()})
	case errors.As(err, &ce):
		c.JSON(http.StatusConflict, gin.H{"error": ce.Message})
	default:
		s.logger.Error("api: internal error", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// actor derives the audit actor for a mutation touching ownerID's data.
// Trusted callers (worker, housekeeping) name themselves in the X-Actor
// header; everything else is attributed to the owner.
func actor(c *gin.Context, ownerID int64) string {
	switch h := c.GetHeader("X-Actor"); h {
	case bearmemori.ActorSystem, bearmemori.ActorLLMWorker:
		return h
	}
	return bearmemori.ActorUser(ownerID)
}

// requireAllowed enforces the allow-list for mutations made on a user's
// behalf. Worker and system actors bypass it; they act on pipeline
// state, not user intent.
func (s *Server) requireAllowed(c *gin.Context, ownerID int64) bool {
	switch c.GetHeader("X-Actor") {
	case bearmemori.ActorSystem, bearmemori.ActorLLMWorker:
		return true
	}
	u, err := s.store.GetUser(c.Request.Context(), ownerID)
	if err != nil {
		s.writeError(c, err)
		return false
	}
	if !u.IsAllowed {
		c.JSON(http.StatusForbidden, gin.H{"error": "user is not allowed"})
		return false
	}
	return true
}

func parseInt64(v string) (int64, error) {
	return strconv.ParseInt(v, 10, 64)
}
