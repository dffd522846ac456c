package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bearmemori/bearmemori"
)

func (s *Server) createEvent(c *gin.Context) {
	var e bearmemori.Event
	if err := c.ShouldBindJSON(&e); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if !s.requireAllowed(c, e.OwnerUserID) {
		return
	}
	created, err := s.store.CreateEvent(c.Request.Context(), e, actor(c, e.OwnerUserID))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) listEvents(c *gin.Context) {
	var f bearmemori.EventFilter
	if v := c.Query("owner"); v != "" {
		owner, err := parseInt64(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid owner"})
			return
		}
		f.OwnerUserID = owner
	}
	if v := c.Query("status"); v != "" {
		status := bearmemori.EventStatus(v)
		f.Status = &status
	}
	events, err := s.store.ListEvents(c.Request.Context(), f)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) getEvent(c *gin.Context) {
	e, err := s.store.GetEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

type updateEventRequest struct {
	Status bearmemori.EventStatus `json:"status"`
}

// updateEvent resolves a pending event. Confirming creates the linked
// reminder at event_time in the same transaction; rejecting just closes
// it.
func (s *Server) updateEvent(c *gin.Context) {
	var req updateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	ctx := c.Request.Context()
	e, err := s.store.GetEvent(ctx, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !s.requireAllowed(c, e.OwnerUserID) {
		return
	}

	switch req.Status {
	case bearmemori.EventConfirmed:
		confirmed, reminder, err := s.store.ConfirmEvent(ctx, e.ID, actor(c, e.OwnerUserID))
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"event": confirmed, "reminder": reminder})
	case bearmemori.EventRejected:
		rejected, err := s.store.RejectEvent(ctx, e.ID, actor(c, e.OwnerUserID))
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"event": rejected})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be confirmed or rejected"})
	}
}

func (s *Server) deleteEvent(c *gin.Context) {
	ctx := c.Request.Context()
	e, err := s.store.GetEvent(ctx, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !s.requireAllowed(c, e.OwnerUserID) {
		return
	}
	if err := s.store.DeleteEvent(ctx, e.ID, actor(c, e.OwnerUserID)); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
