package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bearmemori/bearmemori"
)

func (s *Server) createReminder(c *gin.Context) {
	var r bearmemori.Reminder
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if !s.requireAllowed(c, r.OwnerUserID) {
		return
	}
	created, err := s.store.CreateReminder(c.Request.Context(), r, actor(c, r.OwnerUserID))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) listReminders(c *gin.Context) {
	var f bearmemori.ReminderFilter
	if v := c.Query("owner"); v != "" {
		owner, err := parseInt64(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid owner"})
			return
		}
		f.OwnerUserID = owner
	}
	f.IncludeFired = c.Query("include_fired") == "true"
	reminders, err := s.store.ListReminders(c.Request.Context(), f)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reminders": reminders})
}

func (s *Server) getReminder(c *gin.Context) {
	r, err := s.store.GetReminder(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

type updateReminderRequest struct {
	FireAt            *time.Time `json:"fire_at,omitempty"`
	Text              *string    `json:"text,omitempty"`
	RecurrenceMinutes *int64     `json:"recurrence_minutes,omitempty"`
}

func (s *Server) updateReminder(c *gin.Context) {
	var req updateReminderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	ctx := c.Request.Context()
	r, err := s.store.GetReminder(ctx, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !s.requireAllowed(c, r.OwnerUserID) {
		return
	}

	upd := bearmemori.ReminderUpdate{
		Text:              req.Text,
		RecurrenceMinutes: req.RecurrenceMinutes,
	}
	if req.FireAt != nil {
		fireAt := req.FireAt.UTC()
		upd.FireAt = &fireAt
	}
	updated, err := s.store.UpdateReminder(ctx, r.ID, upd, actor(c, r.OwnerUserID))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) deleteReminder(c *gin.Context) {
	ctx := c.Request.Context()
	r, err := s.store.GetReminder(ctx, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !s.requireAllowed(c, r.OwnerUserID) {
		return
	}
	if err := s.store.DeleteReminder(ctx, r.ID, actor(c, r.OwnerUserID)); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
