package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bearmemori/bearmemori"
)

func (s *Server) createTask(c *gin.Context) {
	var t bearmemori.Task
	if err := c.ShouldBindJSON(&t); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if !s.requireAllowed(c, t.OwnerUserID) {
		return
	}
	created, err := s.store.CreateTask(c.Request.Context(), t, actor(c, t.OwnerUserID))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) listTasks(c *gin.Context) {
	var f bearmemori.TaskFilter
	if v := c.Query("owner"); v != "" {
		owner, err := parseInt64(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid owner"})
			return
		}
		f.OwnerUserID = owner
	}
	if v := c.Query("state"); v != "" {
		state := bearmemori.TaskState(v)
		if state != bearmemori.TaskNotDone && state != bearmemori.TaskDone {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state " + v})
			return
		}
		f.State = &state
	}
	tasks, err := s.store.ListTasks(c.Request.Context(), f)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) getTask(c *gin.Context) {
	t, err := s.store.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type updateTaskRequest struct {
	Description       *string               `json:"description,omitempty"`
	State             *bearmemori.TaskState `json:"state,omitempty"`
	DueAt             *time.Time            `json:"due_at,omitempty"`
	RecurrenceMinutes *int64                `json:"recurrence_minutes,omitempty"`
}

// updateTask applies the patch. A DONE transition on a recurring task
// spawns the next occurrence server-side and returns it alongside.
func (s *Server) updateTask(c *gin.Context) {
	var req updateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	ctx := c.Request.Context()
	t, err := s.store.GetTask(ctx, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !s.requireAllowed(c, t.OwnerUserID) {
		return
	}

	upd := bearmemori.TaskUpdate{
		Description:       req.Description,
		State:             req.State,
		RecurrenceMinutes: req.RecurrenceMinutes,
	}
	if req.DueAt != nil {
		due := req.DueAt.UTC()
		upd.DueAt = &due
	}
	updated, spawned, err := s.store.UpdateTask(ctx, t.ID, upd, actor(c, t.OwnerUserID))
	if err != nil {
		s.writeError(c, err)
		return
	}
	resp := gin.H{"task": updated}
	if spawned != nil {
		resp["spawned"] = spawned
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) deleteTask(c *gin.Context) {
	ctx := c.Request.Context()
	t, err := s.store.GetTask(ctx, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !s.requireAllowed(c, t.OwnerUserID) {
		return
	}
	if err := s.store.DeleteTask(ctx, t.ID, actor(c, t.OwnerUserID)); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
