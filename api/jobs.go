package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bearmemori/bearmemori"
)

type createJobRequest struct {
	JobType bearmemori.JobType `json:"job_type"`
	UserID  int64              `json:"user_id"`
	Payload json.RawMessage    `json:"payload"`
}

// createJob is the dispatcher entrypoint: persist the job row, then
// publish it to the stream for its type.
func (s *Server) createJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if !s.requireAllowed(c, req.UserID) {
		return
	}

	job, err := s.dispatcher.Dispatch(c.Request.Context(), req.JobType, req.UserID, req.Payload, actor(c, req.UserID))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (s *Server) getJob(c *gin.Context) {
	j, err := s.store.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

type updateJobRequest struct {
	Status       bearmemori.JobStatus `json:"status"`
	Result       json.RawMessage      `json:"result,omitempty"`
	ErrorKind    string               `json:"error_kind,omitempty"`
	ErrorMessage string               `json:"error_message,omitempty"`
}

// updateJob persists worker transitions. Illegal ones come back as 409
// from the store.
func (s *Server) updateJob(c *gin.Context) {
	var req updateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	act := c.GetHeader("X-Actor")
	if act != bearmemori.ActorSystem && act != bearmemori.ActorLLMWorker {
		act = bearmemori.ActorLLMWorker
	}

	var (
		j   bearmemori.LLMJob
		err error
	)
	switch req.Status {
	case bearmemori.JobProcessing:
		j, err = s.store.MarkJobProcessing(ctx, id, act)
	case bearmemori.JobCompleted:
		j, err = s.store.CompleteJob(ctx, id, req.Result, act)
	case bearmemori.JobFailed:
		j, err = s.store.FailJob(ctx, id, req.ErrorKind, req.ErrorMessage, act)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be processing, completed or failed"})
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}
