package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/bearmemori/bearmemori"
)

func (s *Server) auditTrail(c *gin.Context) {
	f := bearmemori.AuditFilter{
		EntityType: c.Query("entity_type"),
		EntityID:   c.Query("entity_id"),
	}
	if v := c.Query("action"); v != "" {
		action := bearmemori.AuditAction(v)
		f.Action = &action
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		f.Limit = limit
	}

	entries, err := s.store.AuditTrail(c.Request.Context(), f)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if entries == nil {
		entries = []bearmemori.AuditEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
