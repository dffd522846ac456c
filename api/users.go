package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/text/language"

	"github.com/bearmemori/bearmemori"
)

type upsertUserRequest struct {
	UserID      int64  `json:"user_id"`
	DisplayName string `json:"display_name"`
	IsAllowed   *bool  `json:"is_allowed,omitempty"`
}

// upsertUser registers or refreshes a user. This endpoint is how the
// gateway grants access, so it carries no allow gate itself.
func (s *Server) upsertUser(c *gin.Context) {
	var req upsertUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.UserID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id must be positive"})
		return
	}

	ctx := c.Request.Context()
	u, err := s.store.UpsertUser(ctx, bearmemori.User{ID: req.UserID, DisplayName: req.DisplayName})
	if err != nil {
		s.writeError(c, err)
		return
	}
	if req.IsAllowed != nil && *req.IsAllowed != u.IsAllowed {
		u, err = s.store.SetUserAllowed(ctx, req.UserID, *req.IsAllowed, actor(c, req.UserID))
		if err != nil {
			s.writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, u)
}

func (s *Server) getSettings(c *gin.Context) {
	userID, err := parseInt64(c.Param("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}
	settings, err := s.store.GetSettings(c.Request.Context(), userID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

type putSettingsRequest struct {
	Timezone string `json:"timezone"`
	Language string `json:"language"`
}

func (s *Server) putSettings(c *gin.Context) {
	userID, err := parseInt64(c.Param("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}
	var req putSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if _, err := time.LoadLocation(req.Timezone); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown timezone " + req.Timezone})
		return
	}
	if _, err := language.Parse(req.Language); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid language tag " + req.Language})
		return
	}
	if !s.requireAllowed(c, userID) {
		return
	}

	settings, err := s.store.PutSettings(c.Request.Context(), bearmemori.UserSettings{
		UserID:   userID,
		Timezone: req.Timezone,
		Language: req.Language,
	}, actor(c, userID))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}
