package api

import (
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bearmemori/bearmemori"
	"github.com/bearmemori/bearmemori/media"
)

type createMemoryRequest struct {
	OwnerUserID     int64                  `json:"owner_user_id"`
	SourceChatID    string                 `json:"source_chat_id,omitempty"`
	SourceMessageID string                 `json:"source_message_id,omitempty"`
	Content         string                 `json:"content,omitempty"`
	MediaType       string                 `json:"media_type,omitempty"`
	MediaFileID     string                 `json:"media_file_id,omitempty"`
	CreatedAt       *time.Time             `json:"created_at,omitempty"`
	Tags            []bearmemori.MemoryTag `json:"tags,omitempty"`
}

// createMemory inserts a capture. Text goes straight to confirmed;
// images start pending with an expiry clock so ignored ones get swept.
func (s *Server) createMemory(c *gin.Context) {
	var req createMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if !s.requireAllowed(c, req.OwnerUserID) {
		return
	}

	m := bearmemori.Memory{
		OwnerUserID:     req.OwnerUserID,
		SourceChatID:    req.SourceChatID,
		SourceMessageID: req.SourceMessageID,
		Content:         req.Content,
		MediaType:       req.MediaType,
		MediaFileID:     req.MediaFileID,
		Status:          bearmemori.MemoryConfirmed,
	}
	if req.CreatedAt != nil {
		m.CreatedAt = req.CreatedAt.UTC()
	} else {
		m.CreatedAt = bearmemori.Now()
	}
	if req.MediaType == "image" {
		expires := m.CreatedAt.Add(time.Duration(s.pendingTTL) * 24 * time.Hour)
		m.Status = bearmemori.MemoryPending
		m.PendingExpiresAt = &expires
	}

	created, err := s.store.CreateMemory(c.Request.Context(), m, req.Tags, actor(c, req.OwnerUserID))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

type memoryResponse struct {
	bearmemori.Memory
	Tags []bearmemori.MemoryTag `json:"tags,omitempty"`
}

func (s *Server) getMemory(c *gin.Context) {
	ctx := c.Request.Context()
	m, err := s.store.GetMemory(ctx, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	tags, err := s.store.ListMemoryTags(ctx, m.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, memoryResponse{Memory: m, Tags: tags})
}

type updateMemoryRequest struct {
	Content  *string                  `json:"content,omitempty"`
	Status   *bearmemori.MemoryStatus `json:"status,omitempty"`
	IsPinned *bool                    `json:"is_pinned,omitempty"`
}

func (s *Server) updateMemory(c *gin.Context) {
	var req updateMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	ctx := c.Request.Context()
	m, err := s.store.GetMemory(ctx, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !s.requireAllowed(c, m.OwnerUserID) {
		return
	}

	updated, err := s.store.UpdateMemory(ctx, m.ID, bearmemori.MemoryUpdate{
		Content:  req.Content,
		Status:   req.Status,
		IsPinned: req.IsPinned,
	}, actor(c, m.OwnerUserID))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) deleteMemory(c *gin.Context) {
	ctx := c.Request.Context()
	m, err := s.store.GetMemory(ctx, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !s.requireAllowed(c, m.OwnerUserID) {
		return
	}

	deleted, err := s.store.DeleteMemory(ctx, m.ID, actor(c, m.OwnerUserID))
	if err != nil {
		s.writeError(c, err)
		return
	}
	// Image bytes go after the commit, best effort.
	if deleted.MediaLocalPath != "" && s.media != nil {
		if err := s.media.Remove(deleted.MediaLocalPath); err != nil {
			s.logger.Warn("api: orphaned media file", "path", deleted.MediaLocalPath, "error", err)
		}
	}
	c.Status(http.StatusNoContent)
}

type putTagsRequest struct {
	Tags []bearmemori.MemoryTag `json:"tags"`
}

func (s *Server) putTags(c *gin.Context) {
	var req putTagsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	ctx := c.Request.Context()
	m, err := s.store.GetMemory(ctx, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !s.requireAllowed(c, m.OwnerUserID) {
		return
	}

	tags, err := s.store.PutTags(ctx, m.ID, req.Tags, actor(c, m.OwnerUserID))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tags": tags})
}

func (s *Server) deleteTag(c *gin.Context) {
	ctx := c.Request.Context()
	m, err := s.store.GetMemory(ctx, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !s.requireAllowed(c, m.OwnerUserID) {
		return
	}
	if err := s.store.DeleteTag(ctx, m.ID, c.Param("tag"), actor(c, m.OwnerUserID)); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// uploadImage accepts a multipart image and binds the stored path to
// the memory row.
func (s *Server) uploadImage(c *gin.Context) {
	if s.media == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "image storage is not configured"})
		return
	}
	ctx := c.Request.Context()
	m, err := s.store.GetMemory(ctx, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !s.requireAllowed(c, m.OwnerUserID) {
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field 'file' is required"})
		return
	}
	ext := filepath.Ext(file.Filename)
	if ext == "" {
		ext = "." + media.ExtForMime(file.Header.Get("Content-Type"))
	}
	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable upload: " + err.Error()})
		return
	}
	defer src.Close()

	path, err := s.media.Save(m.ID, ext, src)
	if err != nil {
		s.writeError(c, err)
		return
	}
	updated, err := s.store.AttachImage(ctx, m.ID, c.PostForm("file_id"), path, actor(c, m.OwnerUserID))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}
