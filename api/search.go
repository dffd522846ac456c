package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bearmemori/bearmemori"
)

// search runs the FTS query. An empty or all-stop-word q returns an
// empty result set without touching the store.
func (s *Server) search(c *gin.Context) {
	q := bearmemori.SearchQuery{
		Match: bearmemori.BuildMatchQuery(c.Query("q")),
	}
	if v := c.Query("owner"); v != "" {
		owner, err := parseInt64(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid owner"})
			return
		}
		q.OwnerUserID = owner
	}
	q.PinnedOnly = c.Query("pinned") == "true"
	q.MediaType = c.Query("media_type")
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from timestamp"})
			return
		}
		from := t.UTC()
		q.From = &from
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to timestamp"})
			return
		}
		to := t.UTC()
		q.To = &to
	}

	results, err := s.store.SearchMemories(c.Request.Context(), q)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if results == nil {
		results = []bearmemori.SearchResult{}
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}
