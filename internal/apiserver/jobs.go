package apiserver

import (
	"net/http"

	"github.com/artemis/device-manager/internal/manager"
	"github.com/gin-gonic/gin"
)

// ListJobs returns every job the Dispatcher still holds, optionally filtered
// by status or worker id via query params.
func (s *Server) ListJobs(c *gin.Context) {
	if status := c.Query("status"); status != "" {
		c.JSON(http.StatusOK, s.mgr.Dispatcher.ByStatus(manager.JobStatus(status)))
		return
	}
	if workerID := c.Query("workerId"); workerID != "" {
		c.JSON(http.StatusOK, s.mgr.Dispatcher.ByWorker(workerID))
		return
	}
	c.JSON(http.StatusOK, s.mgr.Dispatcher.All())
}

// GetJob returns one job by id, 404 if unknown.
func (s *Server) GetJob(c *gin.Context) {
	id := c.Param("id")
	j, ok := s.mgr.Dispatcher.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, j)
}

// CancelJob cancels a job, returning the boundary-behaviour outcome directly:
// false for a job that's already terminal.
func (s *Server) CancelJob(c *gin.Context) {
	id := c.Param("id")
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)

	if !s.mgr.Dispatcher.Cancel(id, body.Reason) {
		c.JSON(http.StatusConflict, gin.H{"error": "job not cancellable", "job_id": id})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled", "job_id": id})
}
