package apiserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ListWorkers returns every currently registered Worker.
func (s *Server) ListWorkers(c *gin.Context) {
	c.JSON(http.StatusOK, s.mgr.Registry.Snapshot())
}

// GetWorker returns one Worker by id, 404 if unknown.
func (s *Server) GetWorker(c *gin.Context) {
	id := c.Param("id")
	w, ok := s.mgr.Registry.SnapshotOne(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "worker not found"})
		return
	}
	c.JSON(http.StatusOK, w)
}

// EvictWorker administratively unregisters a Worker, triggering the same
// eviction cascade (failed jobs, ended streams) as a heartbeat timeout.
func (s *Server) EvictWorker(c *gin.Context) {
	id := c.Param("id")
	if !s.mgr.Registry.Unregister(id, "administrative_eviction") {
		c.JSON(http.StatusNotFound, gin.H{"error": "worker not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "evicted", "worker_id": id})
}
