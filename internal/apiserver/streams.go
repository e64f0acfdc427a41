package apiserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ListStreams returns every currently active stream session.
func (s *Server) ListStreams(c *gin.Context) {
	c.JSON(http.StatusOK, s.mgr.StreamProxy.AllStats())
}

// GetStream returns one device's active session, 404 if none is open.
func (s *Server) GetStream(c *gin.Context) {
	deviceID := c.Param("deviceId")
	stats, ok := s.mgr.StreamProxy.Stats(deviceID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active stream for device"})
		return
	}
	c.JSON(http.StatusOK, stats)
}
