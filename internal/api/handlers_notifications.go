package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/skavis/scansync/internal/notifier"
)

func (s *RESTServer) getNotificationChannels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"channels": s.notifier.Channels()})
}

// updateNotificationChannels replaces the whole channel list. Validation
// happens in the notifier so the CLI and API share the same rules.
func (s *RESTServer) updateNotificationChannels(c *gin.Context) {
	var req struct {
		Channels []notifier.Channel `json:"channels"`
	}
	if err := c.BindJSON(&req); err != nil {
		respondBadRequest(c, err, true)
		return
	}

	if err := s.notifier.SaveChannels(req.Channels); err != nil {
		respondBadRequest(c, err, true)
		return
	}

	c.JSON(http.StatusOK, gin.H{"channels": s.notifier.Channels()})
}

// testNotification sends a test message to a shoutrrr URL without saving it.
func (s *RESTServer) testNotification(c *gin.Context) {
	var req struct {
		URL string `json:"url"`
	}
	if err := c.BindJSON(&req); err != nil || req.URL == "" {
		respondBadRequest(c, err, false)
		return
	}

	if err := s.notifier.Test(req.URL); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Test notification sent"})
}

func (s *RESTServer) getNotificationEvents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": notifier.NotifiableEvents()})
}
