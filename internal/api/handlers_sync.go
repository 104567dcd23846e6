package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/skavis/scansync/internal/services"
)

// triggerSync runs a full sync batch and reports the outcome.
func (s *RESTServer) triggerSync(c *gin.Context) {
	result, err := s.syncer.SyncAll(c.Request.Context())
	switch {
	case errors.Is(err, services.ErrSyncInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": "A sync is already in progress"})
		return
	case errors.Is(err, services.ErrOffline):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server is offline"})
		return
	case err != nil:
		respondWithError(c, http.StatusInternalServerError, "Sync failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   result.String(),
		"attempted": result.Attempted,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
	})
}

func (s *RESTServer) getSyncState(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.SyncStateSnapshot())
}

// setAutoSync toggles automatic syncing. Flipping the switch never starts a
// sync by itself; the next connectivity transition or manual trigger does.
func (s *RESTServer) setAutoSync(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.BindJSON(&req); err != nil || req.Enabled == nil {
		respondBadRequest(c, err, false)
		return
	}

	if err := s.syncer.SetAutoSync(*req.Enabled); err != nil {
		respondDatabaseError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"auto_sync_enabled": *req.Enabled})
}

// triggerReconcile kicks off an out-of-schedule reconcile pass.
func (s *RESTServer) triggerReconcile(c *gin.Context) {
	go s.reconciler.Reconcile(context.Background())
	c.JSON(http.StatusAccepted, gin.H{"message": "Reconcile started"})
}

// getConnectivity reports the monitor's view of the server link.
func (s *RESTServer) getConnectivity(c *gin.Context) {
	online, known := s.monitor.Current()
	c.JSON(http.StatusOK, gin.H{
		"online": online,
		"known":  known,
	})
}

// checkConnectivity forces an immediate probe instead of waiting for the
// next scheduled one.
func (s *RESTServer) checkConnectivity(c *gin.Context) {
	online := s.monitor.CheckNow(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"online": online})
}
