package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/skavis/scansync/internal/config"
)

// handleHealth reports overall agent health: database reachability, the
// server link, and sync progress. Degraded still answers 200 so load
// balancers don't kill an agent that is merely offline.
func (s *RESTServer) handleHealth(c *gin.Context) {
	status := "healthy"

	dbOK := s.db.PingContext(c.Request.Context()) == nil
	if !dbOK {
		status = "unhealthy"
	}

	online, known := s.monitor.Current()
	if dbOK && known && !online {
		status = "degraded"
	}

	state := s.store.SyncStateSnapshot()

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":  status,
		"version": config.Version,
		"uptime":  formatUptime(time.Since(s.startTime)),
		"checks": gin.H{
			"database":      dbOK,
			"server_online": online,
			"server_known":  known,
		},
		"sync": gin.H{
			"is_syncing":        state.IsSyncing,
			"auto_sync_enabled": state.AutoSyncEnabled,
			"pending_count":     state.PendingCount,
			"initialized_count": state.InitializedCount,
		},
		"websocket_clients": s.hub.ClientCount(),
	})
}
