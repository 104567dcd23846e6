package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/skavis/scansync/internal/config"
	"github.com/skavis/scansync/internal/domain"
	"github.com/skavis/scansync/internal/services"
)

// listScans returns the tracked scan records, newest first, with optional
// status/source filters.
func (s *RESTServer) listScans(c *gin.Context) {
	records := s.store.List()

	statusFilter := c.Query("status")
	sourceFilter := c.Query("source")
	needsSync := c.Query("needs_sync") == "true"

	filtered := records[:0:0]
	for _, rec := range records {
		if statusFilter != "" && string(rec.Status) != statusFilter {
			continue
		}
		if sourceFilter != "" && string(rec.Source) != sourceFilter {
			continue
		}
		if needsSync && !rec.NeedsSync() {
			continue
		}
		filtered = append(filtered, rec)
	}

	p := ParsePagination(c)
	total := len(filtered)

	start := p.Offset
	if start > total {
		start = total
	}
	end := start + p.Limit
	if end > total {
		end = total
	}

	c.JSON(http.StatusOK, gin.H{
		"scans":      filtered[start:end],
		"pagination": NewPaginationResponse(p, total),
	})
}

func (s *RESTServer) getScan(c *gin.Context) {
	rec, ok := s.store.Get(c.Param("scan_id"))
	if !ok {
		respondNotFound(c, ErrMsgScanNotFound)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// getScanEvents returns the journal history for one scan, newest first.
func (s *RESTServer) getScanEvents(c *gin.Context) {
	scanID := c.Param("scan_id")
	if _, ok := s.store.Get(scanID); !ok {
		respondNotFound(c, ErrMsgScanNotFound)
		return
	}

	rows, err := s.db.QueryContext(c.Request.Context(), `
		SELECT id, event_type, event_data, created_at
		FROM events
		WHERE aggregate_id = ?
		ORDER BY id DESC
		LIMIT 200
	`, scanID)
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	defer rows.Close()

	type eventRow struct {
		ID        int64                  `json:"id"`
		EventType string                 `json:"event_type"`
		EventData map[string]interface{} `json:"event_data"`
		CreatedAt string                 `json:"created_at"`
	}

	events := []eventRow{}
	for rows.Next() {
		var row eventRow
		var rawData sql.NullString
		if err := rows.Scan(&row.ID, &row.EventType, &rawData, &row.CreatedAt); err != nil {
			respondDatabaseError(c, err)
			return
		}
		if rawData.Valid {
			if err := json.Unmarshal([]byte(rawData.String), &row.EventData); err != nil {
				row.EventData = map[string]interface{}{"raw": rawData.String}
			}
		}
		events = append(events, row)
	}

	c.JSON(http.StatusOK, gin.H{"events": events})
}

// retryScan re-dispatches a failed scan through the processing pipeline.
func (s *RESTServer) retryScan(c *gin.Context) {
	scanID := c.Param("scan_id")
	if err := s.dispatcher.RetryProcessing(c.Request.Context(), scanID); err != nil {
		var scanErr *domain.ScanError
		if errors.As(err, &scanErr) && scanErr.Kind == domain.ErrValidation {
			c.JSON(http.StatusConflict, gin.H{"error": scanErr.UserMessage()})
			return
		}
		respondWithError(c, http.StatusInternalServerError, "Retry failed", err)
		return
	}

	rec, _ := s.store.Get(scanID)
	c.JSON(http.StatusOK, rec)
}

// syncScan pushes a single scan to the server right away.
func (s *RESTServer) syncScan(c *gin.Context) {
	scanID := c.Param("scan_id")
	if _, ok := s.store.Get(scanID); !ok {
		respondNotFound(c, ErrMsgScanNotFound)
		return
	}

	err := s.syncer.SyncOne(c.Request.Context(), scanID)
	switch {
	case errors.Is(err, services.ErrSyncInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": "A sync is already in progress"})
		return
	case errors.Is(err, services.ErrOffline):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server is offline"})
		return
	case err != nil:
		var scanErr *domain.ScanError
		if errors.As(err, &scanErr) {
			c.JSON(http.StatusBadGateway, gin.H{"error": scanErr.UserMessage()})
			return
		}
		respondWithError(c, http.StatusInternalServerError, "Sync failed", err)
		return
	}

	rec, _ := s.store.Get(scanID)
	c.JSON(http.StatusOK, rec)
}

// startDownload begins fetching the processed model for a scan. The artifact
// URL defaults to the server's model endpoint for registered scans.
func (s *RESTServer) startDownload(c *gin.Context) {
	scanID := c.Param("scan_id")
	rec, ok := s.store.Get(scanID)
	if !ok {
		respondNotFound(c, ErrMsgScanNotFound)
		return
	}

	var req struct {
		ArtifactURL string `json:"artifact_url"`
	}
	// Body is optional
	_ = c.ShouldBindJSON(&req)

	artifactURL := req.ArtifactURL
	if artifactURL == "" {
		if !rec.Registered() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Scan is not registered with the server yet"})
			return
		}
		cfg := config.Get()
		artifactURL = fmt.Sprintf("%s/api/scans/%d/model", cfg.ServerURL, rec.RemoteID)
	}

	// The session outlives this request, so it gets its own context;
	// cancellation goes through the downloader.
	destDir := filepath.Join(config.Get().ArtifactDir, scanID)
	sessionID, err := s.downloader.Start(context.Background(), scanID, artifactURL, destDir, func(snap services.DownloadSnapshot) {
		if snap.State != services.DownloadComplete {
			return
		}
		_ = s.store.Apply(scanID, func(r *domain.ScanRecord) {
			r.Artifacts.ProcessedModel = snap.Path
		})
	})
	if err != nil {
		respondBadRequest(c, err, true)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"session_id": sessionID})
}
