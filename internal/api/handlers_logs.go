package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/skavis/scansync/internal/logger"
)

const logFileName = "scansync.log"

// maxRecentLogBytes bounds how much of the log file is read for the
// recent-lines endpoint.
const maxRecentLogBytes = 256 * 1024

// handleRecentLogs returns the last N lines of the active log file.
func (s *RESTServer) handleRecentLogs(c *gin.Context) {
	limit := 200
	if v, err := strconv.Atoi(c.DefaultQuery("limit", "200")); err == nil && v > 0 && v <= 2000 {
		limit = v
	}

	logDir := logger.GetLogDir()
	if logDir == "" {
		c.JSON(http.StatusOK, gin.H{"lines": []string{}})
		return
	}

	path := filepath.Join(logDir, logFileName)
	f, err := os.Open(path)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"lines": []string{}})
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		respondWithError(c, http.StatusInternalServerError, "Failed to read logs", err)
		return
	}

	// Read only the tail of large files
	offset := int64(0)
	readSize := info.Size()
	if readSize > maxRecentLogBytes {
		offset = readSize - maxRecentLogBytes
		readSize = maxRecentLogBytes
	}

	buf := make([]byte, readSize)
	if _, err := f.ReadAt(buf, offset); err != nil {
		respondWithError(c, http.StatusInternalServerError, "Failed to read logs", err)
		return
	}

	lines := strings.Split(strings.TrimRight(string(buf), "\n"), "\n")
	// Drop the first line when we started mid-file; it is likely partial
	if offset > 0 && len(lines) > 0 {
		lines = lines[1:]
	}
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}

	c.JSON(http.StatusOK, gin.H{"lines": lines})
}

// handleDownloadLogs streams the active log file as an attachment.
func (s *RESTServer) handleDownloadLogs(c *gin.Context) {
	logDir := logger.GetLogDir()
	if logDir == "" {
		respondNotFound(c, "Log file not found")
		return
	}

	path := filepath.Join(logDir, logFileName)
	if _, err := os.Stat(path); err != nil {
		respondNotFound(c, "Log file not found")
		return
	}

	c.FileAttachment(path, logFileName)
}
