package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *RESTServer) listDownloads(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"downloads": s.downloader.Sessions()})
}

func (s *RESTServer) getDownload(c *gin.Context) {
	snap, ok := s.downloader.Session(c.Param("session_id"))
	if !ok {
		respondNotFound(c, ErrMsgDownloadNotFound)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// cancelDownload aborts an in-flight session. Cancelling an already-finished
// session is a no-op, so this always answers 200 for a known id.
func (s *RESTServer) cancelDownload(c *gin.Context) {
	sessionID := c.Param("session_id")
	if _, ok := s.downloader.Session(sessionID); !ok {
		respondNotFound(c, ErrMsgDownloadNotFound)
		return
	}
	s.downloader.Cancel(sessionID)

	snap, _ := s.downloader.Session(sessionID)
	c.JSON(http.StatusOK, snap)
}
