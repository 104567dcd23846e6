package api

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/skavis/scansync/internal/auth"
	"github.com/skavis/scansync/internal/crypto"
	"github.com/skavis/scansync/internal/logger"
)

func (s *RESTServer) handleAuthSetup(c *gin.Context) {
	ctx := c.Request.Context()

	var exists bool
	if err := s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM settings WHERE key = 'password_hash')").Scan(&exists); err != nil {
		respondDatabaseError(c, err)
		return
	}

	if exists {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Setup already completed"})
		return
	}

	var req struct {
		Password string `json:"password"`
	}
	if err := c.BindJSON(&req); err != nil {
		respondBadRequest(c, err, true)
		return
	}

	if len(req.Password) < 8 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Password must be at least 8 characters"})
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		respondWithError(c, http.StatusInternalServerError, "Failed to hash password", err)
		return
	}

	apiKey, err := auth.GenerateAPIKey()
	if err != nil {
		respondWithError(c, http.StatusInternalServerError, "Failed to generate API key", err)
		return
	}

	// API key is stored encrypted at rest
	encryptedKey, err := crypto.Encrypt(apiKey)
	if err != nil {
		respondWithError(c, http.StatusInternalServerError, "Failed to encrypt API key", err)
		return
	}

	_, err = s.db.Exec("INSERT INTO settings (key, value) VALUES ('password_hash', ?), ('api_key', ?)", hash, encryptedKey)
	if err != nil {
		respondDatabaseError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Setup complete",
		"token":   apiKey,
	})
	logger.Infof("Auth setup completed")
}

func (s *RESTServer) handleLogin(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		Password string `json:"password"`
	}
	if err := c.BindJSON(&req); err != nil {
		respondBadRequest(c, err, true)
		return
	}

	var hash string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = 'password_hash'").Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Setup not completed"})
		return
	}
	if err != nil {
		respondDatabaseError(c, err)
		return
	}

	if !auth.CheckPasswordHash(req.Password, hash) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid password"})
		return
	}

	apiKey, err := s.loadAPIKey(c)
	if err != nil {
		return // loadAPIKey already responded
	}

	c.JSON(http.StatusOK, gin.H{"token": apiKey})
}

func (s *RESTServer) handleAuthStatus(c *gin.Context) {
	var exists bool
	if err := s.db.QueryRowContext(c.Request.Context(), "SELECT EXISTS(SELECT 1 FROM settings WHERE key = 'password_hash')").Scan(&exists); err != nil {
		respondDatabaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"setup_complete": exists})
}

// getAPIKey returns the decrypted API key to an authenticated caller.
func (s *RESTServer) getAPIKey(c *gin.Context) {
	apiKey, err := s.loadAPIKey(c)
	if err != nil {
		return
	}
	c.JSON(http.StatusOK, gin.H{"api_key": apiKey})
}

func (s *RESTServer) regenerateAPIKey(c *gin.Context) {
	apiKey, err := auth.GenerateAPIKey()
	if err != nil {
		respondWithError(c, http.StatusInternalServerError, "Failed to generate API key", err)
		return
	}

	encryptedKey, err := crypto.Encrypt(apiKey)
	if err != nil {
		respondWithError(c, http.StatusInternalServerError, "Failed to encrypt API key", err)
		return
	}

	if _, err := s.db.Exec("UPDATE settings SET value = ?, updated_at = CURRENT_TIMESTAMP WHERE key = 'api_key'", encryptedKey); err != nil {
		respondDatabaseError(c, err)
		return
	}

	logger.Infof("API key regenerated")
	c.JSON(http.StatusOK, gin.H{"api_key": apiKey})
}

func (s *RESTServer) changePassword(c *gin.Context) {
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := c.BindJSON(&req); err != nil {
		respondBadRequest(c, err, true)
		return
	}

	if len(req.NewPassword) < 8 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Password must be at least 8 characters"})
		return
	}

	var hash string
	if err := s.db.QueryRow("SELECT value FROM settings WHERE key = 'password_hash'").Scan(&hash); err != nil {
		respondDatabaseError(c, err)
		return
	}

	if !auth.CheckPasswordHash(req.CurrentPassword, hash) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Current password is incorrect"})
		return
	}

	newHash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		respondWithError(c, http.StatusInternalServerError, "Failed to hash password", err)
		return
	}

	if _, err := s.db.Exec("UPDATE settings SET value = ?, updated_at = CURRENT_TIMESTAMP WHERE key = 'password_hash'", newHash); err != nil {
		respondDatabaseError(c, err)
		return
	}

	logger.Infof("Password changed")
	c.JSON(http.StatusOK, gin.H{"message": "Password updated"})
}

// loadAPIKey reads and decrypts the stored API key, writing an error
// response on failure.
func (s *RESTServer) loadAPIKey(c *gin.Context) (string, error) {
	var encryptedKey string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = 'api_key'").Scan(&encryptedKey)
	if err != nil {
		respondWithError(c, http.StatusInternalServerError, ErrMsgAuthenticationError, err)
		return "", err
	}

	apiKey, err := crypto.Decrypt(encryptedKey)
	if err != nil {
		respondWithError(c, http.StatusInternalServerError, ErrMsgAuthenticationError, err)
		return "", err
	}
	return apiKey, nil
}
