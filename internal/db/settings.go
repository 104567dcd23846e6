package db

import (
	"database/sql"
	"fmt"
	"strconv"

	"github.com/skavis/scansync/internal/crypto"
)

// GetSetting returns the value for a settings key, or ("", false) if unset.
func (r *Repository) GetSetting(key string) (string, bool, error) {
	var value string
	err := r.DB.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, true, nil
}

// SetSetting upserts a settings key.
func (r *Repository) SetSetting(key, value string) error {
	_, err := ExecWithRetry(r.DB, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}

// GetAutoSyncEnabled returns the persisted auto-sync toggle, falling back to
// the given default when no value has been stored yet.
func (r *Repository) GetAutoSyncEnabled(defaultValue bool) (bool, error) {
	value, ok, err := r.GetSetting("auto_sync_enabled")
	if err != nil {
		return defaultValue, err
	}
	if !ok {
		return defaultValue, nil
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue, nil
	}
	return enabled, nil
}

// SetAutoSyncEnabled persists the auto-sync toggle.
func (r *Repository) SetAutoSyncEnabled(enabled bool) error {
	return r.SetSetting("auto_sync_enabled", strconv.FormatBool(enabled))
}

// GetServerToken returns the decrypted remote server API token, or "" if unset.
func (r *Repository) GetServerToken() (string, error) {
	value, ok, err := r.GetSetting("server_token")
	if err != nil || !ok {
		return "", err
	}
	if crypto.IsEncrypted(value) {
		return crypto.Decrypt(value)
	}
	return value, nil
}

// SetServerToken stores the remote server API token, encrypted when an
// encryption key is configured.
func (r *Repository) SetServerToken(token string) error {
	if crypto.EncryptionEnabled() {
		encrypted, err := crypto.Encrypt(token)
		if err != nil {
			return fmt.Errorf("failed to encrypt server token: %w", err)
		}
		token = encrypted
	}
	return r.SetSetting("server_token", token)
}
