package db

import "testing"

func TestSettings_GetUnset(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	value, ok, err := repo.GetSetting("does_not_exist")
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if ok {
		t.Error("Expected ok=false for unset key")
	}
	if value != "" {
		t.Errorf("Expected empty value, got '%s'", value)
	}
}

func TestSettings_SetAndGet(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	if err := repo.SetSetting("capture_dir", "/data/captures"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}

	value, ok, err := repo.GetSetting("capture_dir")
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected ok=true")
	}
	if value != "/data/captures" {
		t.Errorf("Expected '/data/captures', got '%s'", value)
	}
}

func TestSettings_Upsert(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	if err := repo.SetSetting("poll_interval", "30s"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	if err := repo.SetSetting("poll_interval", "60s"); err != nil {
		t.Fatalf("SetSetting upsert failed: %v", err)
	}

	value, _, err := repo.GetSetting("poll_interval")
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if value != "60s" {
		t.Errorf("Expected updated value '60s', got '%s'", value)
	}

	var count int
	if err := repo.DB.QueryRow("SELECT COUNT(*) FROM settings WHERE key = 'poll_interval'").Scan(&count); err != nil {
		t.Fatalf("Failed to count rows: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected single row after upsert, got %d", count)
	}
}

func TestSettings_AutoSyncDefault(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	enabled, err := repo.GetAutoSyncEnabled(true)
	if err != nil {
		t.Fatalf("GetAutoSyncEnabled failed: %v", err)
	}
	if !enabled {
		t.Error("Expected default true when unset")
	}

	enabled, err = repo.GetAutoSyncEnabled(false)
	if err != nil {
		t.Fatalf("GetAutoSyncEnabled failed: %v", err)
	}
	if enabled {
		t.Error("Expected default false when unset")
	}
}

func TestSettings_AutoSyncRoundTrip(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	if err := repo.SetAutoSyncEnabled(false); err != nil {
		t.Fatalf("SetAutoSyncEnabled failed: %v", err)
	}

	enabled, err := repo.GetAutoSyncEnabled(true)
	if err != nil {
		t.Fatalf("GetAutoSyncEnabled failed: %v", err)
	}
	if enabled {
		t.Error("Expected persisted false to override default true")
	}
}

func TestSettings_AutoSyncIgnoresGarbage(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	if err := repo.SetSetting("auto_sync_enabled", "not-a-bool"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}

	enabled, err := repo.GetAutoSyncEnabled(true)
	if err != nil {
		t.Fatalf("GetAutoSyncEnabled failed: %v", err)
	}
	if !enabled {
		t.Error("Expected default when stored value is unparseable")
	}
}

func TestSettings_ServerTokenRoundTrip(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	token, err := repo.GetServerToken()
	if err != nil {
		t.Fatalf("GetServerToken failed: %v", err)
	}
	if token != "" {
		t.Errorf("Expected empty token when unset, got '%s'", token)
	}

	if err := repo.SetServerToken("field-agent-token"); err != nil {
		t.Fatalf("SetServerToken failed: %v", err)
	}

	token, err = repo.GetServerToken()
	if err != nil {
		t.Fatalf("GetServerToken failed: %v", err)
	}
	if token != "field-agent-token" {
		t.Errorf("Expected 'field-agent-token', got '%s'", token)
	}
}
