package api

import (
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/skavis/scansync/internal/config"
	"github.com/skavis/scansync/internal/logger"
)

// SystemInfo describes the agent's runtime environment
type SystemInfo struct {
	Version     string           `json:"version"`
	Environment string           `json:"environment"`
	OS          string           `json:"os"`
	Arch        string           `json:"arch"`
	GoVersion   string           `json:"go_version"`
	Uptime      string           `json:"uptime"`
	UptimeSecs  int64            `json:"uptime_seconds"`
	StartedAt   time.Time        `json:"started_at"`
	Config      SystemConfigInfo `json:"config"`
}

// SystemConfigInfo is the subset of configuration safe to expose
type SystemConfigInfo struct {
	Port                 string `json:"port"`
	LogLevel             string `json:"log_level"`
	ServerURL            string `json:"server_url"`
	ProcessingMode       string `json:"processing_mode"`
	PollInterval         string `json:"poll_interval"`
	ConnectivityInterval string `json:"connectivity_interval"`
	DataDir              string `json:"data_dir"`
	DatabasePath         string `json:"database_path"`
	ArtifactDir          string `json:"artifact_dir"`
	CaptureDir           string `json:"capture_dir"`
	LogDir               string `json:"log_dir"`
}

// formatUptime returns a human-readable uptime string
func formatUptime(uptime time.Duration) string {
	days := int(uptime.Hours()) / 24
	hours := int(uptime.Hours()) % 24
	minutes := int(uptime.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

// isDockerEnvironment reports whether the agent runs inside a container
func isDockerEnvironment() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return os.Getenv("SCANSYNC_DOCKER") == "true"
}

// handleSystemInfo returns runtime environment information
func (s *RESTServer) handleSystemInfo(c *gin.Context) {
	cfg := config.Get()
	uptime := time.Since(s.startTime)

	environment := "native"
	if isDockerEnvironment() {
		environment = "docker"
	}

	info := SystemInfo{
		Version:     config.Version,
		Environment: environment,
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		GoVersion:   runtime.Version(),
		Uptime:      formatUptime(uptime),
		UptimeSecs:  int64(uptime.Seconds()),
		StartedAt:   s.startTime,
		Config: SystemConfigInfo{
			Port:                 cfg.Port,
			LogLevel:             cfg.LogLevel,
			ServerURL:            cfg.ServerURL,
			ProcessingMode:       cfg.ProcessingMode,
			PollInterval:         cfg.PollInterval.String(),
			ConnectivityInterval: cfg.ConnectivityInterval.String(),
			DataDir:              cfg.DataDir,
			DatabasePath:         cfg.DatabasePath,
			ArtifactDir:          cfg.ArtifactDir,
			CaptureDir:           cfg.CaptureDir,
			LogDir:               cfg.LogDir,
		},
	}

	c.JSON(http.StatusOK, info)
}

// restartServer replies first, then re-executes the process so the client
// gets a response before the connection drops.
func (s *RESTServer) restartServer(c *gin.Context) {
	logger.Infof("Restart requested via API")
	c.JSON(http.StatusOK, gin.H{"message": "Restarting"})

	go func() {
		time.Sleep(500 * time.Millisecond)
		restartProcess()
	}()
}
