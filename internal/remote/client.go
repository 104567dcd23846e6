// Package remote implements the HTTP client for the scan server. All calls
// take a context, classify transport and server failures into domain error
// kinds, and pass through a rate limiter and circuit breaker so an
// unreachable server does not get hammered by pollers and sync batches.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/skavis/scansync/internal/domain"
	"github.com/skavis/scansync/internal/logger"
)

// ProbeResult is the outcome of an artifact readiness probe.
type ProbeResult int

const (
	// ProbeNotReady means the artifact is still being prepared (404/403).
	ProbeNotReady ProbeResult = iota
	// ProbeReady means the artifact exists and can be downloaded.
	ProbeReady
	// ProbeGone means the server reported the artifact will never become
	// ready (410). Callers should fail fast instead of waiting out the
	// retry ceiling.
	ProbeGone
)

// ScanStatusInfo is the server's view of one scan.
type ScanStatusInfo struct {
	RemoteID    int64   `json:"id"`
	Status      string  `json:"status"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Location    string  `json:"location"`
	Duration    int     `json:"duration"`
	AreaCovered float64 `json:"area_covered"`
	Height      float64 `json:"height"`
	DataSizeMB  float64 `json:"data_size_mb"`
	ImageCount  int     `json:"total_images"`
	UpdatedAt   string  `json:"updated_at"`
}

// API is the surface the services consume. The HTTP client implements it;
// tests use the mock in testutil.
type API interface {
	Healthz(ctx context.Context) error
	RegisterScan(ctx context.Context, rec *domain.ScanRecord) (int64, error)
	GetScanStatus(ctx context.Context, remoteID int64) (ScanStatusInfo, error)
	ListScans(ctx context.Context) ([]ScanStatusInfo, error)
	SubmitProcessingJob(ctx context.Context, remoteID int64) error
	UploadArtifact(ctx context.Context, remoteID int64, artifactPath string) error
	ReportStatus(ctx context.Context, remoteID int64, status domain.Status) error
	ProbeArtifact(ctx context.Context, artifactURL string) (ProbeResult, error)
	DownloadArtifact(ctx context.Context, artifactURL, destDir string, onProgress func(received, total int64)) (string, error)
}

// RateLimiter implements a token bucket rate limiter for API calls
type RateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewRateLimiter creates a rate limiter with specified RPS and burst size
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rps,
		lastRefill: time.Now(),
	}
}

// Wait blocks until a token is available or context is cancelled
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(r.lastRefill).Seconds()
		r.tokens += elapsed * r.refillRate
		if r.tokens > r.maxTokens {
			r.tokens = r.maxTokens
		}
		r.lastRefill = now

		if r.tokens >= 1 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}

		waitTime := time.Duration((1 - r.tokens) / r.refillRate * float64(time.Second))
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitTime):
			// Continue to next iteration
		}
	}
}

// TokenSource supplies the bearer token for server requests. The repository
// implements it (token stored encrypted in settings).
type TokenSource interface {
	GetServerToken() (string, error)
}

// Client is the HTTP implementation of API.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	tokens      TokenSource
	rateLimiter *RateLimiter
	breaker     *CircuitBreaker
}

var _ API = (*Client)(nil)

// NewClient creates a Client for the given server base URL.
func NewClient(baseURL string, tokens TokenSource) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		tokens:      tokens,
		rateLimiter: NewRateLimiter(5, 10),
		breaker:     NewCircuitBreaker(DefaultCircuitBreakerConfig()),
	}
}

// BreakerStats exposes circuit breaker statistics for the control API.
func (c *Client) BreakerStats() CircuitBreakerStats {
	return c.breaker.Stats()
}

// classifyStatusCode maps a server HTTP status onto a domain error kind.
// The table is part of the contract: the UI picks retry affordances by kind.
func classifyStatusCode(code int) *domain.ScanError {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return domain.NewScanError(domain.ErrPermission, "server rejected credentials (HTTP %d)", code)
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return domain.NewScanError(domain.ErrValidation, "server rejected scan data (HTTP %d)", code)
	case code == http.StatusNotFound:
		return domain.NewScanError(domain.ErrValidation, "scan not found on server (HTTP %d)", code)
	case code >= 500:
		return domain.NewScanError(domain.ErrServer, "scan server unavailable (HTTP %d)", code)
	default:
		return domain.NewScanError(domain.ErrServer, "unexpected server response (HTTP %d)", code)
	}
}

// do runs one request through the rate limiter and circuit breaker, returning
// the response on 2xx and a classified ScanError otherwise.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, domain.NewScanError(domain.ErrCancelled, "request cancelled: %v", err)
	}

	if !c.breaker.Allow() {
		return nil, domain.NewScanError(domain.ErrNetwork, "%v", ErrCircuitOpen)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, domain.NewScanError(domain.ErrValidation, "failed to build request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.tokens != nil {
		if token, err := c.tokens.GetServerToken(); err == nil && token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		if ctx.Err() != nil {
			return nil, domain.NewScanError(domain.ErrCancelled, "request cancelled")
		}
		return nil, domain.NewScanError(domain.ErrNetwork, "scan server unreachable: %v", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.breaker.RecordSuccess()
		return resp, nil
	}

	// 4xx responses mean the server is reachable; only 5xx count against
	// the breaker.
	if resp.StatusCode >= 500 {
		c.breaker.RecordFailure()
	} else {
		c.breaker.RecordSuccess()
	}

	defer resp.Body.Close()
	return nil, classifyStatusCode(resp.StatusCode)
}

// doJSON runs a request and decodes a JSON response body into out.
func (c *Client) doJSON(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	contentType := ""
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return domain.NewScanError(domain.ErrValidation, "failed to encode request: %v", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	resp, err := c.do(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.NewScanError(domain.ErrServer, "failed to decode server response: %v", err)
	}
	return nil
}

// Healthz checks server reachability. Used by the connectivity monitor.
func (c *Client) Healthz(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/api/healthz", nil, nil)
}

type registerRequest struct {
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Location    string           `json:"location"`
	Duration    int              `json:"duration"`
	AreaCovered float64          `json:"area_covered"`
	Height      float64          `json:"height"`
	DataSizeMB  float64          `json:"data_size_mb"`
	GPSPoints   []registerGPSReq `json:"gps_points,omitempty"`
}

type registerGPSReq struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
}

type registerResponse struct {
	ID int64 `json:"id"`
}

// RegisterScan creates the scan on the server and returns its remote id.
func (c *Client) RegisterScan(ctx context.Context, rec *domain.ScanRecord) (int64, error) {
	payload := registerRequest{
		Title:       rec.Title,
		Description: rec.Description,
		Location:    rec.Location,
		Duration:    rec.Duration,
		AreaCovered: rec.AreaCovered,
		Height:      rec.Height,
		DataSizeMB:  rec.DataSizeMB,
	}
	for _, p := range rec.GPSTrail {
		payload.GPSPoints = append(payload.GPSPoints, registerGPSReq{
			Latitude:  p.Latitude,
			Longitude: p.Longitude,
			Accuracy:  p.Accuracy,
		})
	}

	var resp registerResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/scans", payload, &resp); err != nil {
		return 0, err
	}
	if resp.ID == 0 {
		return 0, domain.NewScanError(domain.ErrServer, "server returned no scan id")
	}
	return resp.ID, nil
}

// GetScanStatus fetches the server's current view of one scan.
func (c *Client) GetScanStatus(ctx context.Context, remoteID int64) (ScanStatusInfo, error) {
	var info ScanStatusInfo
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/api/scans/%d", remoteID), nil, &info)
	return info, err
}

// ListScans fetches all scans visible to this device, for reconciliation.
func (c *Client) ListScans(ctx context.Context) ([]ScanStatusInfo, error) {
	var infos []ScanStatusInfo
	err := c.doJSON(ctx, http.MethodGet, "/api/scans", nil, &infos)
	return infos, err
}

// SubmitProcessingJob asks the server to start processing a registered scan.
func (c *Client) SubmitProcessingJob(ctx context.Context, remoteID int64) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/api/scans/%d/process", remoteID), nil, nil)
}

// UploadArtifact streams a locally-produced artifact to the server.
func (c *Client) UploadArtifact(ctx context.Context, remoteID int64, artifactPath string) error {
	file, err := os.Open(artifactPath)
	if err != nil {
		return domain.NewScanError(domain.ErrValidation, "artifact missing: %v", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("artifact", filepath.Base(artifactPath))
	if err != nil {
		return domain.NewScanError(domain.ErrServer, "failed to build upload: %v", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return domain.NewScanError(domain.ErrValidation, "failed to read artifact: %v", err)
	}
	if err := writer.Close(); err != nil {
		return domain.NewScanError(domain.ErrServer, "failed to finish upload: %v", err)
	}

	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/scans/%d/artifact", remoteID), &buf, writer.FormDataContentType())
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// ReportStatus informs the server of a client-side status correction.
func (c *Client) ReportStatus(ctx context.Context, remoteID int64, status domain.Status) error {
	payload := map[string]string{"status": string(status)}
	return c.doJSON(ctx, http.MethodPatch, fmt.Sprintf("/api/scans/%d/status", remoteID), payload, nil)
}

// ProbeArtifact issues a lightweight existence check against an artifact URL.
// 404 and 403 mean "still preparing"; 410 means the server gave up.
func (c *Client) ProbeArtifact(ctx context.Context, artifactURL string) (ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, artifactURL, nil)
	if err != nil {
		return ProbeNotReady, domain.NewScanError(domain.ErrValidation, "bad artifact URL: %v", err)
	}
	if c.tokens != nil {
		if token, tokErr := c.tokens.GetServerToken(); tokErr == nil && token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ProbeNotReady, domain.NewScanError(domain.ErrCancelled, "probe cancelled")
		}
		return ProbeNotReady, domain.NewScanError(domain.ErrNetwork, "probe failed: %v", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return ProbeReady, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
		return ProbeNotReady, nil
	case resp.StatusCode == http.StatusGone:
		return ProbeGone, nil
	case resp.StatusCode >= 500:
		return ProbeNotReady, domain.NewScanError(domain.ErrServer, "probe failed (HTTP %d)", resp.StatusCode)
	default:
		return ProbeNotReady, nil
	}
}

// DownloadArtifact streams the artifact into destDir and returns the final
// local path. The filename comes from the Content-Disposition header when
// present, else the URL path base.
func (c *Client) DownloadArtifact(ctx context.Context, artifactURL, destDir string, onProgress func(received, total int64)) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, artifactURL, nil)
	if err != nil {
		return "", domain.NewScanError(domain.ErrValidation, "bad artifact URL: %v", err)
	}
	if c.tokens != nil {
		if token, tokErr := c.tokens.GetServerToken(); tokErr == nil && token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", domain.NewScanError(domain.ErrCancelled, "download cancelled")
		}
		return "", domain.NewScanError(domain.ErrNetwork, "download failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", classifyStatusCode(resp.StatusCode)
	}

	filename := declaredFilename(resp, artifactURL)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", domain.NewScanError(domain.ErrValidation, "cannot create artifact directory: %v", err)
	}
	localPath := filepath.Join(destDir, filename)

	tmpPath := localPath + ".partial"
	out, err := os.Create(tmpPath)
	if err != nil {
		return "", domain.NewScanError(domain.ErrValidation, "cannot create artifact file: %v", err)
	}

	total := resp.ContentLength // -1 when unknown
	var received int64
	buf := make([]byte, 64*1024)
	for {
		if ctx.Err() != nil {
			out.Close()
			_ = os.Remove(tmpPath)
			return "", domain.NewScanError(domain.ErrCancelled, "download cancelled")
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				out.Close()
				_ = os.Remove(tmpPath)
				return "", domain.NewScanError(domain.ErrValidation, "failed to write artifact: %v", writeErr)
			}
			received += int64(n)
			if onProgress != nil {
				onProgress(received, total)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			_ = os.Remove(tmpPath)
			if ctx.Err() != nil {
				return "", domain.NewScanError(domain.ErrCancelled, "download cancelled")
			}
			return "", domain.NewScanError(domain.ErrNetwork, "download interrupted: %v", readErr)
		}
	}

	if err := out.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", domain.NewScanError(domain.ErrValidation, "failed to finish artifact: %v", err)
	}
	if err := os.Rename(tmpPath, localPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", domain.NewScanError(domain.ErrValidation, "failed to move artifact into place: %v", err)
	}

	logger.Debugf("Downloaded artifact %s (%d bytes)", localPath, received)
	return localPath, nil
}

// declaredFilename extracts the artifact's declared filename from the
// response, sanitized to a bare base name.
func declaredFilename(resp *http.Response, artifactURL string) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := params["filename"]; name != "" {
				return filepath.Base(name)
			}
		}
	}
	if u, err := url.Parse(artifactURL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "." && base != "/" {
			return base
		}
	}
	return "artifact.bin"
}
