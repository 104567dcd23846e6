// Package capture ingests raw scan folders produced by the capture hardware.
// A scan arrives as a directory of images plus an optional metadata.json and
// gps.csv; the watcher notices completed folders and announces them on the
// event bus.
package capture

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/skavis/scansync/internal/domain"
)

// Metadata mirrors the optional metadata.json dropped next to the images.
type Metadata struct {
	Title           string  `json:"title"`
	Description     string  `json:"description"`
	Location        string  `json:"location"`
	DurationSeconds int     `json:"duration_seconds"`
	AreaCovered     float64 `json:"area_covered_m2"`
	Height          float64 `json:"height_m"`
}

// Result describes one ingested raw scan folder.
type Result struct {
	RawFolder  string
	Snapshot   string
	DataSizeMB float64
	ImageCount int
	GPSTrail   []domain.GPSPoint
	Metadata   Metadata
}

// Capturer turns a raw folder into a Result. The folder implementation reads
// from disk; tests substitute their own.
type Capturer interface {
	Ingest(ctx context.Context, folder string) (Result, error)
}

// LocalProcessor reconstructs a 3D model from a raw scan folder on this
// device. Implementations are expected to honor ctx cancellation.
type LocalProcessor interface {
	Process(ctx context.Context, rawFolder, outputDir string) (modelPath string, err error)
}

// imageExtensions are the capture formats counted toward ImageCount.
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".heic": true,
	".tiff": true,
}

// FolderCapturer ingests scan folders from the local filesystem.
type FolderCapturer struct{}

var _ Capturer = (*FolderCapturer)(nil)

func NewFolderCapturer() *FolderCapturer {
	return &FolderCapturer{}
}

// Ingest inventories the folder: image count, total size, metadata and GPS
// trail. The folder itself is left untouched.
func (c *FolderCapturer) Ingest(ctx context.Context, folder string) (Result, error) {
	info, err := os.Stat(folder)
	if err != nil {
		return Result{}, domain.NewScanError(domain.ErrValidation, "scan folder unreadable: %v", err)
	}
	if !info.IsDir() {
		return Result{}, domain.NewScanError(domain.ErrValidation, "%s is not a directory", folder)
	}

	result := Result{RawFolder: folder}
	var totalBytes int64
	err = filepath.WalkDir(folder, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		totalBytes += fi.Size()
		ext := strings.ToLower(filepath.Ext(path))
		if imageExtensions[ext] {
			result.ImageCount++
			if result.Snapshot == "" {
				result.Snapshot = path
			}
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, domain.NewScanError(domain.ErrCancelled, "ingest cancelled")
		}
		return Result{}, fmt.Errorf("failed to walk scan folder: %w", err)
	}
	if result.ImageCount == 0 {
		return Result{}, domain.NewScanError(domain.ErrValidation, "scan folder %s contains no images", folder)
	}
	result.DataSizeMB = float64(totalBytes) / (1024 * 1024)

	if meta, err := readMetadata(filepath.Join(folder, "metadata.json")); err == nil {
		result.Metadata = meta
	}
	if trail, err := readGPSTrail(filepath.Join(folder, "gps.csv")); err == nil {
		result.GPSTrail = trail
	}
	return result, nil
}

func readMetadata(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("bad metadata.json: %w", err)
	}
	return meta, nil
}

// readGPSTrail parses gps.csv rows of lat,lon,accuracy,unix_ts. Malformed
// rows are skipped rather than failing the whole ingest.
func readGPSTrail(path string) ([]domain.GPSPoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("bad gps.csv: %w", err)
	}

	var trail []domain.GPSPoint
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		lat, err1 := strconv.ParseFloat(strings.TrimSpace(row[0]), 64)
		lon, err2 := strconv.ParseFloat(strings.TrimSpace(row[1]), 64)
		if err1 != nil || err2 != nil {
			continue
		}
		point := domain.GPSPoint{Latitude: lat, Longitude: lon}
		if len(row) > 2 {
			point.Accuracy, _ = strconv.ParseFloat(strings.TrimSpace(row[2]), 64)
		}
		if len(row) > 3 {
			if ts, err := strconv.ParseInt(strings.TrimSpace(row[3]), 10, 64); err == nil {
				point.Timestamp = time.Unix(ts, 0).UTC()
			}
		}
		trail = append(trail, point)
	}
	return trail, nil
}
