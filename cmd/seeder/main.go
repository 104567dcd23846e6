package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

type seedScan struct {
	Source         string
	Status         string
	Title          string
	Location       string
	Duration       int
	AreaCovered    float64
	Height         float64
	DataSizeMB     float64
	ImageCount     int
	ProcessedModel string
	RawFolder      string
	RemoteID       int64
	ErrorKind      string
	ErrorMessage   string
	Age            time.Duration
	Lat, Lon       float64
	Events         []string
}

func main() {
	dbPath := flag.String("db", "./scansync.db", "path to the agent database")
	flag.Parse()

	db, err := sql.Open("sqlite3", *dbPath)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	fmt.Println("Seeding database...")

	scans := []seedScan{
		{
			Source: "local", Status: "uploaded",
			Title: "Warehouse north wing", Location: "Hamburg, DE",
			Duration: 412, AreaCovered: 820.5, Height: 6.2, DataSizeMB: 1480.2, ImageCount: 964,
			ProcessedModel: "/var/lib/scansync/models/warehouse-north/model.glb",
			RawFolder:      "/var/lib/scansync/raw/warehouse-north",
			RemoteID:       101, Age: 48 * time.Hour, Lat: 53.5511, Lon: 9.9937,
			Events: []string{"CaptureComplete", "ProcessingStarted", "ProcessingComplete", "UploadStarted", "UploadComplete"},
		},
		{
			Source: "remote", Status: "completed",
			Title: "Bridge pylon inspection", Location: "Rendsburg, DE",
			Duration: 688, AreaCovered: 210.0, Height: 42.7, DataSizeMB: 3105.8, ImageCount: 2210,
			ProcessedModel: "/var/lib/scansync/models/bridge-pylon/model.glb",
			RawFolder:      "/var/lib/scansync/raw/bridge-pylon",
			RemoteID:       102, Age: 30 * time.Hour, Lat: 54.3044, Lon: 9.6650,
			Events: []string{"CaptureComplete", "SyncStarted", "SyncCompleted", "ProcessingStarted", "ProcessingComplete", "DownloadStarted", "DownloadComplete"},
		},
		{
			Source: "local", Status: "failed",
			Title: "Substation interior", Location: "Kiel, DE",
			Duration: 154, AreaCovered: 95.3, Height: 3.1, DataSizeMB: 512.4, ImageCount: 388,
			RawFolder:    "/var/lib/scansync/raw/substation-interior",
			ErrorKind:    "server", ErrorMessage: "reconstruction exited with code 3",
			Age: 6 * time.Hour, Lat: 54.3233, Lon: 10.1228,
			Events: []string{"CaptureComplete", "ProcessingStarted", "ProcessingFailed"},
		},
		{
			Source: "remote", Status: "processing",
			Title: "Quarry survey east", Location: "Flensburg, DE",
			Duration: 1210, AreaCovered: 5400.0, Height: 18.0, DataSizeMB: 6210.9, ImageCount: 4102,
			RawFolder: "/var/lib/scansync/raw/quarry-east",
			RemoteID:  103, Age: 45 * time.Minute, Lat: 54.7937, Lon: 9.4469,
			Events: []string{"CaptureComplete", "SyncStarted", "SyncCompleted", "ProcessingStarted"},
		},
		{
			Source: "local", Status: "pending",
			Title: "Rooftop solar array", Location: "Lübeck, DE",
			Duration: 260, AreaCovered: 310.0, Height: 12.5, DataSizeMB: 890.1, ImageCount: 702,
			RawFolder: "/var/lib/scansync/raw/rooftop-solar",
			Age:       10 * time.Minute, Lat: 53.8655, Lon: 10.6866,
			Events: []string{"CaptureComplete"},
		},
	}

	for _, s := range scans {
		id := uuid.New().String()
		created := time.Now().Add(-s.Age)

		_, err := db.Exec(`INSERT INTO scans (
			id, remote_id, source, status, title, description, location,
			duration_seconds, area_covered, height, data_size_mb, image_count,
			processed_model_path, snapshot_path, raw_folder_path,
			last_error_kind, last_error_message, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, s.RemoteID, s.Source, s.Status, s.Title, "", s.Location,
			s.Duration, s.AreaCovered, s.Height, s.DataSizeMB, s.ImageCount,
			s.ProcessedModel, "", s.RawFolder,
			s.ErrorKind, s.ErrorMessage, created, created.Add(time.Duration(s.Duration)*time.Second))
		if err != nil {
			log.Printf("Failed to insert scan %q: %v", s.Title, err)
			continue
		}

		// A short GPS trail around the capture site.
		for i := 0; i < 5; i++ {
			_, err := db.Exec(
				"INSERT INTO gps_points (scan_id, latitude, longitude, accuracy, recorded_at) VALUES (?, ?, ?, ?, ?)",
				id, s.Lat+float64(i)*0.00004, s.Lon+float64(i)*0.00007, 4.5,
				created.Add(time.Duration(i)*30*time.Second))
			if err != nil {
				log.Printf("Failed to insert gps point: %v", err)
			}
		}

		// Replay the lifecycle into the journal so the events view has history.
		for i, et := range s.Events {
			data, _ := json.Marshal(map[string]interface{}{
				"scan_id": id,
				"title":   s.Title,
				"status":  s.Status,
			})
			_, err := db.Exec(
				"INSERT INTO events (aggregate_type, aggregate_id, event_type, event_data, event_version, created_at) VALUES (?, ?, ?, ?, 1, ?)",
				"scan", id, et, string(data),
				created.Add(time.Duration(i+1)*time.Minute))
			if err != nil {
				log.Printf("Failed to insert event: %v", err)
			}
		}
	}

	fmt.Println("Seeding complete.")
}
