// Fleetgate - Multi-Tenant MQTT to WebSocket Bridge
// Copyright 2026 Fleetgate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetgate/fleetgate

// Package mapservice downloads field map bundles from the fleet
// management API and distills them into one field_map JSON per tenant
// for the viewer frontend.
package mapservice

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"gopkg.in/yaml.v3"

	"github.com/fleetgate/fleetgate/internal/logging"
	"github.com/fleetgate/fleetgate/internal/metrics"
)

// ErrNotGenerated is returned by FieldMap before any refresh has
// completed for the owner.
var ErrNotGenerated = errors.New("field map not generated")

// maxArchiveSize bounds a single downloaded map archive.
const maxArchiveSize = 64 << 20 // 64MB

// maxEntrySize bounds a single file inside an archive, guarding
// against zip bombs.
const maxEntrySize = 32 << 20 // 32MB

// Config holds the map service settings.
type Config struct {
	// APIBaseURL is the base URL of the field list API.
	APIBaseURL string

	// OutputDir receives extracted map images and field_map JSON files.
	OutputDir string

	// RequestTimeout bounds each HTTP request.
	RequestTimeout time.Duration
}

// Service fetches field lists and map archives, guarded by a circuit
// breaker so a broken upstream fails fast instead of piling up
// requests. Refreshes run one-at-a-time per owner.
type Service struct {
	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]

	mu       sync.Mutex
	inflight map[string]bool
}

// New creates the map service.
func New(cfg Config) *Service {
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "maps-api",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("component", "mapservice").
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})

	return &Service{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		breaker:  breaker,
		inflight: make(map[string]bool),
	}
}

// TriggerRefresh starts a background refresh for the owner. Returns
// false when one is already running; the running refresh is not
// restarted.
func (s *Service) TriggerRefresh(ownerID, apiToken string) bool {
	s.mu.Lock()
	if s.inflight[ownerID] {
		s.mu.Unlock()
		metrics.MapRefreshes.WithLabelValues("skipped").Inc()
		return false
	}
	s.inflight[ownerID] = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.inflight, ownerID)
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		if err := s.Refresh(ctx, ownerID, apiToken); err != nil {
			logging.Error().
				Str("component", "mapservice").
				Str("owner_id", ownerID).
				Err(err).
				Msg("Field map refresh failed")
			metrics.MapRefreshes.WithLabelValues("error").Inc()
			return
		}
		metrics.MapRefreshes.WithLabelValues("success").Inc()
	}()

	return true
}

// FieldMap returns the stored field-map JSON for the owner.
func (s *Service) FieldMap(ownerID string) ([]byte, error) {
	data, err := os.ReadFile(s.fieldMapPath(ownerID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotGenerated
	}
	if err != nil {
		return nil, fmt.Errorf("read field map: %w", err)
	}
	return data, nil
}

// field is one entry in the field list API response.
type field struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ArchiveURL string `json:"map_archive_url"`
}

type fieldListResponse struct {
	Fields []field `json:"fields"`
}

// mapMeta is the map.yaml inside a map archive: the image origin in
// world coordinates plus the meters-per-pixel resolution.
type mapMeta struct {
	Origin struct {
		Latitude  float64 `yaml:"latitude"`
		Longitude float64 `yaml:"longitude"`
	} `yaml:"origin"`
	Resolution float64 `yaml:"resolution"`
}

// locationList is the location.yaml inside a map archive: the named
// R-locations robots report against.
type locationList struct {
	Locations []struct {
		Name      string  `yaml:"name"`
		Latitude  float64 `yaml:"latitude"`
		Longitude float64 `yaml:"longitude"`
	} `yaml:"locations"`
}

// FieldEntry is one field in the generated field_map JSON.
type FieldEntry struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Image      string          `json:"image,omitempty"`
	Origin     Coordinate      `json:"origin"`
	Resolution float64         `json:"resolution,omitempty"`
	Locations  []NamedLocation `json:"locations"`
}

// Coordinate is a latitude/longitude pair.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// NamedLocation is a named R-location on a field.
type NamedLocation struct {
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// fieldMapDocument is the full generated JSON document.
type fieldMapDocument struct {
	OwnerID     string       `json:"owner_id"`
	GeneratedAt time.Time    `json:"generated_at"`
	Fields      []FieldEntry `json:"fields"`
}

// Refresh fetches the owner's field list and each field's map archive,
// extracts metadata and images, and atomically replaces the owner's
// field_map JSON. Fields whose archives fail are skipped so one broken
// bundle does not lose the rest.
func (s *Service) Refresh(ctx context.Context, ownerID, apiToken string) error {
	body, err := s.get(ctx, strings.TrimRight(s.cfg.APIBaseURL, "/")+"/fields", apiToken)
	if err != nil {
		return fmt.Errorf("fetch field list: %w", err)
	}

	var list fieldListResponse
	if err := json.Unmarshal(body, &list); err != nil {
		return fmt.Errorf("decode field list: %w", err)
	}

	ownerDir := filepath.Join(s.cfg.OutputDir, ownerID)
	if err := os.MkdirAll(ownerDir, 0o750); err != nil {
		return fmt.Errorf("create owner dir: %w", err)
	}

	entries := make([]FieldEntry, 0, len(list.Fields))
	for _, f := range list.Fields {
		entry, err := s.fetchField(ctx, ownerDir, f, apiToken)
		if err != nil {
			logging.Warn().
				Str("component", "mapservice").
				Str("owner_id", ownerID).
				Str("field_id", f.ID).
				Err(err).
				Msg("Skipping field, archive fetch failed")
			continue
		}
		entries = append(entries, entry)
	}

	doc := fieldMapDocument{
		OwnerID:     ownerID,
		GeneratedAt: time.Now().UTC(),
		Fields:      entries,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode field map: %w", err)
	}

	if err := s.writeAtomic(s.fieldMapPath(ownerID), data); err != nil {
		return err
	}

	logging.Info().
		Str("component", "mapservice").
		Str("owner_id", ownerID).
		Int("fields", len(entries)).
		Msg("Field map refreshed")
	return nil
}

// fetchField downloads and unpacks one field's map archive.
func (s *Service) fetchField(ctx context.Context, ownerDir string, f field, apiToken string) (FieldEntry, error) {
	if f.ArchiveURL == "" {
		return FieldEntry{}, errors.New("field has no archive URL")
	}

	archive, err := s.get(ctx, f.ArchiveURL, apiToken)
	if err != nil {
		return FieldEntry{}, err
	}
	if len(archive) > maxArchiveSize {
		return FieldEntry{}, fmt.Errorf("archive too large: %d bytes", len(archive))
	}

	reader, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return FieldEntry{}, fmt.Errorf("open archive: %w", err)
	}

	entry := FieldEntry{
		ID:        f.ID,
		Name:      f.Name,
		Locations: []NamedLocation{},
	}

	var haveMeta bool
	for _, zf := range reader.File {
		switch filepath.Base(zf.Name) {
		case "map.yaml":
			content, err := readZipEntry(zf)
			if err != nil {
				return FieldEntry{}, err
			}
			var meta mapMeta
			if err := yaml.Unmarshal(content, &meta); err != nil {
				return FieldEntry{}, fmt.Errorf("parse map.yaml: %w", err)
			}
			entry.Origin = Coordinate{Latitude: meta.Origin.Latitude, Longitude: meta.Origin.Longitude}
			entry.Resolution = meta.Resolution
			haveMeta = true

		case "location.yaml":
			content, err := readZipEntry(zf)
			if err != nil {
				return FieldEntry{}, err
			}
			var locs locationList
			if err := yaml.Unmarshal(content, &locs); err != nil {
				return FieldEntry{}, fmt.Errorf("parse location.yaml: %w", err)
			}
			for _, loc := range locs.Locations {
				entry.Locations = append(entry.Locations, NamedLocation(loc))
			}

		case "map.jpg":
			content, err := readZipEntry(zf)
			if err != nil {
				return FieldEntry{}, err
			}
			imageName := f.ID + ".jpg"
			if err := s.writeAtomic(filepath.Join(ownerDir, imageName), content); err != nil {
				return FieldEntry{}, err
			}
			entry.Image = imageName
		}
	}

	if !haveMeta {
		return FieldEntry{}, errors.New("archive has no map.yaml")
	}
	return entry, nil
}

// get performs a breaker-guarded GET with bearer auth.
func (s *Service) get(ctx context.Context, url, apiToken string) ([]byte, error) {
	return s.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+apiToken)

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
		}
		return io.ReadAll(io.LimitReader(resp.Body, maxArchiveSize+1))
	})
}

func readZipEntry(zf *zip.File) ([]byte, error) {
	rc, err := zf.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", zf.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxEntrySize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", zf.Name, err)
	}
	if len(data) > maxEntrySize {
		return nil, fmt.Errorf("entry %s too large", zf.Name)
	}
	return data, nil
}

// writeAtomic writes via a temp file and rename so readers never see a
// partial file.
func (s *Service) writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

func (s *Service) fieldMapPath(ownerID string) string {
	return filepath.Join(s.cfg.OutputDir, "field_map_"+ownerID+".json")
}
