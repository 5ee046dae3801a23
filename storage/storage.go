// Package storage archives plan snapshots outside the database, to the
// local filesystem or to S3-compatible object storage.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/seolift/linkplan/models"
	"github.com/seolift/linkplan/textnorm"
)

// Config contains storage configuration
type Config struct {
	BasePath string // Base directory for all archived snapshots
}

// DefaultConfig returns default storage configuration
func DefaultConfig() Config {
	return Config{
		BasePath: "./storage",
	}
}

// Storage handles filesystem archive operations
type Storage struct {
	config Config
}

// New creates a new Storage instance
func New(config Config) (*Storage, error) {
	// Create base directory if it doesn't exist
	if err := os.MkdirAll(config.BasePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base storage directory: %w", err)
	}

	return &Storage{
		config: config,
	}, nil
}

// ArchiveSnapshot writes a snapshot to the filesystem as JSON.
// Returns the relative file path from the base storage directory.
func (s *Storage) ArchiveSnapshot(_ context.Context, snap *models.PlanSnapshot) (string, error) {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	// Generate directory structure: snapshots/YYYY/MM/
	now := time.Now()
	year := fmt.Sprintf("%04d", now.Year())
	month := fmt.Sprintf("%02d", int(now.Month()))

	dirPath := filepath.Join(s.config.BasePath, "snapshots", year, month)

	// Create directory if it doesn't exist
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	// Generate filename: scope-slug.json
	slug := snapshotSlug(snap)
	filename := slug + ".json"
	filePath := filepath.Join(dirPath, filename)

	// Check if file already exists and make unique if necessary
	counter := 1
	for fileExists(filePath) {
		filename = fmt.Sprintf("%s-%d.json", slug, counter)
		filePath = filepath.Join(dirPath, filename)
		counter++
	}

	// Write file
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write snapshot file: %w", err)
	}

	// Return relative path from base storage directory
	relPath, err := filepath.Rel(s.config.BasePath, filePath)
	if err != nil {
		return "", fmt.Errorf("failed to get relative path: %w", err)
	}

	return relPath, nil
}

// ReadSnapshot reads an archived snapshot from the filesystem
func (s *Storage) ReadSnapshot(_ context.Context, relPath string) (*models.PlanSnapshot, error) {
	fullPath := filepath.Join(s.config.BasePath, relPath)

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}

	var snap models.PlanSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// DeleteSnapshot deletes an archived snapshot from the filesystem
func (s *Storage) DeleteSnapshot(_ context.Context, relPath string) error {
	fullPath := filepath.Join(s.config.BasePath, relPath)

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete snapshot file: %w", err)
	}

	return nil
}

// snapshotSlug derives a filesystem-safe name from the snapshot's scope
// and short id.
func snapshotSlug(snap *models.PlanSnapshot) string {
	name := snap.Scope.ProjectID
	if snap.Scope.ClusterID != "" {
		name += " " + snap.Scope.ClusterID
	}
	id := snap.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return textnorm.Slug(name) + "-" + id
}

// fileExists checks if a file exists
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}
