package iterator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"igclient/pkg/logger"
)

// CheckpointManager persists Frozen positions as JSON files in the platform
// data directory, one file per walk.
type CheckpointManager struct {
	path string
	log  logger.Logger
}

// DefaultCheckpointDir returns the platform checkpoint directory, creating
// it when absent.
func DefaultCheckpointDir() (string, error) {
	dataDir, err := dataDirectory()
	if err != nil {
		return "", fmt.Errorf("failed to get data directory: %w", err)
	}
	checkpointsDir := filepath.Join(dataDir, "checkpoints")
	if err := os.MkdirAll(checkpointsDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create checkpoints directory: %w", err)
	}
	return checkpointsDir, nil
}

// NewCheckpointManagerAt creates a manager over an explicit file path.
func NewCheckpointManagerAt(path string) *CheckpointManager {
	return &CheckpointManager{path: path, log: logger.GetLogger()}
}

// Path returns the checkpoint file location.
func (m *CheckpointManager) Path() string {
	return m.path
}

// Exists reports whether a checkpoint file is present.
func (m *CheckpointManager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Load reads the persisted checkpoint. A missing file yields (nil, nil).
func (m *CheckpointManager) Load() (*Frozen, error) {
	file, err := os.Open(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var frozen Frozen
	if err := json.NewDecoder(file).Decode(&frozen); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}

	m.log.InfoWithFields("checkpoint loaded", map[string]interface{}{
		"path":    m.path,
		"yielded": frozen.Total,
	})
	return &frozen, nil
}

// Save writes the checkpoint atomically: the data lands in a temporary file
// that replaces the previous checkpoint only after a successful sync.
func (m *CheckpointManager) Save(frozen *Frozen) error {
	tempPath := m.path + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temporary checkpoint file: %w", err)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(frozen); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync checkpoint file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close checkpoint file: %w", err)
	}
	if err := os.Rename(tempPath, m.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace checkpoint file: %w", err)
	}

	m.log.DebugWithFields("checkpoint saved", map[string]interface{}{
		"path":    m.path,
		"yielded": frozen.Total,
	})
	return nil
}

// Delete removes the checkpoint file. Deleting a missing checkpoint is not
// an error.
func (m *CheckpointManager) Delete() error {
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// dataDirectory returns the platform data directory for igclient.
func dataDirectory() (string, error) {
	var dataDir string

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dataDir = filepath.Join(home, "Library", "Application Support", "igclient")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		dataDir = filepath.Join(appData, "igclient")
	default:
		if xdgDataHome := os.Getenv("XDG_DATA_HOME"); xdgDataHome != "" {
			dataDir = filepath.Join(xdgDataHome, "igclient")
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			dataDir = filepath.Join(home, ".local", "share", "igclient")
		}
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dataDir, nil
}
