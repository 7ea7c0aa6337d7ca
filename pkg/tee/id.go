package tee

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const (
	WorkerIdKey = "worker_id"
)

// LoadOrCreateWorkerID returns the sealed worker ID stored in the data
// directory, generating and saving a new one on first start.
func LoadOrCreateWorkerID(dataDir string, sealer Sealer) (string, error) {
	filePath := filepath.Join(dataDir, WorkerIdKey)

	sealed, err := os.ReadFile(filePath)
	if err == nil {
		raw, err := sealer.Unseal(string(sealed), WorkerIdKey)
		if err != nil {
			return "", fmt.Errorf("failed to unseal worker ID: %w", err)
		}
		return string(raw), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to read worker ID: %w", err)
	}

	workerID := uuid.New().String()
	s, err := sealer.Seal([]byte(workerID), WorkerIdKey)
	if err != nil {
		return "", fmt.Errorf("failed to seal worker ID: %w", err)
	}
	if err := os.WriteFile(filePath, []byte(s), 0600); err != nil {
		return "", fmt.Errorf("failed to save worker ID: %w", err)
	}
	return workerID, nil
}
