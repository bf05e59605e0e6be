package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WriteArtifact persists a payload body to the staging directory and
// returns its ref (absolute path) and sha256 digest. The artifact is kept
// for failure diagnostics until the sweeper evicts the owning entry.
func (s *Store) WriteArtifact(operationID string, payload []byte) (ref, digest string, err error) {
	hash := sha256.Sum256(payload)
	digest = hex.EncodeToString(hash[:])

	ref = filepath.Join(s.stagingDir, operationID+".json")
	if err := os.WriteFile(ref, payload, 0600); err != nil {
		return "", "", fmt.Errorf("failed to write payload artifact: %w", err)
	}

	return ref, digest, nil
}

// RemoveArtifact deletes a payload artifact. Missing artifacts are fine.
func (s *Store) RemoveArtifact(ref string) error {
	if ref == "" {
		return nil
	}
	if err := os.Remove(ref); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove payload artifact: %w", err)
	}
	return nil
}

// OrphanArtifacts returns staging files that no ledger entry references.
// These show up when a process dies between artifact write and ledger
// persist; the sweeper removes them on its next pass.
func (s *Store) OrphanArtifacts() ([]string, error) {
	files, err := os.ReadDir(s.stagingDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list staging directory: %w", err)
	}

	var orphans []string
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		operationID := strings.TrimSuffix(f.Name(), ".json")
		if _, err := s.Get(operationID); errors.Is(err, ErrNotFound) {
			orphans = append(orphans, filepath.Join(s.stagingDir, f.Name()))
		} else if err != nil {
			return nil, err
		}
	}
	return orphans, nil
}
