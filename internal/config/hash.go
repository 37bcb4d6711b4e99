package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is the manifest name written next to the config file.
const ChecksumFile = ".checksums"

// ErrNoChecksums is returned by LoadChecksums when no manifest exists.
var ErrNoChecksums = errors.New("checksums file not found (run 'wecom-gw config lock')")

// LockReport captures checksum generation outcome for one config file.
type LockReport struct {
	ConfigPath   string
	ChecksumPath string
	Hash         string
	Written      bool
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}

	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}

	return nil
}

// Lock hashes the config file and writes the manifest next to it. With dryRun
// the hash is computed and reported but nothing is written.
func Lock(configPath string, dryRun bool) (*LockReport, error) {
	absPath, err := ResolvePath(configPath)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(absPath)

	hash, err := ComputeBlake3Hash(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", filepath.Base(absPath), err)
	}

	report := &LockReport{
		ConfigPath:   absPath,
		ChecksumPath: filepath.Join(dir, ChecksumFile),
		Hash:         hash,
	}
	if dryRun {
		return report, nil
	}

	// Keep hashes of sibling files already in the manifest.
	manifest, err := LoadChecksums(dir)
	if err != nil {
		if !errors.Is(err, ErrNoChecksums) {
			return nil, err
		}
		manifest = &ChecksumManifest{Version: 1, Hashes: make(map[string]string)}
	}
	manifest.GeneratedAt = time.Now().UTC().Format(time.RFC3339)
	manifest.Hashes[filepath.Base(absPath)] = hash

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}

	// Write with restrictive permissions (contains expected hashes)
	if err := os.WriteFile(report.ChecksumPath, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	report.Written = true

	return report, nil
}

// LoadChecksums reads the manifest from a config directory.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	checksumPath := filepath.Join(configDir, ChecksumFile)

	data, err := os.ReadFile(checksumPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoChecksums
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}

	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	if manifest.Hashes == nil {
		manifest.Hashes = make(map[string]string)
	}

	return &manifest, nil
}

// VerifyConfigHash checks absPath against the manifest in its directory. A
// directory without a manifest is not locked and passes.
func VerifyConfigHash(absPath string) error {
	dir := filepath.Dir(absPath)
	manifest, err := LoadChecksums(dir)
	if errors.Is(err, ErrNoChecksums) {
		return nil
	}
	if err != nil {
		return err
	}

	basename := filepath.Base(absPath)
	expectedHash, ok := manifest.Hashes[basename]
	if !ok {
		return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
			"Run: wecom-gw config lock --config %s", basename, dir, absPath)
	}

	if err := VerifyFileHash(absPath, expectedHash); err != nil {
		return fmt.Errorf("config verification failed for %s: %w\n"+
			"This indicates tampering or unauthorized modification.\n"+
			"If you edited this file intentionally, run: wecom-gw config lock --config %s", absPath, err, absPath)
	}
	return nil
}
