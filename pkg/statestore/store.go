// Package statestore persists the supervisor's small recoverable-across-
// restarts state (last leased port, last refresh time, consecutive
// failures) as a single JSON file. There is no cross-process locking — the
// supervisor is assumed to be a singleton.
package statestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/vegardx/qbouncer/pkg/log"
)

const (
	dirMode  = 0o700
	fileMode = 0o600
)

// Document is the on-disk schema, version 1.
type Document struct {
	Version             int        `json:"version"`
	LastPort            *uint16    `json:"last_port"`
	LastRefresh         *time.Time `json:"last_refresh"`
	ConsecutiveFailures uint32     `json:"consecutive_failures"`
}

// Save atomically persists doc to path: the parent directory is created
// at mode 0700 if absent, the document is written to a temporary file in
// the same directory and then renamed over path, so a reader never
// observes a partially written file, and the final file's mode is 0600.
func Save(path string, doc Document) error {
	logger := log.WithComponent("statestore")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		logger.Warn().Err(err).Str("dir", dir).Msg("failed to create state directory")
		return err
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		logger.Warn().Err(err).Msg("failed to marshal state")
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		logger.Warn().Err(err).Str("dir", dir).Msg("failed to create temporary state file")
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		logger.Warn().Err(err).Msg("failed to write temporary state file")
		return err
	}
	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		logger.Warn().Err(err).Msg("failed to chmod temporary state file")
		return err
	}
	if err := tmp.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close temporary state file")
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("failed to rename state file into place")
		return err
	}

	return nil
}

// Load reads and parses the document at path. Both a missing file and an
// unreadable or malformed one are tolerated: a missing file is logged at
// debug level, an unreadable or malformed one as a warning, and in each
// case an empty Document with only Version set to 1 is returned.
func Load(path string) Document {
	logger := log.WithComponent("statestore")

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", path).Msg("failed to read state file")
		} else {
			logger.Debug().Str("path", path).Msg("no state file found, starting fresh")
		}
		return Document{Version: 1}
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("failed to parse state file, ignoring")
		return Document{Version: 1}
	}

	logger.Info().
		Interface("last_port", doc.LastPort).
		Interface("last_refresh", doc.LastRefresh).
		Msg("loaded persisted state")

	return doc
}
