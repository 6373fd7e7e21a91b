// Package smgr manages the physical storage of relations: one main data
// file per relation plus free-space and visibility forks, laid out beneath
// base/<database>/<relation>.
package smgr

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// BlockSize is the fixed page size of every relation fork.
const BlockSize = 8192

var ErrRelationExists = errors.New("smgr: relation storage already exists")

// RelFileNode identifies a relation's physical storage.
type RelFileNode struct {
	Database uint64
	Relation uint64
}

// Fork names the per-relation files.
type Fork int

const (
	MainFork Fork = iota
	FreeSpaceFork
	VisibilityFork
)

var forkSuffix = map[Fork]string{
	MainFork:       "",
	FreeSpaceFork:  "_fsm",
	VisibilityFork: "_vm",
}

// Persistence classifies a relation's durability.
type Persistence uint8

const (
	Permanent Persistence = iota
	Unlogged
	Temporary
)

// Manager performs physical file operations under a data directory. It has
// no transactional awareness; the lifecycle package decides when each
// operation is safe.
type Manager struct {
	baseDir string
	logger  *zap.Logger
}

func NewManager(dataDir string, logger *zap.Logger) *Manager {
	return &Manager{baseDir: filepath.Join(dataDir, "base"), logger: logger}
}

// Path returns the file path of one fork of a relation.
func (m *Manager) Path(node RelFileNode, fork Fork) string {
	return filepath.Join(m.baseDir, fmt.Sprintf("%d", node.Database),
		fmt.Sprintf("%d%s", node.Relation, forkSuffix[fork]))
}

// DatabaseDir returns the directory holding a database's relations.
func (m *Manager) DatabaseDir(database uint64) string {
	return filepath.Join(m.baseDir, fmt.Sprintf("%d", database))
}

// Create creates the main fork, empty. The file appears immediately; crash
// safety comes from the caller's WAL record and delete-on-abort intent.
func (m *Manager) Create(node RelFileNode) error {
	path := m.Path(node, MainFork)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create database directory for %+v: %w", node, err)
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrRelationExists, path)
		}
		return fmt.Errorf("failed to create relation file %s: %w", path, err)
	}
	return file.Close()
}

// RecreateIfMissing makes Create idempotent for WAL replay.
func (m *Manager) RecreateIfMissing(node RelFileNode) error {
	err := m.Create(node)
	if errors.Is(err, ErrRelationExists) {
		return nil
	}
	return err
}

// Exists reports whether the main fork exists.
func (m *Manager) Exists(node RelFileNode) bool {
	_, err := os.Stat(m.Path(node, MainFork))
	return err == nil
}

// Unlink removes every fork of the relation. A missing main fork is logged
// and tolerated: an abort-time unlink may race a crash that removed the
// file already, and redo for the create may never have run.
func (m *Manager) Unlink(node RelFileNode) error {
	for _, fork := range []Fork{FreeSpaceFork, VisibilityFork, MainFork} {
		path := m.Path(node, fork)
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				if fork == MainFork {
					m.logger.Warn("relation file already gone at unlink", zap.String("path", path))
				}
				continue
			}
			return fmt.Errorf("failed to unlink %s: %w", path, err)
		}
	}
	return nil
}

// UnlinkAll unlinks a batch of relations, continuing past per-file
// failures and returning the first error seen.
func (m *Manager) UnlinkAll(nodes []RelFileNode) error {
	var firstErr error
	for _, node := range nodes {
		if err := m.Unlink(node); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Truncate shortens one fork to nblocks blocks. A missing fork is ignored:
// fsm/vm forks are created lazily and replay may run before they exist.
func (m *Manager) Truncate(node RelFileNode, fork Fork, nblocks uint32) error {
	path := m.Path(node, fork)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if err := os.Truncate(path, int64(nblocks)*BlockSize); err != nil {
		return fmt.Errorf("failed to truncate %s to %d blocks: %w", path, nblocks, err)
	}
	return nil
}

// NBlocks returns the main fork's length in blocks.
func (m *Manager) NBlocks(node RelFileNode) (uint32, error) {
	info, err := os.Stat(m.Path(node, MainFork))
	if err != nil {
		return 0, fmt.Errorf("failed to stat relation %+v: %w", node, err)
	}
	return uint32(info.Size() / BlockSize), nil
}

// Extend grows the main fork to nblocks blocks of zeroes. Test and bulk
// load paths use it to materialize relation contents.
func (m *Manager) Extend(node RelFileNode, nblocks uint32) error {
	path := m.Path(node, MainFork)
	if err := os.Truncate(path, int64(nblocks)*BlockSize); err != nil {
		return fmt.Errorf("failed to extend %s to %d blocks: %w", path, nblocks, err)
	}
	return nil
}

// DropDatabaseDir removes a database's entire directory. Used by the
// whole-database pending-delete singleton.
func (m *Manager) DropDatabaseDir(database uint64) error {
	dir := m.DatabaseDir(database)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove database directory %s: %w", dir, err)
	}
	return nil
}
