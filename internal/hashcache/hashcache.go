// Package hashcache remembers the content fingerprint of each artifact that an
// enrichment step last processed successfully, so unchanged artifacts can skip
// the step.
package hashcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"
)

// StateFile is the default name of the tracked-state file.
const StateFile = ".pmid_cache_state.json"

// Cache maps artifact file names to the fingerprint recorded after the last
// successful run. The state file is rewritten atomically under a mutex and,
// on the OS filesystem, an advisory file lock shared with other processes.
type Cache struct {
	fs        afero.Fs
	statePath string
	logger    *slog.Logger

	mu  sync.Mutex
	flk *flock.Flock
}

// New returns a Cache persisting its state at statePath.
func New(fsys afero.Fs, statePath string) *Cache {
	c := &Cache{
		fs:        fsys,
		statePath: statePath,
		logger:    slog.Default(),
	}
	if _, ok := fsys.(*afero.OsFs); ok {
		c.flk = flock.New(statePath + ".lock")
	}
	return c
}

// Fingerprint returns the hex sha256 of data.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Key is the state entry name for an artifact.
func Key(artifactPath string) string {
	return filepath.Base(artifactPath)
}

// ShouldRun reports whether the artifact differs from the fingerprint recorded
// for it, or has none.
func (c *Cache) ShouldRun(artifactPath string) (bool, error) {
	sum, err := c.fingerprintFile(artifactPath)
	if err != nil {
		return false, err
	}

	unlock, err := c.lock()
	if err != nil {
		return false, err
	}
	defer unlock()

	state, err := c.load()
	if err != nil {
		return false, err
	}
	prev, ok := state[Key(artifactPath)]
	return !ok || prev != sum, nil
}

// MarkComplete records the artifact's current fingerprint. Call it only after
// the dependent step has succeeded.
func (c *Cache) MarkComplete(artifactPath string) error {
	sum, err := c.fingerprintFile(artifactPath)
	if err != nil {
		return err
	}

	unlock, err := c.lock()
	if err != nil {
		return err
	}
	defer unlock()

	state, err := c.load()
	if err != nil {
		return err
	}
	state[Key(artifactPath)] = sum
	return c.save(state)
}

// Forget drops the entry for an artifact so the next check reruns the step.
func (c *Cache) Forget(artifactPath string) error {
	unlock, err := c.lock()
	if err != nil {
		return err
	}
	defer unlock()

	state, err := c.load()
	if err != nil {
		return err
	}
	if _, ok := state[Key(artifactPath)]; !ok {
		return nil
	}
	delete(state, Key(artifactPath))
	return c.save(state)
}

// Entries returns the tracked artifact names in sorted order.
func (c *Cache) Entries() ([]string, error) {
	unlock, err := c.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	state, err := c.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(state))
	for k := range state {
		names = append(names, k)
	}
	sort.Strings(names)
	return names, nil
}

func (c *Cache) fingerprintFile(name string) (string, error) {
	data, err := afero.ReadFile(c.fs, name)
	if err != nil {
		return "", fmt.Errorf("reading artifact %s: %w", name, err)
	}
	return Fingerprint(data), nil
}

func (c *Cache) lock() (func(), error) {
	c.mu.Lock()
	if c.flk == nil {
		return c.mu.Unlock, nil
	}
	if err := c.fs.MkdirAll(filepath.Dir(c.statePath), 0o755); err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	if err := c.flk.Lock(); err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("locking %s: %w", c.statePath, err)
	}
	return func() {
		_ = c.flk.Unlock()
		c.mu.Unlock()
	}, nil
}

// load reads the state file. A missing file is an empty state; an unreadable
// one is discarded so every artifact is processed again.
func (c *Cache) load() (map[string]string, error) {
	data, err := afero.ReadFile(c.fs, c.statePath)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", c.statePath, err)
	}
	state := map[string]string{}
	if err := json.Unmarshal(data, &state); err != nil {
		c.logger.Warn("discarding corrupt hash cache state", "path", c.statePath, "error", err)
		return map[string]string{}, nil
	}
	return state, nil
}

func (c *Cache) save(state map[string]string) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding hash cache state: %w", err)
	}
	if err := c.fs.MkdirAll(filepath.Dir(c.statePath), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	tmp := c.statePath + ".tmp"
	if err := afero.WriteFile(c.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := c.fs.Rename(tmp, c.statePath); err != nil {
		return fmt.Errorf("replacing %s: %w", c.statePath, err)
	}
	return nil
}
