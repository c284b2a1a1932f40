// Package filestore keeps interaction facts as mirrored JSON files:
//
//	{root}/proteins/{P}/interactions/{Q}.json
//	{root}/proteins/{Q}/interactions/{P}.json
//
// Both files of a pair hold the same list of facts (one per interaction type),
// so lookups from either side read a single directory.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"

	"github.com/kalambet/ppigraph/internal/interaction"
	"github.com/kalambet/ppigraph/internal/storage"
)

var _ storage.InteractionStore = (*Store)(nil)

// Store is an InteractionStore over an afero.Fs.
type Store struct {
	fs   afero.Fs
	root string
	// mu serializes writers so that the two mirrored files of a pair are
	// always rewritten together. flk extends that to other processes sharing
	// the directory on the OS filesystem.
	mu  sync.RWMutex
	flk *flock.Flock
}

// New returns a Store rooted at root, creating the proteins directory.
func New(fsys afero.Fs, root string) (*Store, error) {
	if err := fsys.MkdirAll(path.Join(root, "proteins"), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	s := &Store{fs: fsys, root: root}
	if _, ok := fsys.(*afero.OsFs); ok {
		s.flk = flock.New(path.Join(root, ".lock"))
	}
	return s, nil
}

func (s *Store) Close() error { return nil }

func (s *Store) interactionsDir(protein string) string {
	return path.Join(s.root, "proteins", protein, "interactions")
}

func (s *Store) pairFile(protein, partner string) string {
	return path.Join(s.interactionsDir(protein), partner+".json")
}

func (s *Store) Put(ctx context.Context, i interaction.Interaction) error {
	return s.PutAll(ctx, []interaction.Interaction{i})
}

func (s *Store) PutAll(ctx context.Context, facts []interaction.Interaction) error {
	canon := make([]interaction.Interaction, len(facts))
	for n, f := range facts {
		canon[n] = f.Canonical()
		if err := canon[n].Validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flk != nil {
		if err := s.flk.Lock(); err != nil {
			return storage.Unavailable("locking store", err)
		}
		defer func() { _ = s.flk.Unlock() }()
	}

	for _, f := range canon {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.putLocked(f); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) putLocked(i interaction.Interaction) error {
	facts, err := s.readPair(s.pairFile(i.ProteinA, i.ProteinB))
	if err != nil {
		return err
	}

	merged := false
	for n, f := range facts {
		if f.Type == i.Type {
			facts[n] = interaction.Merge(f, i)
			merged = true
			break
		}
	}
	if !merged {
		facts = append(facts, i)
	}
	sort.Slice(facts, func(a, b int) bool { return facts[a].Type < facts[b].Type })

	data, err := json.MarshalIndent(facts, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s-%s: %w", i.ProteinA, i.ProteinB, err)
	}
	if err := s.writeFile(s.pairFile(i.ProteinA, i.ProteinB), data); err != nil {
		return err
	}
	return s.writeFile(s.pairFile(i.ProteinB, i.ProteinA), data)
}

// writeFile replaces name atomically via a temporary file and rename.
func (s *Store) writeFile(name string, data []byte) error {
	if err := s.fs.MkdirAll(path.Dir(name), 0o755); err != nil {
		return storage.Unavailable("creating protein directory", err)
	}
	tmp := name + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return storage.Unavailable("writing "+name, err)
	}
	if err := s.fs.Rename(tmp, name); err != nil {
		return storage.Unavailable("renaming "+name, err)
	}
	return nil
}

func (s *Store) readPair(name string) ([]interaction.Interaction, error) {
	data, err := afero.ReadFile(s.fs, name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, storage.Unavailable("reading "+name, err)
	}
	var facts []interaction.Interaction
	if err := json.Unmarshal(data, &facts); err != nil {
		return nil, storage.Unavailable("decoding "+name, err)
	}
	return facts, nil
}

// pairFiles lists the partner files in a protein's interactions directory.
func (s *Store) pairFiles(protein string) ([]string, error) {
	dir := s.interactionsDir(protein)
	ok, err := afero.DirExists(s.fs, dir)
	if err != nil {
		return nil, storage.Unavailable("checking "+dir, err)
	}
	if !ok {
		return nil, nil
	}
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return nil, storage.Unavailable("listing "+dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		files = append(files, path.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func (s *Store) GetAll(ctx context.Context, subject string) ([]interaction.Interaction, error) {
	subject = interaction.Normalize(subject)

	s.mu.RLock()
	defer s.mu.RUnlock()

	files, err := s.pairFiles(subject)
	if err != nil {
		return nil, err
	}
	var results []interaction.Interaction
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		facts, err := s.readPair(f)
		if err != nil {
			return nil, err
		}
		results = append(results, facts...)
	}
	sort.Slice(results, func(a, b int) bool { return results[a].Key().Less(results[b].Key()) })
	return results, nil
}

func (s *Store) Exists(ctx context.Context, subject string) (bool, error) {
	subject = interaction.Normalize(subject)

	s.mu.RLock()
	defer s.mu.RUnlock()

	files, err := s.pairFiles(subject)
	if err != nil {
		return false, err
	}
	return len(files) > 0, nil
}

func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	proteinsDir := path.Join(s.root, "proteins")
	entries, err := afero.ReadDir(s.fs, proteinsDir)
	if err != nil {
		return storage.Stats{}, storage.Unavailable("listing "+proteinsDir, err)
	}

	var st storage.Stats
	facts := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		files, err := s.pairFiles(e.Name())
		if err != nil {
			return storage.Stats{}, err
		}
		if len(files) == 0 {
			continue
		}
		st.TotalProteins++
		st.TotalRecords += len(files)
		for _, f := range files {
			pair, err := s.readPair(f)
			if err != nil {
				return storage.Stats{}, err
			}
			facts += len(pair)
		}
	}
	// Every fact is mirrored under both participants.
	st.UniqueInteractions = facts / 2
	return st, nil
}
