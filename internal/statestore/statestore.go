// Package statestore implements the persisted state layout of spec.md
// §6.3: jails/<name>/, state/<name>.json, releases/<tag>/, builds/<name>/,
// and pf/anchor.conf, all under a configured data_dir. Every state file
// is written whole, atomically (write temp + rename), on every
// transition. A corrupted file causes a refusal to mutate until
// `cleanup --force` is run.
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bsdfleet/jailctl/internal/errs"
	"github.com/bsdfleet/jailctl/internal/model"
)

// Store resolves and persists the on-disk layout rooted at dataDir.
type Store struct {
	dataDir string
}

func New(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

func (s *Store) JailDir(name string) string     { return filepath.Join(s.dataDir, "jails", name) }
func (s *Store) ReleaseDir(tag string) string    { return filepath.Join(s.dataDir, "releases", tag) }
func (s *Store) BuildDir(name string) string     { return filepath.Join(s.dataDir, "builds", name) }
func (s *Store) AnchorConfPath() string          { return filepath.Join(s.dataDir, "pf", "anchor.conf") }
func (s *Store) statePath(name string) string    { return filepath.Join(s.dataDir, "state", name+".json") }

// EnsureLayout creates the top-level directories statestore owns.
func (s *Store) EnsureLayout() error {
	for _, dir := range []string{
		filepath.Join(s.dataDir, "jails"),
		filepath.Join(s.dataDir, "state"),
		filepath.Join(s.dataDir, "releases"),
		filepath.Join(s.dataDir, "builds"),
		filepath.Join(s.dataDir, "pf"),
	} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// writeAtomic writes data to path by writing a temp file in the same
// directory and renaming it over path, so a reader never observes a
// partially-written file (spec.md §6.3).
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// SaveRuntimeRecord writes rec's whole state atomically.
func (s *Store) SaveRuntimeRecord(rec *model.RuntimeRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling runtime record for %s: %w", rec.SpecName, err)
	}
	return writeAtomic(s.statePath(rec.SpecName), data, 0o640)
}

// LoadRuntimeRecord reads name's runtime record. A missing file returns
// (nil, nil) — the jail has never been started. A corrupted file
// returns a *errs.StateError so the caller refuses to mutate until
// `cleanup --force`.
func (s *Store) LoadRuntimeRecord(name string) (*model.RuntimeRecord, error) {
	data, err := os.ReadFile(s.statePath(name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state for %s: %w", name, err)
	}
	var rec model.RuntimeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errs.NewStateError(name, fmt.Sprintf("corrupted state file: %v", err))
	}
	return &rec, nil
}

// DeleteRuntimeRecord removes name's state file (used by a forced
// Cleanup when the state file cannot be read or parsed).
func (s *Store) DeleteRuntimeRecord(name string) error {
	err := os.Remove(s.statePath(name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// ListRuntimeRecords loads every state file under state/, for `ps`,
// silently skipping any that fail to parse.
func (s *Store) ListRuntimeRecords() ([]*model.RuntimeRecord, error) {
	dir := filepath.Join(s.dataDir, "state")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var recs []*model.RuntimeRecord
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		const suffix = ".json"
		if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
			continue
		}
		jailName := name[:len(name)-len(suffix)]
		rec, err := s.LoadRuntimeRecord(jailName)
		if err != nil {
			continue // corrupted; surfaced individually by operations that touch this jail
		}
		if rec != nil {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

// WriteAnchorConf atomically rewrites the PF anchor body file that
// mirrors what was last loaded with PFAnchorLoad (spec.md §6.3).
func (s *Store) WriteAnchorConf(rules []string) error {
	var body string
	for _, r := range rules {
		body += r + "\n"
	}
	return writeAtomic(s.AnchorConfPath(), []byte(body), 0o640)
}
