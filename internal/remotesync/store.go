package remotesync

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gofrs/flock"

	"github.com/flowtail/agent/internal/logger"
)

const (
	storeFileExt  = ".yaml"
	storeLockName = ".flowtail.lock"
)

// StoredConfig is one config recovered from the on-disk store.
type StoredConfig struct {
	Name    string
	Version int64
	Content []byte
}

// Store persists remote configs as one file per config named
// <name>@<version>.yaml. New versions are written before old ones are
// removed, so a crash at any point leaves at least one complete file
// per config; the higher version wins on reload.
//
// The store is written only by the sync goroutine, so the in-memory
// version index needs no locking. A file lock on the directory keeps a
// second agent process from interleaving writes.
type Store struct {
	dir      string
	lock     *flock.Flock
	versions map[string]int64
}

// NewStore creates the config directory if needed and takes the
// directory lock. A held lock means another agent owns the directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	lock := flock.New(filepath.Join(dir, storeLockName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock config directory %s: %w", dir, err)
	}
	if !locked {
		return nil, fmt.Errorf("config directory %s is locked by another process", dir)
	}
	return &Store{
		dir:      dir,
		lock:     lock,
		versions: make(map[string]int64),
	}, nil
}

// Close releases the directory lock.
func (s *Store) Close() error {
	return s.lock.Unlock()
}

// Dir returns the directory the store writes into.
func (s *Store) Dir() string {
	return s.dir
}

// LoadAll scans the directory, keeps the highest version per config
// name, removes superseded files left behind by a crash, and returns
// the surviving configs sorted by name.
func (s *Store) LoadAll() ([]StoredConfig, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read config directory %s: %w", s.dir, err)
	}

	type found struct {
		version int64
		file    string
	}
	best := make(map[string]found)
	var stale []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name, version, ok := parseStoreFileName(entry.Name())
		if !ok {
			continue
		}
		cur, seen := best[name]
		switch {
		case !seen:
			best[name] = found{version: version, file: entry.Name()}
		case version > cur.version:
			stale = append(stale, cur.file)
			best[name] = found{version: version, file: entry.Name()}
		default:
			stale = append(stale, entry.Name())
		}
	}

	for _, file := range stale {
		if err := os.Remove(filepath.Join(s.dir, file)); err != nil && !os.IsNotExist(err) {
			logger.Warnw("failed to remove superseded config file", "file", file, "error", err)
		}
	}

	configs := make([]StoredConfig, 0, len(best))
	for name, f := range best {
		content, err := os.ReadFile(filepath.Join(s.dir, f.file))
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", f.file, err)
		}
		s.versions[name] = f.version
		configs = append(configs, StoredConfig{Name: name, Version: f.version, Content: content})
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].Name < configs[j].Name })
	return configs, nil
}

// CurrentVersion reports the version on disk for a config, if any.
func (s *Store) CurrentVersion(name string) (int64, bool) {
	v, ok := s.versions[name]
	return v, ok
}

// Write persists a config version atomically via a temp file and
// rename.
func (s *Store) Write(name string, version int64, content []byte) error {
	final := filepath.Join(s.dir, storeFileName(name, version))
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write config %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file for config %s: %w", name, err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to rename config file for %s: %w", name, err)
	}
	s.versions[name] = version
	return nil
}

// Remove deletes one version file. A missing file is not an error, so
// replayed deletes are harmless.
func (s *Store) Remove(name string, version int64) error {
	err := os.Remove(filepath.Join(s.dir, storeFileName(name, version)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove config file for %s: %w", name, err)
	}
	if v, ok := s.versions[name]; ok && v == version {
		delete(s.versions, name)
	}
	return nil
}

func storeFileName(name string, version int64) string {
	return fmt.Sprintf("%s@%d%s", name, version, storeFileExt)
}

func parseStoreFileName(file string) (string, int64, bool) {
	if !strings.HasSuffix(file, storeFileExt) {
		return "", 0, false
	}
	base := strings.TrimSuffix(file, storeFileExt)
	idx := strings.LastIndex(base, "@")
	if idx <= 0 || idx == len(base)-1 {
		return "", 0, false
	}
	version, err := strconv.ParseInt(base[idx+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return base[:idx], version, true
}
