// Package state owns the two pieces of durable host state that sit
// outside the package store and the per-plugin storage files:
// plugins.json (the installed/enabled set registry.Registry persists
// after every mutation) and state/api_token.txt (the admin bearer
// token, generated once on first start). Both follow the same
// temp-file-plus-rename write discipline storagekv and pkgstore use.
package state

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/yukmakoto/nBot/internal/hosterr"
	"github.com/yukmakoto/nBot/internal/registry"
)

// Store persists plugins.json and manages the admin API token file
// under one data directory.
type Store struct {
	dataDir string

	mu sync.Mutex // process-wide write lock guarding plugins.json
}

// New roots a Store at dataDir.
func New(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

func (s *Store) pluginsPath() string {
	return filepath.Join(s.dataDir, "plugins.json")
}

func (s *Store) tokenPath() string {
	return filepath.Join(s.dataDir, "state", "api_token.txt")
}

type pluginsFile struct {
	Entries []registry.Entry `json:"entries"`
}

// Save rewrites plugins.json atomically with the full installed set.
// It satisfies registry.Persister.
func (s *Store) Save(entries []registry.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return hosterr.Wrap(hosterr.IoError, err, "create data dir")
	}
	data, err := json.MarshalIndent(pluginsFile{Entries: entries}, "", "  ")
	if err != nil {
		return hosterr.Wrap(hosterr.IoError, err, "encode plugins.json")
	}
	return writeFileAtomic(s.dataDir, s.pluginsPath(), data)
}

// Load reads plugins.json, returning an empty set (not an error) if the
// file does not yet exist — the first-start case.
func (s *Store) Load() ([]registry.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.pluginsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, hosterr.Wrap(hosterr.IoError, err, "read plugins.json")
	}
	var pf pluginsFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, hosterr.Wrap(hosterr.IoError, err, "parse plugins.json")
	}
	return pf.Entries, nil
}

// LoadOrGenerateAPIToken returns the token at state/api_token.txt,
// generating and persisting a fresh random one on first start.
func (s *Store) LoadOrGenerateAPIToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.tokenPath())
	if err == nil {
		return string(data), nil
	}
	if !os.IsNotExist(err) {
		return "", hosterr.Wrap(hosterr.IoError, err, "read api token file")
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", hosterr.Wrap(hosterr.IoError, err, "generate api token")
	}
	token := hex.EncodeToString(buf)

	dir := filepath.Dir(s.tokenPath())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", hosterr.Wrap(hosterr.IoError, err, "create state dir")
	}
	if err := writeFileAtomic(dir, s.tokenPath(), []byte(token)); err != nil {
		return "", err
	}
	return token, nil
}

func writeFileAtomic(dir, target string, data []byte) error {
	tmp, err := os.CreateTemp(dir, filepath.Base(target)+".tmp-*")
	if err != nil {
		return hosterr.Wrap(hosterr.IoError, err, "create temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return hosterr.Wrap(hosterr.IoError, err, "write temp file")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return hosterr.Wrap(hosterr.IoError, err, "close temp file")
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return hosterr.Wrap(hosterr.IoError, err, "activate file")
	}
	return nil
}
