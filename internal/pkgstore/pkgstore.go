// Package pkgstore implements the on-disk plugin package layout: atomic
// install from a tar+gzip archive, manifest read/write, and removal.
// Grounded on dice_jsvm.go's plugins-directory-on-disk model (JsScriptInfo
// tracking a Filename on disk, JsDelete removing it), generalized from a
// flat scripts directory to a typed plugins/<type>/<id>/ tree.
package pkgstore

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yukmakoto/nBot/internal/hosterr"
	"github.com/yukmakoto/nBot/internal/ids"
)

const (
	maxMembers          = 10_000
	maxUncompressedSize = 200 << 20 // 200 MiB
	manifestName        = "manifest.json"
)

// Store manages the plugins/<type>/<id>/ tree rooted at dataDir.
type Store struct {
	root string
}

// New returns a Store rooted at <dataDir>/plugins.
func New(dataDir string) *Store {
	return &Store{root: filepath.Join(dataDir, "plugins")}
}

func (s *Store) dir(typ PluginType, id string) string {
	return filepath.Join(s.root, string(typ), id)
}

// extracted holds the member set of an archive after validation, ready
// to be hashed (via ids.TreeHash, excluding manifest.json) or written to
// disk.
type extracted struct {
	manifest Manifest
	files    map[string][]byte // path -> bytes, includes manifest.json
}

// InstallFromBytes validates, extracts and persists a package archive,
// returning the parsed manifest. The write is all-or-nothing: files land
// in a ".new" staging directory first and are only renamed into place
// after every member has been validated and written.
func (s *Store) InstallFromBytes(data []byte) (Manifest, error) {
	ex, err := extract(data)
	if err != nil {
		return Manifest{}, err
	}
	if err := ids.Validate(ex.manifest.ID); err != nil {
		return Manifest{}, err
	}

	finalDir := s.dir(ex.manifest.Type, ex.manifest.ID)
	stagingDir := finalDir + ".new"

	if err := os.RemoveAll(stagingDir); err != nil {
		return Manifest{}, hosterr.Wrap(hosterr.IoError, err, "clear staging dir")
	}
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return Manifest{}, hosterr.Wrap(hosterr.IoError, err, "create staging dir")
	}

	for relPath, content := range ex.files {
		dst := filepath.Join(stagingDir, relPath)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			_ = os.RemoveAll(stagingDir)
			return Manifest{}, hosterr.Wrap(hosterr.IoError, err, "create member dir")
		}
		if err := os.WriteFile(dst, content, 0o644); err != nil {
			_ = os.RemoveAll(stagingDir)
			return Manifest{}, hosterr.Wrap(hosterr.IoError, err, "write member")
		}
	}

	if err := os.RemoveAll(finalDir); err != nil {
		_ = os.RemoveAll(stagingDir)
		return Manifest{}, hosterr.Wrap(hosterr.IoError, err, "remove previous install")
	}
	if err := os.Rename(stagingDir, finalDir); err != nil {
		_ = os.RemoveAll(stagingDir)
		return Manifest{}, hosterr.Wrap(hosterr.IoError, err, "activate install")
	}
	return ex.manifest, nil
}

// Remove deletes an installed package's directory tree.
func (s *Store) Remove(typ PluginType, id string) error {
	if err := os.RemoveAll(s.dir(typ, id)); err != nil {
		return hosterr.Wrap(hosterr.IoError, err, "remove plugin directory")
	}
	return nil
}

// ReadManifest loads manifest.json for an installed plugin.
func (s *Store) ReadManifest(typ PluginType, id string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.dir(typ, id), manifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, hosterr.New(hosterr.ManifestMissing, "manifest.json not found")
		}
		return Manifest{}, hosterr.Wrap(hosterr.IoError, err, "read manifest")
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, hosterr.Wrap(hosterr.InvalidManifest, err, "parse manifest")
	}
	return m, nil
}

// WriteManifest atomically rewrites manifest.json via temp file + rename,
// so a crash mid-write never leaves a half-written manifest on disk.
func (s *Store) WriteManifest(typ PluginType, id string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return hosterr.Wrap(hosterr.InvalidManifest, err, "encode manifest")
	}
	dir := s.dir(typ, id)
	tmp, err := os.CreateTemp(dir, manifestName+".tmp-*")
	if err != nil {
		return hosterr.Wrap(hosterr.IoError, err, "create temp manifest")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return hosterr.Wrap(hosterr.IoError, err, "write temp manifest")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return hosterr.Wrap(hosterr.IoError, err, "close temp manifest")
	}
	if err := os.Rename(tmpName, filepath.Join(dir, manifestName)); err != nil {
		_ = os.Remove(tmpName)
		return hosterr.Wrap(hosterr.IoError, err, "activate manifest")
	}
	return nil
}

// ListInstalled walks both type sub-directories and returns every
// manifest found, sorted by id for a deterministic admin listing.
func (s *Store) ListInstalled() ([]Manifest, error) {
	var out []Manifest
	for _, typ := range []PluginType{TypeBot, TypePlatform} {
		base := filepath.Join(s.root, string(typ))
		entries, err := os.ReadDir(base)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, hosterr.Wrap(hosterr.IoError, err, "list plugins dir")
		}
		for _, e := range entries {
			if !e.IsDir() || strings.HasSuffix(e.Name(), ".new") {
				continue
			}
			m, err := s.ReadManifest(typ, e.Name())
			if err != nil {
				continue
			}
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Dir exposes the unpacked directory for an installed plugin, e.g. to
// resolve an entry path for the sandbox loader.
func (s *Store) Dir(typ PluginType, id string) string {
	return s.dir(typ, id)
}

// FilesForHash lists every regular file under an installed plugin's
// directory except manifest.json, relative to that directory, suitable
// for ids.TreeHash.
func (s *Store) FilesForHash(typ PluginType, id string) ([]ids.File, error) {
	base := s.dir(typ, id)
	var out []ids.File
	err := filepath.WalkDir(base, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == manifestName {
			return nil
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out = append(out, ids.File{Path: rel, Bytes: content})
		return nil
	})
	if err != nil {
		return nil, hosterr.Wrap(hosterr.IoError, err, "walk plugin tree")
	}
	return out, nil
}

// extract validates and unpacks a tar+gzip archive into memory, refusing
// absolute paths, parent traversal, and oversized archives.
func extract(data []byte) (*extracted, error) {
	gz, err := gzip.NewReader(strings.NewReader(string(data)))
	if err != nil {
		return nil, hosterr.Wrap(hosterr.BadArchive, err, "open gzip stream")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	files := map[string][]byte{}
	var memberCount int
	var totalSize int64

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, hosterr.Wrap(hosterr.BadArchive, err, "read tar entry")
		}
		if hdr.Typeflag != tar.TypeReg && hdr.Typeflag != tar.TypeDir {
			continue
		}
		memberCount++
		if memberCount > maxMembers {
			return nil, hosterr.New(hosterr.BadArchive, "archive exceeds member count ceiling")
		}
		if hdr.Typeflag == tar.TypeDir {
			continue
		}

		cleanName, err := sanitizeMemberPath(hdr.Name)
		if err != nil {
			return nil, err
		}

		totalSize += hdr.Size
		if totalSize > maxUncompressedSize {
			return nil, hosterr.New(hosterr.BadArchive, "archive exceeds uncompressed size ceiling")
		}

		buf := make([]byte, hdr.Size)
		if _, err := io.ReadFull(tr, buf); err != nil {
			return nil, hosterr.Wrap(hosterr.BadArchive, err, "read tar member contents")
		}
		files[cleanName] = buf
	}

	manifestBytes, ok := files[manifestName]
	if !ok {
		return nil, hosterr.New(hosterr.ManifestMissing, "archive has no manifest.json at root")
	}
	var m Manifest
	if err := json.Unmarshal(manifestBytes, &m); err != nil {
		return nil, hosterr.Wrap(hosterr.InvalidManifest, err, "parse manifest.json")
	}
	if m.Type != TypeBot && m.Type != TypePlatform {
		return nil, hosterr.New(hosterr.InvalidManifest, "manifest.type must be bot or platform")
	}

	return &extracted{manifest: m, files: files}, nil
}

// sanitizeMemberPath normalizes a tar member name and rejects absolute
// paths and parent-directory traversal, surfacing either as
// hosterr.PathTraversal.
func sanitizeMemberPath(name string) (string, error) {
	clean := path.Clean(filepath.ToSlash(name))
	if path.IsAbs(clean) {
		return "", hosterr.New(hosterr.PathTraversal, "absolute path in archive")
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", hosterr.New(hosterr.PathTraversal, "parent directory traversal in archive")
	}
	return clean, nil
}
