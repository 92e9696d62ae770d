package pkgstore

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"testing"
)

func buildArchive(t *testing.T, manifestJSON string, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	write := func(name string, content []byte) {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if _, err := tw.Write(content); err != nil {
			t.Fatalf("write content: %v", err)
		}
	}

	write(manifestName, []byte(manifestJSON))
	for name, content := range files {
		write(name, []byte(content))
	}

	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

const validManifest = `{"id":"hello-bot","name":"Hello Bot","version":"1.0.0","author":"a","type":"bot","entry":"index.js","codeType":"script","commands":["hello"]}`

func TestInstallFromBytesHappyPath(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)

	archive := buildArchive(t, validManifest, map[string]string{"index.js": "module.exports = {}"})
	m, err := store.InstallFromBytes(archive)
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if m.ID != "hello-bot" {
		t.Fatalf("unexpected id %q", m.ID)
	}

	if _, err := os.Stat(store.Dir(TypeBot, "hello-bot") + "/index.js"); err != nil {
		t.Fatalf("expected index.js on disk: %v", err)
	}

	list, err := store.ListInstalled()
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one installed plugin, got %v err=%v", list, err)
	}
}

func TestInstallFromBytesPathTraversal(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	archive := buildArchive(t, validManifest, map[string]string{"../x": "evil"})
	if _, err := store.InstallFromBytes(archive); err == nil {
		t.Fatalf("expected path traversal rejection")
	}
}

func TestInstallFromBytesMissingManifest(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	hdr := &tar.Header{Name: "index.js", Mode: 0o644, Size: 2}
	_ = tw.WriteHeader(hdr)
	_, _ = tw.Write([]byte("{}"))
	_ = tw.Close()
	_ = gz.Close()

	if _, err := store.InstallFromBytes(buf.Bytes()); err == nil {
		t.Fatalf("expected manifest missing error")
	}
}

func TestInstallOverwritesPreviousDirectory(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)

	archive1 := buildArchive(t, validManifest, map[string]string{"index.js": "v1"})
	if _, err := store.InstallFromBytes(archive1); err != nil {
		t.Fatalf("first install: %v", err)
	}
	archive2 := buildArchive(t, validManifest, map[string]string{"index.js": "v2"})
	if _, err := store.InstallFromBytes(archive2); err != nil {
		t.Fatalf("second install: %v", err)
	}

	content, err := os.ReadFile(store.Dir(TypeBot, "hello-bot") + "/index.js")
	if err != nil || string(content) != "v2" {
		t.Fatalf("expected reinstall to replace content, got %q err=%v", content, err)
	}
}

func TestWriteManifestRoundTripsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	withExtra := `{"id":"hello-bot","name":"Hello Bot","version":"1.0.0","author":"a","type":"bot","entry":"index.js","codeType":"script","commands":["hello"],"homepage":"https://example.invalid"}`
	archive := buildArchive(t, withExtra, map[string]string{"index.js": "x"})
	if _, err := store.InstallFromBytes(archive); err != nil {
		t.Fatalf("install: %v", err)
	}

	m, err := store.ReadManifest(TypeBot, "hello-bot")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	m.Config = map[string]any{"k": float64(1)}

	if err := store.WriteManifest(TypeBot, "hello-bot", m); err != nil {
		t.Fatalf("write: %v", err)
	}
	reread, err := store.ReadManifest(TypeBot, "hello-bot")
	if err != nil {
		t.Fatalf("reread: %v", err)
	}
	if reread.Config["k"] != float64(1) {
		t.Fatalf("expected config to persist, got %v", reread.Config)
	}
	if string(reread.UnknownFields["homepage"]) != `"https://example.invalid"` {
		t.Fatalf("expected unknown field to survive the rewrite, got %v", reread.UnknownFields)
	}
}
