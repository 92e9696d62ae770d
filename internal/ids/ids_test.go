package ids

import (
	"strings"
	"testing"

	"github.com/yukmakoto/nBot/internal/hosterr"
)

func TestValidateBoundary(t *testing.T) {
	cases := []struct {
		name string
		in   string
		ok   bool
	}{
		{"empty", "", false},
		{"too long", strings.Repeat("a", 65), false},
		{"max length ok", strings.Repeat("a", 64), true},
		{"space disallowed", "a b", false},
		{"dots dashes underscores ok", "hello-bot_v1.0", true},
		{"unicode disallowed", "héllo", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := Validate(c.in)
			if c.ok && err != nil {
				t.Fatalf("expected ok, got %v", err)
			}
			if !c.ok {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				if !hosterr.Is(err, hosterr.InvalidId) {
					t.Fatalf("expected InvalidId kind, got %v", err)
				}
			}
		})
	}
}

func TestTreeHashStableUnderReordering(t *testing.T) {
	a := []File{
		{Path: "index.js", Bytes: []byte("console.log(1)")},
		{Path: "lib/util.js", Bytes: []byte("module.exports = {}")},
	}
	b := []File{a[1], a[0]}

	ha := TreeHash(a)
	hb := TreeHash(b)
	if ha != hb {
		t.Fatalf("tree hash not stable under reordering: %x != %x", ha, hb)
	}
}

func TestTreeHashChangesWithContent(t *testing.T) {
	a := []File{{Path: "index.js", Bytes: []byte("a")}}
	b := []File{{Path: "index.js", Bytes: []byte("b")}}
	if TreeHash(a) == TreeHash(b) {
		t.Fatalf("expected different hashes for different content")
	}
}

func TestTreeHashExcludesManifestByConstruction(t *testing.T) {
	// manifest.json must never be passed in; callers filter it out before
	// calling TreeHash, so changing it cannot change the hash.
	withoutManifest := []File{{Path: "index.js", Bytes: []byte("x")}}
	h1 := TreeHash(withoutManifest)
	// Simulate editing manifest.json: it simply never appears in the slice.
	h2 := TreeHash(withoutManifest)
	if h1 != h2 {
		t.Fatalf("hash should be stable when manifest.json is not part of the input")
	}
}
