package attach

import (
	"bytes"
	"strings"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	data := []byte("voice note bytes")
	ref, err := s.Put(data, "/tmp/upload/note.ogg")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(ref, RefScheme) {
		t.Fatalf("ref = %q", ref)
	}
	if !IsRef(ref) {
		t.Fatalf("IsRef rejects own output %q", ref)
	}

	got, meta, err := s.Get(ref)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("blob = %q", got)
	}
	if meta.Name != "note.ogg" || meta.Size != int64(len(data)) {
		t.Fatalf("meta = %+v", meta)
	}
}

func TestPutDeduplicates(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	data := []byte("same bytes")
	ref1, err := s.Put(data, "a.png")
	if err != nil {
		t.Fatal(err)
	}
	ref2, err := s.Put(data, "b.png")
	if err != nil {
		t.Fatal(err)
	}
	if ref1 != ref2 {
		t.Fatalf("refs differ for identical bytes: %q vs %q", ref1, ref2)
	}

	// First writer wins the metadata.
	_, meta, err := s.Get(ref1)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Name != "a.png" {
		t.Fatalf("meta.Name = %q", meta.Name)
	}

	ref3, err := s.Put([]byte("different bytes"), "a.png")
	if err != nil {
		t.Fatal(err)
	}
	if ref3 == ref1 {
		t.Fatal("different bytes collided")
	}
}

func TestPutRejectsEmpty(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put(nil, "x"); err == nil {
		t.Fatal("empty attachment accepted")
	}
}

func TestGetUnknownRef(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	data, meta, err := s.Get(RefScheme + strings.Repeat("a", 32))
	if err != nil {
		t.Fatal(err)
	}
	if data != nil || meta != (Meta{}) {
		t.Fatalf("unknown ref = (%v, %+v)", data, meta)
	}
}

func TestParseRef(t *testing.T) {
	bad := []string{
		"",
		"note.ogg",
		"http://example.com/x",
		RefScheme,
		RefScheme + "short",
		RefScheme + "../../../../etc/passwd-padding",
		RefScheme + strings.Repeat("a", 31) + "/",
	}
	for _, ref := range bad {
		if _, err := ParseRef(ref); err == nil {
			t.Errorf("ParseRef(%q) accepted", ref)
		}
	}
	hash, err := ParseRef(RefScheme + strings.Repeat("0", 32))
	if err != nil {
		t.Fatal(err)
	}
	if hash != strings.Repeat("0", 32) {
		t.Fatalf("hash = %q", hash)
	}
}
