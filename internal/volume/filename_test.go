package volume

import (
	"testing"
	"time"
)

func TestFilenameRoundTrip(t *testing.T) {
	ts := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	name := Filename("duplicati", KindDBlock, ts, "zip", "aes")

	pf, err := ParseFilename(name)
	if err != nil {
		t.Fatalf("ParseFilename(%q): %v", name, err)
	}
	if pf.Prefix != "duplicati" {
		t.Errorf("got prefix %q, want %q", pf.Prefix, "duplicati")
	}
	if pf.Kind != KindDBlock {
		t.Errorf("got kind %v, want %v", pf.Kind, KindDBlock)
	}
	if !pf.Timestamp.Equal(ts) {
		t.Errorf("got timestamp %v, want %v", pf.Timestamp, ts)
	}
	if pf.Compressor != "zip" || pf.Encrypter != "aes" {
		t.Errorf("got compressor/encrypter %q/%q, want zip/aes", pf.Compressor, pf.Encrypter)
	}
}

func TestFilenameKindLetters(t *testing.T) {
	ts := time.Now().UTC().Truncate(time.Second)
	cases := []struct {
		kind   Kind
		letter string
	}{
		{KindDBlock, "b"},
		{KindDIndex, "i"},
		{KindDFileset, "f"},
	}
	for _, c := range cases {
		name := Filename("p", c.kind, ts, "", "")
		pf, err := ParseFilename(name)
		if err != nil {
			t.Fatalf("ParseFilename(%q): %v", name, err)
		}
		if pf.Kind != c.kind {
			t.Errorf("kind %v: got %v back after round trip", c.kind, pf.Kind)
		}
		_ = c.letter
	}
}

func TestFilenameUniqueness(t *testing.T) {
	ts := time.Now().UTC().Truncate(time.Second)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		name := Filename("duplicati", KindDBlock, ts, "zip", "aes")
		if seen[name] {
			t.Fatalf("got duplicate filename %q after %d iterations", name, i)
		}
		seen[name] = true
	}
}

func TestParseFilenameRejectsGarbage(t *testing.T) {
	cases := []string{
		"",
		"not-enough-fields",
		"duplicati-ab12cd-x-20250101T120000Z.zip.aes",
		"duplicati-ab12cd-b-not-a-timestamp.zip.aes",
	}
	for _, name := range cases {
		if _, err := ParseFilename(name); err == nil {
			t.Errorf("ParseFilename(%q): expected error, got nil", name)
		}
	}
}
