package volume

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Kind identifies the contents of a remote volume.
type Kind uint8

const (
	KindDBlock Kind = iota
	KindDIndex
	KindDFileset
)

func (k Kind) letter() string {
	switch k {
	case KindDBlock:
		return "b"
	case KindDIndex:
		return "i"
	case KindDFileset:
		return "f"
	default:
		panic(fmt.Sprintf("volume: unknown kind %d", k))
	}
}

func (k Kind) String() string {
	switch k {
	case KindDBlock:
		return "dblock"
	case KindDIndex:
		return "dindex"
	case KindDFileset:
		return "dfileset"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

func kindFromLetter(s string) (Kind, error) {
	switch s {
	case "b":
		return KindDBlock, nil
	case "i":
		return KindDIndex, nil
	case "f":
		return KindDFileset, nil
	default:
		return 0, fmt.Errorf("volume: unrecognized kind letter %q", s)
	}
}

const timestampLayout = "20060102T150405Z"

// Filename encodes the on-disk/on-backend name of a remote volume:
// {prefix}-{random6}-{kind}-{yyyyMMddTHHmmssZ}.{compressor}.{encrypter}
// e.g. duplicati-b7a4f1-b-20250101T120000Z.zip.aes
func Filename(prefix string, kind Kind, ts time.Time, compressor, encrypter string) string {
	suffix := randomSuffix()
	name := fmt.Sprintf("%s-%s-%s-%s", prefix, suffix, kind.letter(), ts.UTC().Format(timestampLayout))
	if compressor != "" {
		name += "." + compressor
	}
	if encrypter != "" {
		name += "." + encrypter
	}
	return name
}

func randomSuffix() string {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("volume: failed to read random bytes: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}

// ParsedFilename is the decomposition of a Filename.
type ParsedFilename struct {
	Prefix     string
	Suffix     string
	Kind       Kind
	Timestamp  time.Time
	Compressor string
	Encrypter  string
}

// ParseFilename decodes a name produced by Filename. It returns an
// error if name does not match the expected structure.
func ParseFilename(name string) (ParsedFilename, error) {
	var pf ParsedFilename

	exts := strings.Split(name, ".")
	base := exts[0]
	exts = exts[1:]
	switch len(exts) {
	case 0:
	case 1:
		pf.Compressor = exts[0]
	case 2:
		pf.Compressor = exts[0]
		pf.Encrypter = exts[1]
	default:
		return ParsedFilename{}, fmt.Errorf("volume: %q: too many extensions", name)
	}

	parts := strings.Split(base, "-")
	if len(parts) != 4 {
		return ParsedFilename{}, fmt.Errorf("volume: %q: expected 4 hyphen-separated fields, got %d", name, len(parts))
	}
	pf.Prefix, pf.Suffix = parts[0], parts[1]

	kind, err := kindFromLetter(parts[2])
	if err != nil {
		return ParsedFilename{}, fmt.Errorf("volume: %q: %w", name, err)
	}
	pf.Kind = kind

	ts, err := time.Parse(timestampLayout, parts[3])
	if err != nil {
		return ParsedFilename{}, fmt.Errorf("volume: %q: bad timestamp: %w", name, err)
	}
	pf.Timestamp = ts

	return pf, nil
}
