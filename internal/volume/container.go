package volume

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/pbkdf2"
)

const ivLength = aes.BlockSize

// zstdEncoders and zstdDecoders are pooled since constructing either
// repeatedly shows up under profiling on large repositories.
var (
	zstdEncoders = sync.Pool{
		New: func() interface{} {
			w, err := zstd.NewWriter(nil)
			if err != nil {
				panic("volume: zstd encoder init: " + err.Error())
			}
			return w
		},
	}
	zstdDecoders = sync.Pool{
		New: func() interface{} {
			r, err := zstd.NewReader(nil)
			if err != nil {
				panic("volume: zstd decoder init: " + err.Error())
			}
			return r
		},
	}
)

// DeriveKey turns a user passphrase into a repeatable AES-256 key. The
// same salt must be used for every container in a repository, so
// callers store it once (in the repository's own out-of-band
// configuration) and pass the derived key to Write/Read on every call.
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, 65536, 32, sha256.New)
}

// Write encodes manifest and entries into a container: manifest and
// entries are framed and concatenated, the result is zstd-compressed,
// and — if key is non-nil — the compressed stream is AES-CFB encrypted
// behind a random IV. The manifest's Compression and Encryption fields
// should already reflect what the caller is about to do here.
func Write(w io.Writer, manifest Manifest, entries []Entry, key []byte) error {
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("volume: marshaling manifest: %w", err)
	}

	var raw bytes.Buffer
	if err := encodeRaw(&raw, manifestJSON, entries); err != nil {
		return err
	}

	enc := zstdEncoders.Get().(*zstd.Encoder)
	defer zstdEncoders.Put(enc)
	compressed := enc.EncodeAll(raw.Bytes(), nil)

	if key == nil {
		_, err := w.Write(compressed)
		return err
	}

	iv := make([]byte, ivLength)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return fmt.Errorf("volume: generating iv: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("volume: building cipher: %w", err)
	}
	stream := cipher.NewCFBEncrypter(block, iv)

	if _, err := w.Write(iv); err != nil {
		return err
	}
	ciphertext := make([]byte, len(compressed))
	stream.XORKeyStream(ciphertext, compressed)
	_, err = w.Write(ciphertext)
	return err
}

// Read decodes a container written by Write, returning the manifest and
// its entries. key must match what Write was called with (nil if the
// container isn't encrypted).
func Read(r io.Reader, key []byte) (Manifest, []Entry, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Manifest{}, nil, fmt.Errorf("volume: reading container: %w", err)
	}

	compressed := raw
	if key != nil {
		if len(raw) < ivLength {
			return Manifest{}, nil, fmt.Errorf("volume: container shorter than iv")
		}
		iv, ciphertext := raw[:ivLength], raw[ivLength:]
		block, err := aes.NewCipher(key)
		if err != nil {
			return Manifest{}, nil, fmt.Errorf("volume: building cipher: %w", err)
		}
		stream := cipher.NewCFBDecrypter(block, iv)
		plain := make([]byte, len(ciphertext))
		stream.XORKeyStream(plain, ciphertext)
		compressed = plain
	}

	dec := zstdDecoders.Get().(*zstd.Decoder)
	defer zstdDecoders.Put(dec)
	decoded, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return Manifest{}, nil, fmt.Errorf("volume: zstd decompress: %w", err)
	}

	manifestJSON, entries, err := decodeRaw(bytes.NewReader(decoded))
	if err != nil {
		return Manifest{}, nil, err
	}

	var manifest Manifest
	if err := json.Unmarshal(manifestJSON, &manifest); err != nil {
		return Manifest{}, nil, fmt.Errorf("volume: unmarshaling manifest: %w", err)
	}
	if err := manifest.Validate(); err != nil {
		return Manifest{}, nil, err
	}

	return manifest, entries, nil
}

// SaltHex and ParseSaltHex round-trip a PBKDF2 salt through the
// hex-encoded metadata representation the catalog stores it in.
func SaltHex(salt []byte) string { return hex.EncodeToString(salt) }

func ParseSaltHex(s string) ([]byte, error) { return hex.DecodeString(s) }

func NewSalt() ([]byte, error) {
	salt := make([]byte, 32)
	_, err := io.ReadFull(rand.Reader, salt)
	return salt, err
}
