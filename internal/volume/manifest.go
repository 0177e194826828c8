package volume

import (
	"encoding/json"
	"fmt"
	"time"
)

// ManifestVersion is the current container manifest format version.
const ManifestVersion = 1

// Manifest is the JSON document stored as the first entry of every
// container, describing how to interpret the entries that follow it.
type Manifest struct {
	Version     int       `json:"Version"`
	Kind        Kind      `json:"Kind"`
	Created     time.Time `json:"Created"`
	BlockHash   string    `json:"BlockHash"`
	FileHash    string    `json:"FileHash"`
	Blocksize   int       `json:"Blocksize"`
	Compression string    `json:"Compression"`
	Encryption  string    `json:"Encryption"`
	AppVersion  string    `json:"AppVersion"`
}

func (m Manifest) MarshalJSON() ([]byte, error) {
	type alias Manifest
	return json.Marshal(struct {
		alias
		Kind string `json:"Kind"`
	}{alias(m), m.Kind.String()})
}

func (m *Manifest) UnmarshalJSON(b []byte) error {
	type alias Manifest
	var tmp struct {
		alias
		Kind string `json:"Kind"`
	}
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}
	*m = Manifest(tmp.alias)
	switch tmp.Kind {
	case "dblock":
		m.Kind = KindDBlock
	case "dindex":
		m.Kind = KindDIndex
	case "dfileset":
		m.Kind = KindDFileset
	default:
		return fmt.Errorf("volume: manifest: unrecognized kind %q", tmp.Kind)
	}
	return nil
}

// Validate reports whether m describes a container this package knows
// how to read: a known format version and a hash algorithm this
// process recognizes.
func (m Manifest) Validate() error {
	if m.Version != ManifestVersion {
		return fmt.Errorf("volume: manifest version %d unsupported (want %d)", m.Version, ManifestVersion)
	}
	if m.BlockHash == "" {
		return fmt.Errorf("volume: manifest missing BlockHash algorithm")
	}
	if m.FileHash == "" {
		return fmt.Errorf("volume: manifest missing FileHash algorithm")
	}
	if m.Blocksize <= 0 {
		return fmt.Errorf("volume: manifest has non-positive blocksize %d", m.Blocksize)
	}
	return nil
}
