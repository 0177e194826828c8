package volume

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// entryMagic marks the start of each entry in the raw (uncompressed,
// unencrypted) container stream. manifestMagic marks the manifest
// entry that always comes first.
var (
	manifestMagic = [4]byte{'D', 'u', 'p', 'M'}
	entryMagic    = [4]byte{'D', 'u', 'p', 'E'}
)

// Entry is one named blob inside a container: a raw block (dblock), a
// blocklist/index record (dindex), or a files/filelist record
// (dfileset).
type Entry struct {
	Name string
	Data []byte
}

// encodeRaw writes manifest (already JSON-marshaled) followed by every
// entry, each framed with a magic number and varint-encoded lengths, to
// w. This is the uncompressed, unencrypted representation that the
// compress/encrypt pipeline in container.go operates on.
func encodeRaw(w io.Writer, manifestJSON []byte, entries []Entry) error {
	if err := writeFramed(w, manifestMagic, "", manifestJSON); err != nil {
		return fmt.Errorf("volume: writing manifest entry: %w", err)
	}
	for _, e := range entries {
		if err := writeFramed(w, entryMagic, e.Name, e.Data); err != nil {
			return fmt.Errorf("volume: writing entry %q: %w", e.Name, err)
		}
	}
	return nil
}

func writeFramed(w io.Writer, magic [4]byte, name string, data []byte) error {
	var buf bytes.Buffer
	buf.Write(magic[:])

	var nameLen [binary.MaxVarintLen64]byte
	n := binary.PutVarint(nameLen[:], int64(len(name)))
	buf.Write(nameLen[:n])
	buf.WriteString(name)

	var dataLen [binary.MaxVarintLen64]byte
	n = binary.PutVarint(dataLen[:], int64(len(data)))
	buf.Write(dataLen[:n])
	buf.Write(data)

	_, err := w.Write(buf.Bytes())
	return err
}

// byteAndBulkReader is satisfied by *bufio.Reader and *bytes.Reader,
// the two readers decodeRaw is used with.
type byteAndBulkReader interface {
	io.Reader
	io.ByteReader
}

// decodeRaw reads back what encodeRaw wrote, returning the manifest
// JSON and the entries in order.
func decodeRaw(r io.Reader) (manifestJSON []byte, entries []Entry, err error) {
	br, ok := r.(byteAndBulkReader)
	if !ok {
		br = bufio.NewReader(r)
	}

	mMagic, name, data, err := readFramed(br)
	if err != nil {
		return nil, nil, fmt.Errorf("volume: reading manifest entry: %w", err)
	}
	if mMagic != manifestMagic {
		return nil, nil, fmt.Errorf("volume: expected manifest entry first, got magic %v", mMagic)
	}
	if name != "" {
		return nil, nil, fmt.Errorf("volume: manifest entry has unexpected name %q", name)
	}
	manifestJSON = data

	for {
		magic, name, data, err := readFramed(br)
		if err == io.EOF {
			return manifestJSON, entries, nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("volume: reading entry %d: %w", len(entries), err)
		}
		if magic != entryMagic {
			return nil, nil, fmt.Errorf("volume: entry %d: unexpected magic %v", len(entries), magic)
		}
		entries = append(entries, Entry{Name: name, Data: data})
	}
}

func readFramed(r byteAndBulkReader) (magic [4]byte, name string, data []byte, err error) {
	if _, err = io.ReadFull(r, magic[:]); err != nil {
		return magic, "", nil, err
	}

	nameLen, err := binary.ReadVarint(r)
	if err != nil {
		return magic, "", nil, fmt.Errorf("reading name length: %w", err)
	}
	if nameLen < 0 {
		return magic, "", nil, fmt.Errorf("negative name length %d", nameLen)
	}
	nameBuf := make([]byte, nameLen)
	if _, err = io.ReadFull(r, nameBuf); err != nil {
		return magic, "", nil, fmt.Errorf("reading name: %w", err)
	}

	dataLen, err := binary.ReadVarint(r)
	if err != nil {
		return magic, "", nil, fmt.Errorf("reading data length: %w", err)
	}
	if dataLen < 0 {
		return magic, "", nil, fmt.Errorf("negative data length %d", dataLen)
	}
	dataBuf := make([]byte, dataLen)
	if _, err = io.ReadFull(r, dataBuf); err != nil {
		return magic, "", nil, fmt.Errorf("reading data: %w", err)
	}

	return magic, string(nameBuf), dataBuf, nil
}
