package fileformat

import (
	"fmt"
	"strconv"

	"github.com/zeebo/xxh3"
)

// DefaultChunk is the rolling checksum chunk size.
const DefaultChunk = 1 << 20

// Checksum is the rolling xxh3-64 index of one uncompressed section.
// Hashes are hex strings so JSON never rounds them.
type Checksum struct {
	Algo      string   `json:"algo"`
	ChunkSize int      `json:"chunk_size"`
	Count     int      `json:"count"`
	HashesHex []string `json:"hashes_hex"`
}

// RollXXH3 hashes data in chunk-sized pieces.
func RollXXH3(data []byte, chunk int) []uint64 {
	hashes := make([]uint64, 0, (len(data)+chunk-1)/chunk)
	for i := 0; i < len(data); i += chunk {
		end := min(i+chunk, len(data))
		hashes = append(hashes, xxh3.Hash(data[i:end]))
	}
	return hashes
}

// NewChecksum builds the index of data.
func NewChecksum(data []byte, chunk int) Checksum {
	if chunk <= 0 {
		chunk = DefaultChunk
	}
	hashes := RollXXH3(data, chunk)
	hex := make([]string, len(hashes))
	for i, h := range hashes {
		hex[i] = fmt.Sprintf("%016x", h)
	}
	return Checksum{Algo: "xxh3-64", ChunkSize: chunk, Count: len(hex), HashesHex: hex}
}

// Hashes parses the hex hashes.
func (c Checksum) Hashes() ([]uint64, error) {
	out := make([]uint64, len(c.HashesHex))
	for i, s := range c.HashesHex {
		h, err := strconv.ParseUint(s, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("hash %d: %w", i, err)
		}
		out[i] = h
	}
	return out, nil
}

// Verify reports the first mismatch between data and the index.
func (c Checksum) Verify(data []byte) error {
	if c.Algo != "xxh3-64" {
		return fmt.Errorf("unsupported checksum algo %q", c.Algo)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("invalid chunk size %d", c.ChunkSize)
	}
	want, err := c.Hashes()
	if err != nil {
		return err
	}
	have := RollXXH3(data, c.ChunkSize)
	if len(have) != len(want) {
		return fmt.Errorf("chunk count mismatch have %d want %d", len(have), len(want))
	}
	for i := range have {
		if have[i] != want[i] {
			return fmt.Errorf("chunk %d mismatch", i)
		}
	}
	return nil
}

// SectionKey names a section in the checksum index, e.g. "2:0".
func SectionKey(t, index uint32) string { return fmt.Sprintf("%d:%d", t, index) }
