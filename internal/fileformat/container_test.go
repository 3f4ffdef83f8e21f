package fileformat

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qrv0/pqk/internal/config"
)

func TestWriterReaderWithCompression(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.pqm")
	meta := []byte(`{"hello":"world"}`)
	raw := bytes.Repeat([]byte{1, 2, 3, 4}, 1024)
	zst := bytes.Repeat([]byte{5, 6, 7, 8}, 2048)

	w := NewWriter()
	w.AddSection(TypeMeta, 0, meta, 0)
	w.AddSection(TypeCodes, 0, raw, FlagCompLZ4)
	w.AddSection(TypeCodes, 1, zst, FlagCompZSTD)
	require.NoError(t, w.Write(path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	head := make([]byte, 8)
	_, err = f.Read(head)
	require.NoError(t, err)
	assert.Equal(t, magic[:], head)
	var hdr header
	require.NoError(t, binary.Read(f, binary.LittleEndian, &hdr))
	assert.Equal(t, uint32(3), hdr.Num)
	st, err := f.Stat()
	require.NoError(t, err)
	assert.Zero(t, st.Size()%sectionAlign)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	for _, e := range r.TOC {
		assert.Zero(t, e.Offset%sectionAlign)
	}
	got, err := r.SectionUncompressed(TypeMeta, 0)
	require.NoError(t, err)
	assert.Equal(t, meta, got)
	got, err = r.SectionUncompressed(TypeCodes, 0)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
	got, err = r.SectionUncompressed(TypeCodes, 1)
	require.NoError(t, err)
	assert.Equal(t, zst, got)

	stored, err := r.Section(TypeCodes, 1)
	require.NoError(t, err)
	assert.Less(t, len(stored), len(zst))

	_, err = r.Section(TypeBias, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenRejectsForeignFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.bin")
	require.NoError(t, os.WriteFile(path, []byte("GGUF\x03\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00"), 0o644))
	_, err := Open(path)
	assert.ErrorContains(t, err, "not a pqm file")
	assert.Error(t, NewWriter().Write(filepath.Join(t.TempDir(), "empty.pqm")))
}

func TestChecksumVerify(t *testing.T) {
	data := bytes.Repeat([]byte("pqk"), 1000)
	c := NewChecksum(data, 512)
	assert.Equal(t, 6, c.Count)
	require.NoError(t, c.Verify(data))

	bad := append([]byte(nil), data...)
	bad[1500] ^= 1
	assert.ErrorContains(t, c.Verify(bad), "chunk 2 mismatch")
	assert.ErrorContains(t, c.Verify(data[:100]), "chunk count mismatch")

	// hex survives JSON untouched
	b, err := json.Marshal(c)
	require.NoError(t, err)
	var back Checksum
	require.NoError(t, json.Unmarshal(b, &back))
	require.NoError(t, back.Verify(data))
}

func TestMetaAndVerifyChecksums(t *testing.T) {
	codebook := Float32Bytes([]float32{1, 2, 3, 4})
	codes := []byte{0x08, 0xce, 0xf0, 0x00}
	meta := Meta{
		FormatVersion: FormatVersion,
		Name:          "m",
		Layers:        []config.Layer{{Name: "fc", Kind: config.KindLinear, NumOutput: 5, M: 2, K: 2}},
		ChecksumIndex: map[string]Checksum{
			SectionKey(TypeCodebooks, 0): NewChecksum(codebook, 0),
			SectionKey(TypeCodes, 0):     NewChecksum(codes, 0),
		},
	}
	mb, err := json.Marshal(meta)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "m.pqm")
	w := NewWriter()
	w.AddSection(TypeMeta, 0, mb, FlagCompZSTD)
	w.AddSection(TypeCodebooks, 0, codebook, FlagCompLZ4)
	w.AddSection(TypeCodes, 0, codes, 0)
	require.NoError(t, w.Write(path))

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	got, err := r.ReadMeta()
	require.NoError(t, err)
	assert.Equal(t, "fc", got.Layers[0].Name)
	require.NoError(t, r.VerifyChecksums(got))

	delete(got.ChecksumIndex, SectionKey(TypeCodes, 0))
	assert.ErrorContains(t, r.VerifyChecksums(got), "missing checksum")
}

func TestFloat32Bytes(t *testing.T) {
	v := []float32{0, -1.5, 3.25}
	got, err := Float32s(Float32Bytes(v))
	require.NoError(t, err)
	assert.Equal(t, v, got)
	_, err = Float32s([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestParseCompression(t *testing.T) {
	for s, want := range map[string]uint32{"": 0, "none": 0, "zstd": FlagCompZSTD, "lz4": FlagCompLZ4} {
		got, err := ParseCompression(s)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseCompression("gzip")
	assert.Error(t, err)
}
