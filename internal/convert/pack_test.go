package convert

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qrv0/pqk/internal/bitcode"
	"github.com/qrv0/pqk/internal/config"
	"github.com/qrv0/pqk/internal/fileformat"
	"github.com/qrv0/pqk/internal/fixture"
	"github.com/qrv0/pqk/internal/layer"
)

func TestPackFixtureManifests(t *testing.T) {
	for _, packed := range []bool{false, true} {
		dir := t.TempDir()
		require.NoError(t, fixture.WriteDir(dir, packed))
		for _, c := range []fixture.Case{fixture.Linear(), fixture.Conv()} {
			m, err := config.Load(filepath.Join(dir, c.Layer.Name+".yaml"))
			require.NoError(t, err)
			out := filepath.Join(dir, c.Layer.Name+".pqm")
			meta, err := Pack(m, out, Options{Compress: fileformat.FlagCompZSTD})
			require.NoError(t, err)
			require.Len(t, meta.Layers, 1)
			assert.Equal(t, len(c.Codebook)/c.Layer.K, meta.Layers[0].Inputs)

			r, err := fileformat.Open(out)
			require.NoError(t, err)
			got, err := r.ReadMeta()
			require.NoError(t, err)
			require.NoError(t, r.VerifyChecksums(got))

			words, err := r.SectionUncompressed(fileformat.TypeCodes, 0)
			require.NoError(t, err)
			p, err := bitcode.FromBytes(words, c.Codes.WordBits, binary.LittleEndian)
			require.NoError(t, err)
			want, err := c.Decoded()
			require.NoError(t, err)
			bits, _ := bitcode.BitsFor(c.Layer.K)
			have, err := p.Decode(len(want), bits)
			require.NoError(t, err)
			assert.Equal(t, want, have, "packed=%v", packed)
			require.NoError(t, r.Close())
		}
	}
}

func TestWriteDedupsCodebooks(t *testing.T) {
	c := fixture.Linear()
	a, b := c.Layer, c.Layer
	a.Name, b.Name = "a", "b"
	p := LayerParams{Codebook: c.Codebook, Bias: c.Bias, Codes: c.Codes}
	other := p
	other.Codebook = append([]float32(nil), c.Codebook...)
	other.Codebook[0] = 9
	d := c.Layer
	d.Name = "d"

	out := filepath.Join(t.TempDir(), "dedup.pqm")
	meta, err := Write(out, "dedup", nil, []config.Layer{a, b, d}, []LayerParams{p, p, other}, Options{Compress: fileformat.FlagCompLZ4})
	require.NoError(t, err)
	require.Len(t, meta.Codebooks, 2)
	assert.Equal(t, 0, meta.Layers[0].CodebookID)
	assert.Equal(t, 0, meta.Layers[1].CodebookID)
	assert.Equal(t, 1, meta.Layers[2].CodebookID)

	r, err := fileformat.Open(out)
	require.NoError(t, err)
	defer r.Close()
	n := 0
	for _, e := range r.TOC {
		if e.TypeID == fileformat.TypeCodebooks {
			n++
		}
	}
	assert.Equal(t, 2, n)
}

func TestCheckRejectsMismatchedParameters(t *testing.T) {
	c := fixture.Linear()
	l := c.Layer
	err := Check(&l, LayerParams{Codebook: c.Codebook[:15], Bias: c.Bias, Codes: c.Codes})
	assert.ErrorContains(t, err, "not a multiple")

	l = c.Layer
	err = Check(&l, LayerParams{Codebook: c.Codebook, Bias: c.Bias, Codes: bitcode.FromUint8([]byte{1, 2})})
	assert.ErrorIs(t, err, bitcode.ErrShortBuffer)
	assert.ErrorIs(t, err, layer.ErrConfig)

	l = c.Layer
	l.Inputs = 6
	assert.Error(t, Check(&l, LayerParams{Codebook: c.Codebook, Bias: c.Bias, Codes: c.Codes}))

	cv := fixture.Conv()
	l = cv.Layer
	l.BiasTerm = false
	err = Check(&l, LayerParams{Codebook: cv.Codebook, Bias: cv.Bias, Codes: cv.Codes})
	assert.ErrorContains(t, err, "bias_term")
	l.Inputs = 0
	require.NoError(t, Check(&l, LayerParams{Codebook: cv.Codebook, Codes: cv.Codes}))
	assert.Equal(t, 4, l.Inputs)
}
