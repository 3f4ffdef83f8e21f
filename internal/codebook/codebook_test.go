package codebook

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randSlice(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = rng.Float32()*2 - 1
	}
	return out
}

func TestNewValidatesShape(t *testing.T) {
	_, err := New(make([]float32, 7), 1, 2, 4, DimensionMajor)
	require.Error(t, err)
	_, err = New(make([]float32, 8), 0, 2, 4, DimensionMajor)
	require.Error(t, err)
	_, err = New(make([]float32, 8), 1, 2, 4, Layout(9))
	require.Error(t, err)
	_, err = New(make([]float32, 6), 1, 2, 3, DimensionMajor)
	require.ErrorContains(t, err, "power of two")
	cb, err := New(make([]float32, 16), 2, 2, 4, CodewordMajor)
	require.NoError(t, err)
	assert.Equal(t, 2, cb.Slices)
}

func TestCodewordAddressing(t *testing.T) {
	data := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	dm, err := New(data, 1, 2, 4, DimensionMajor)
	require.NoError(t, err)
	// M x K = [[1 2 3 4] [5 6 7 8]]: codeword 1 is (2, 6)
	assert.Equal(t, float32(2), dm.Codeword(0, 1, 0))
	assert.Equal(t, float32(6), dm.Codeword(0, 1, 1))

	km, err := New(data, 1, 2, 4, CodewordMajor)
	require.NoError(t, err)
	// K x M = [[1 2] [3 4] [5 6] [7 8]]: codeword 1 is (3, 4)
	assert.Equal(t, float32(3), km.Codeword(0, 1, 0))
	assert.Equal(t, float32(4), km.Codeword(0, 1, 1))
}

func TestRowsMatchesNaive(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const slices, m, k, rows = 3, 4, 8, 5
	stride := slices * m
	in := randSlice(rng, rows*stride)
	for _, layout := range []Layout{DimensionMajor, CodewordMajor} {
		cb, err := New(randSlice(rng, slices*m*k), slices, m, k, layout)
		require.NoError(t, err)
		for j := 0; j < slices; j++ {
			want := make([]float32, rows*k)
			for r := 0; r < rows; r++ {
				for c := 0; c < k; c++ {
					var s float32
					for d := 0; d < m; d++ {
						s += in[r*stride+j*m+d] * cb.Codeword(j, c, d)
					}
					want[r*k+c] = s
				}
			}
			for _, mode := range []Mode{Batched, PerRow} {
				got := make([]float32, rows*k)
				for i := range got {
					got[i] = 99 // overwritten, not accumulated
				}
				cb.Rows(mode, j, in[j*m:], rows, stride, got)
				assert.InDeltaSlice(t, want, got, 1e-5, "layout=%v mode=%d slice=%d", layout, mode, j)
			}
		}
	}
}

func TestPlanesMatchesNaive(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	const slices, m, k, positions = 2, 3, 4, 11
	in := randSlice(rng, slices*m*positions)
	for _, layout := range []Layout{DimensionMajor, CodewordMajor} {
		cb, err := New(randSlice(rng, slices*m*k), slices, m, k, layout)
		require.NoError(t, err)
		for j := 0; j < slices; j++ {
			want := make([]float32, k*positions)
			for c := 0; c < k; c++ {
				for p := 0; p < positions; p++ {
					var s float32
					for d := 0; d < m; d++ {
						s += cb.Codeword(j, c, d) * in[(j*m+d)*positions+p]
					}
					want[c*positions+p] = s
				}
			}
			for _, mode := range []Mode{Batched, PerRow} {
				got := make([]float32, k*positions)
				cb.Planes(mode, j, in[j*m*positions:], positions, got)
				assert.InDeltaSlice(t, want, got, 1e-5, "layout=%v mode=%d slice=%d", layout, mode, j)
			}
		}
	}
}

func TestLayoutText(t *testing.T) {
	for _, l := range []Layout{DimensionMajor, CodewordMajor} {
		b, err := l.MarshalText()
		require.NoError(t, err)
		var got Layout
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, l, got)
	}
	var l Layout
	require.Error(t, l.UnmarshalText([]byte("diagonal")))
	require.NoError(t, l.UnmarshalText(nil))
	assert.Equal(t, LayoutDefault, l)
	_, err := New(make([]float32, 8), 1, 2, 4, LayoutDefault)
	require.Error(t, err)
}
