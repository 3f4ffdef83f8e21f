package quant

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qrv0/pqk/internal/bitcode"
	"github.com/qrv0/pqk/internal/codebook"
	"github.com/qrv0/pqk/internal/qconv"
	"github.com/qrv0/pqk/internal/qlinear"
)

func linearFixture(t *testing.T) (*codebook.Codebook, []int, []float32) {
	t.Helper()
	in := make([]float32, 8)
	data := make([]float32, 16)
	for i := 0; i < 8; i++ {
		in[i] = float32(i/2 + 1)
		data[2*i] = float32(i/2 + i%2)
		data[2*i+1] = float32(i/2 + i%2 + 2)
	}
	cb, err := codebook.New(data, 4, 2, 2, codebook.DimensionMajor)
	require.NoError(t, err)
	codes, err := bitcode.FromUint8([]byte{0x08, 0xce, 0xf0, 0x00}).Decode(20, 1)
	require.NoError(t, err)
	return cb, codes, in
}

func TestLinearReferenceFixture(t *testing.T) {
	cb, codes, in := linearFixture(t)
	w, err := LinearWeights(cb, codes, 5)
	require.NoError(t, err)
	r, c := w.Dims()
	assert.Equal(t, [2]int{5, 8}, [2]int{r, c})

	out, err := LinearForward(w, []float32{1, 1, 1, 1, 1}, in, 1)
	require.NoError(t, err)
	assert.Equal(t, []float32{51, 67, 79, 87, 91}, out)

	_, err = LinearForward(w, []float32{1}, in, 1)
	require.Error(t, err)
	_, err = LinearWeights(cb, codes[:19], 5)
	require.Error(t, err)
}

func TestConvReferenceFixture(t *testing.T) {
	data := make([]float32, 8)
	for i := range data {
		data[i] = float32(i + 1)
	}
	cb, err := codebook.New(data, 2, 2, 2, codebook.CodewordMajor)
	require.NoError(t, err)
	codes, err := bitcode.FromUint32([]uint32{88848439, 1879048192}).Decode(36, 1)
	require.NoError(t, err)
	w, err := ConvWeights(cb, codes, 2, 3, 3)
	require.NoError(t, err)

	in := make([]float32, 100)
	for i := range in {
		in[i] = float32(i + 1)
	}
	cfg := qconv.Config{NumOutput: 2, KernelH: 3, KernelW: 3, StrideH: 2, StrideW: 2, PadH: 1, PadW: 1, DilationH: 1, DilationW: 1, BiasTerm: true}
	out, shape, err := ConvForward(w, []float32{0, -1}, in, []int{1, 4, 5, 5}, cfg)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 3}, shape)
	assert.Equal(t, []float32{
		3634, 5396, 3482, 6548, 9788, 6424, 4834, 7334, 4888,
		4161, 6611, 4745, 6881, 11039, 7723, 4853, 7947, 5525,
	}, out)
}

func randFloats(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = rng.Float32()*2 - 1
	}
	return out
}

func randCodes(rng *rand.Rand, n, k int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = rng.Intn(k)
	}
	return out
}

func TestLinearOperatorMatchesReference(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	const numIn, numOut, m, k, batch = 48, 10, 4, 16, 6
	cbData := randFloats(rng, numIn*k)
	bias := randFloats(rng, numOut)
	in := randFloats(rng, batch*numIn)
	codes := randCodes(rng, numIn/m*numOut, k)

	cb, err := codebook.New(cbData, numIn/m, m, k, codebook.DimensionMajor)
	require.NoError(t, err)
	w, err := LinearWeights(cb, codes, numOut)
	require.NoError(t, err)
	want, err := LinearForward(w, bias, in, batch)
	require.NoError(t, err)

	l, err := qlinear.New(qlinear.Config{NumOutput: numOut, M: m, K: k})
	require.NoError(t, err)
	packed, err := bitcode.NewPacked(codes, 4, 8)
	require.NoError(t, err)
	require.NoError(t, l.Bind(cbData, bias, packed))
	_, err = l.Reshape([]int{batch, numIn})
	require.NoError(t, err)
	got := make([]float32, batch*numOut)
	require.NoError(t, l.Forward(in, got))
	assert.InDeltaSlice(t, want, got, 1e-4)
}

func TestConvOperatorMatchesReference(t *testing.T) {
	rng := rand.New(rand.NewSource(22))
	c, err := qconv.New(qconv.Config{NumOutput: 3, KernelH: 3, KernelW: 2, StrideW: 2, PadH: 1, PadW: 1, DilationH: 2, M: 2, K: 4, BiasTerm: true})
	require.NoError(t, err)
	cfg := c.Config()
	shape := []int{2, 4, 7, 6}
	cbData := randFloats(rng, 4*cfg.K)
	bias := randFloats(rng, cfg.NumOutput)
	in := randFloats(rng, layerSize(shape))
	codes := randCodes(rng, 2*cfg.NumOutput*6, cfg.K)

	cb, err := codebook.New(cbData, 2, cfg.M, cfg.K, cfg.Layout)
	require.NoError(t, err)
	w, err := ConvWeights(cb, codes, cfg.NumOutput, cfg.KernelH, cfg.KernelW)
	require.NoError(t, err)
	want, wantShape, err := ConvForward(w, bias, in, shape, cfg)
	require.NoError(t, err)

	packed, err := bitcode.NewPacked(codes, 2, cfg.WordBits)
	require.NoError(t, err)
	require.NoError(t, c.Bind(cbData, bias, packed))
	outShape, err := c.Reshape(shape)
	require.NoError(t, err)
	assert.Equal(t, wantShape, outShape)
	got := make([]float32, layerSize(outShape))
	require.NoError(t, c.Forward(in, got))
	assert.InDeltaSlice(t, want, got, 1e-4)
}

func layerSize(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func TestEncodeRecoversCodes(t *testing.T) {
	rng := rand.New(rand.NewSource(23))
	for _, layout := range []codebook.Layout{codebook.DimensionMajor, codebook.CodewordMajor} {
		cb, err := codebook.New(randFloats(rng, 3*4*8), 3, 4, 8, layout)
		require.NoError(t, err)

		codes := randCodes(rng, 3*5, 8)
		w, err := LinearWeights(cb, codes, 5)
		require.NoError(t, err)
		got, err := EncodeLinear(cb, w)
		require.NoError(t, err)
		assert.Equal(t, codes, got)

		codes = randCodes(rng, 3*2*4, 8)
		fw, err := ConvWeights(cb, codes, 2, 2, 2)
		require.NoError(t, err)
		got, err = EncodeConv(cb, fw, 2, 2)
		require.NoError(t, err)
		assert.Equal(t, codes, got)
	}
}
