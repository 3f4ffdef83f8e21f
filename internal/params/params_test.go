package params

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qrv0/pqk/internal/bitcode"
)

func TestSlotLifecycle(t *testing.T) {
	s := NewSlot[[]float32]("bias")
	assert.Equal(t, Unbound, s.State())
	_, ok := s.Value()
	assert.False(t, ok)

	s.Bind([]float32{1, 2})
	v, ok := s.Value()
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2}, v)
	g := s.Generation()

	s.Bind([]float32{3})
	assert.Greater(t, s.Generation(), g)

	s.Reset()
	assert.Equal(t, Unbound, s.State())
	assert.Equal(t, "unbound", s.State().String())
}

func TestSetCompleteness(t *testing.T) {
	set := NewSet(true)
	assert.False(t, set.Complete())
	assert.Equal(t, []string{"codebook", "bias", "codes"}, set.Missing())

	set.Codebook.Bind([]float32{1})
	set.Codes.Bind(bitcode.FromUint8([]byte{0}))
	assert.False(t, set.Complete())
	assert.Equal(t, []string{"bias"}, set.Missing())

	set.Bias.Bind([]float32{0})
	assert.True(t, set.Complete())
	assert.Empty(t, set.Missing())

	noBias := NewSet(false)
	noBias.Codebook.Bind([]float32{1})
	noBias.Codes.Bind(bitcode.FromUint8([]byte{0}))
	assert.True(t, noBias.Complete())
}
