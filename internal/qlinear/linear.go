// Package qlinear implements a fully-connected layer whose weight matrix is
// product-quantized: each M-wide input slice has its own codebook of K
// codewords and every (slice, output) pair stores the index of the codeword
// approximating that block of weights.
//
// Forward computes, per slice, the product of the input slice with every
// codeword (a K-wide lookup table) and then gathers table entries into the
// outputs, so the dense weights are never materialized.
package qlinear

import (
	"fmt"

	"github.com/viterin/vek/vek32"
	"golang.org/x/sync/errgroup"

	"github.com/qrv0/pqk/internal/bitcode"
	"github.com/qrv0/pqk/internal/codebook"
	"github.com/qrv0/pqk/internal/layer"
	"github.com/qrv0/pqk/internal/params"
)

// Config is the architecture of a quantized fully-connected layer.
type Config struct {
	NumOutput int
	// M is the subspace width, K the number of codewords per subspace.
	M int
	K int
	// WordBits is the width of the packed index words. Defaults to 8.
	WordBits int
	// Layout of each codebook slice. Defaults to DimensionMajor.
	Layout codebook.Layout
	// Axis splits the input shape into batch dims (before) and the reduced
	// dims (from Axis on). Defaults to 1.
	Axis int
	// NumInput fixes the reduced width. Zero infers it at the first Reshape.
	NumInput int
}

// Linear is a quantized fully-connected operator.
type Linear struct {
	cfg    Config
	bits   int
	opts   layer.Options
	params *params.Set
	state  layer.State

	// paramsGen is the parameter generation the last Reshape validated.
	paramsGen uint64

	numInput int
	batch    int
	shape    []int

	cb       *codebook.Codebook
	bias     []float32
	codes    []int
	codesGen uint64
	decoded  bool

	chunks [][2]int
	tables [][]float32
}

// New validates cfg and returns an operator with unbound parameters.
func New(cfg Config, opts ...layer.Option) (*Linear, error) {
	const op = "qlinear.New"
	if cfg.WordBits == 0 {
		cfg.WordBits = 8
	}
	if cfg.Axis == 0 {
		cfg.Axis = 1
	}
	if cfg.Layout == codebook.LayoutDefault {
		cfg.Layout = codebook.DimensionMajor
	}
	if cfg.NumOutput <= 0 {
		return nil, layer.Configf(op, "num_output", "must be positive, got %d", cfg.NumOutput)
	}
	if cfg.M <= 0 {
		return nil, layer.Configf(op, "m", "must be positive, got %d", cfg.M)
	}
	bits, ok := bitcode.BitsFor(cfg.K)
	if !ok {
		return nil, layer.Configf(op, "k", "%d is not a power of two", cfg.K)
	}
	if !bitcode.IsMachineWidth(cfg.WordBits) {
		return nil, layer.Configf(op, "word_bits", "%d is not one of 8, 16, 32, 64", cfg.WordBits)
	}
	if bits > cfg.WordBits {
		return nil, layer.Configf(op, "word_bits", "%d-bit codes do not fit %d-bit words", bits, cfg.WordBits)
	}
	if cfg.Layout != codebook.DimensionMajor && cfg.Layout != codebook.CodewordMajor {
		return nil, layer.Configf(op, "layout", "unknown layout %v", cfg.Layout)
	}
	if cfg.Axis < 0 {
		return nil, layer.Configf(op, "axis", "must not be negative, got %d", cfg.Axis)
	}
	if cfg.NumInput < 0 || (cfg.NumInput > 0 && cfg.NumInput%cfg.M != 0) {
		return nil, layer.Configf(op, "num_input", "%d is not a positive multiple of m=%d", cfg.NumInput, cfg.M)
	}
	return &Linear{
		cfg:      cfg,
		bits:     bits,
		opts:     layer.Apply(opts...),
		params:   params.NewSet(true),
		numInput: cfg.NumInput,
	}, nil
}

// Config returns the configuration with defaults applied.
func (l *Linear) Config() Config { return l.cfg }

// State returns the lifecycle state. Rebinding any parameter slot drops a
// ready operator back to Configured until the next Reshape.
func (l *Linear) State() layer.State {
	switch {
	case !l.params.Complete():
		return layer.Uninitialized
	case l.state < layer.Configured || l.params.Generation() != l.paramsGen:
		return layer.Configured
	}
	return l.state
}

// Params exposes the parameter bundle for slot-by-slot binding.
func (l *Linear) Params() *params.Set { return l.params }

// NumInput returns the reduced input width, zero before the first Reshape
// unless configured.
func (l *Linear) NumInput() int { return l.numInput }

// Bind binds the three parameter blocks. The packed word width must match
// the configured one.
func (l *Linear) Bind(cb, bias []float32, codes bitcode.Packed) error {
	if codes.WordBits != l.cfg.WordBits {
		return layer.Configf("qlinear.Bind", "codes", "buffer has %d-bit words, layer expects %d", codes.WordBits, l.cfg.WordBits)
	}
	l.params.Codebook.Bind(cb)
	l.params.Bias.Bind(bias)
	l.params.Codes.Bind(codes)
	return nil
}

// Reshape validates the input shape against the configuration and bound
// parameters, decodes the indices if needed and returns the output shape.
// It is idempotent for an unchanged shape and parameters.
func (l *Linear) Reshape(shape []int) ([]int, error) {
	const op = "qlinear.Reshape"
	if !l.params.Complete() {
		return nil, fmt.Errorf("%s: %w: unbound parameters %v", op, layer.ErrState, l.params.Missing())
	}
	l.state = layer.Configured
	axis := l.cfg.Axis
	if axis > len(shape) {
		return nil, layer.Configf(op, "axis", "axis %d out of range for shape %v", axis, shape)
	}
	batch := layer.Product(shape[:axis])
	width := layer.Product(shape[axis:])
	if width <= 0 || batch < 0 {
		return nil, layer.Configf(op, "shape", "invalid input shape %v", shape)
	}
	if l.numInput != 0 && width != l.numInput {
		return nil, layer.Configf(op, "num_input", "input size %d incompatible with layer width %d", width, l.numInput)
	}
	if width%l.cfg.M != 0 {
		return nil, layer.Configf(op, "m", "input width %d is not divisible by subspace width %d", width, l.cfg.M)
	}
	if err := l.bindGeometry(width); err != nil {
		return nil, err
	}
	l.numInput = width
	l.state = layer.Reshaped

	if batch != l.batch || l.tables == nil {
		l.batch = batch
		l.chunks = layer.Chunks(batch, l.opts.Workers)
		l.tables = make([][]float32, len(l.chunks))
		for i, c := range l.chunks {
			l.tables[i] = make([]float32, (c[1]-c[0])*l.cfg.K)
		}
	}
	l.shape = append(append([]int(nil), shape[:axis]...), l.cfg.NumOutput)
	l.paramsGen = l.params.Generation()
	l.state = layer.Ready
	return append([]int(nil), l.shape...), nil
}

// bindGeometry validates parameter sizes for width and decodes the indices
// when the packed buffer or the geometry changed.
func (l *Linear) bindGeometry(width int) error {
	const op = "qlinear.Reshape"
	slices := width / l.cfg.M
	cbData, _ := l.params.Codebook.Value()
	bias, _ := l.params.Bias.Value()
	packed, _ := l.params.Codes.Value()

	cb, err := codebook.New(cbData, slices, l.cfg.M, l.cfg.K, l.cfg.Layout)
	if err != nil {
		return &layer.ConfigError{Op: op, Field: "codebook", Err: err}
	}
	if packed.WordBits != l.cfg.WordBits {
		return layer.Configf(op, "codes", "buffer has %d-bit words, layer expects %d", packed.WordBits, l.cfg.WordBits)
	}
	if len(bias) != l.cfg.NumOutput {
		return layer.Configf(op, "bias", "have %d values, want %d", len(bias), l.cfg.NumOutput)
	}
	total := slices * l.cfg.NumOutput
	gen := l.params.Codes.Generation()
	if !l.decoded || gen != l.codesGen || len(l.codes) != total {
		codes, err := l.opts.Cache.Decode(packed, total, l.bits)
		if err != nil {
			return &layer.ConfigError{Op: op, Field: "codes", Err: err}
		}
		l.codes = codes
		l.codesGen = gen
		l.decoded = true
		l.opts.Logger.Debug("decoded codebook indices",
			"op", "qlinear", "codes", total, "bits", l.bits, "word_bits", packed.WordBits)
	}
	l.cb = cb
	l.bias = bias
	return nil
}

// Forward computes out = W x + bias for every batch row of in. Both buffers
// are row-major with the geometry of the last Reshape. Nothing is written
// to out unless the call succeeds validation.
func (l *Linear) Forward(in, out []float32) error {
	const op = "qlinear.Forward"
	if st := l.State(); st != layer.Ready {
		return fmt.Errorf("%s: %w: state is %v", op, layer.ErrState, st)
	}
	if len(in) != l.batch*l.numInput {
		return fmt.Errorf("%s: %w: input has %d values, want %d", op, layer.ErrShape, len(in), l.batch*l.numInput)
	}
	if len(out) != l.batch*l.cfg.NumOutput {
		return fmt.Errorf("%s: %w: output has %d values, want %d", op, layer.ErrShape, len(out), l.batch*l.cfg.NumOutput)
	}
	if len(l.chunks) == 1 {
		l.forwardRows(in, out, l.chunks[0][0], l.chunks[0][1], l.tables[0])
		return nil
	}
	var g errgroup.Group
	for i, c := range l.chunks {
		table := l.tables[i]
		lo, hi := c[0], c[1]
		g.Go(func() error {
			l.forwardRows(in, out, lo, hi, table)
			return nil
		})
	}
	return g.Wait()
}

// forwardRows handles batch rows [lo, hi) using table as lookup scratch.
func (l *Linear) forwardRows(in, out []float32, lo, hi int, table []float32) {
	numIn, numOut, m, k := l.numInput, l.cfg.NumOutput, l.cfg.M, l.cfg.K
	rows := hi - lo
	dst := out[lo*numOut : hi*numOut]
	clear(dst)
	for j := 0; j < numIn/m; j++ {
		l.cb.Rows(l.opts.Mode, j, in[lo*numIn+j*m:], rows, numIn, table)
		idx := l.codes[j*numOut : (j+1)*numOut]
		for r := 0; r < rows; r++ {
			t := table[r*k : (r+1)*k]
			o := dst[r*numOut : (r+1)*numOut]
			for n, c := range idx {
				o[n] += t[c]
			}
		}
	}
	for r := 0; r < rows; r++ {
		vek32.Add_Inplace(dst[r*numOut:(r+1)*numOut], l.bias)
	}
}
