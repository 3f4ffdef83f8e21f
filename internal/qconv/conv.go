// Package qconv implements a 2-D convolution whose filters are
// product-quantized along the input channels. Channels are split into
// M-wide slices; every (slice, output channel, kernel tap) stores the index
// of the codeword approximating those M filter weights.
//
// Forward multiplies each channel slice of an image with its codebook once,
// giving one full response plane per codeword, then scatter-adds the planes
// selected by the indices into the output with the kernel's offsets.
package qconv

import (
	"fmt"

	"github.com/viterin/vek/vek32"
	"golang.org/x/sync/errgroup"

	"github.com/qrv0/pqk/internal/bitcode"
	"github.com/qrv0/pqk/internal/codebook"
	"github.com/qrv0/pqk/internal/layer"
	"github.com/qrv0/pqk/internal/params"
)

// Config is the architecture of a quantized convolution.
type Config struct {
	NumOutput int
	KernelH   int
	KernelW   int
	// Strides and dilations default to 1, padding to 0.
	StrideH   int
	StrideW   int
	PadH      int
	PadW      int
	DilationH int
	DilationW int

	M int
	K int
	// WordBits is the width of the packed index words. Defaults to 32.
	WordBits int
	// Layout of each codebook slice. Defaults to CodewordMajor.
	Layout codebook.Layout
	// BiasTerm adds a per-output-channel bias. The bias slot is only
	// required when set.
	BiasTerm bool
	// Channels fixes the input channel count. Zero infers it at the first
	// Reshape.
	Channels int
}

// Conv is a quantized convolution operator over NCHW tensors.
type Conv struct {
	cfg    Config
	bits   int
	opts   layer.Options
	params *params.Set
	state  layer.State

	paramsGen uint64

	channels int
	n, h, w  int
	oh, ow   int

	cb       *codebook.Codebook
	bias     []float32
	codes    []int
	codesGen uint64
	decoded  bool

	chunks [][2]int
	tables [][]float32
}

// New validates cfg and returns an operator with unbound parameters.
func New(cfg Config, opts ...layer.Option) (*Conv, error) {
	const op = "qconv.New"
	defaults := []*int{&cfg.StrideH, &cfg.StrideW, &cfg.DilationH, &cfg.DilationW}
	for _, p := range defaults {
		if *p == 0 {
			*p = 1
		}
	}
	if cfg.WordBits == 0 {
		cfg.WordBits = 32
	}
	if cfg.Layout == codebook.LayoutDefault {
		cfg.Layout = codebook.CodewordMajor
	}
	if cfg.NumOutput <= 0 {
		return nil, layer.Configf(op, "num_output", "must be positive, got %d", cfg.NumOutput)
	}
	if cfg.KernelH <= 0 || cfg.KernelW <= 0 {
		return nil, layer.Configf(op, "kernel", "must be positive, got %dx%d", cfg.KernelH, cfg.KernelW)
	}
	if cfg.StrideH < 0 || cfg.StrideW < 0 {
		return nil, layer.Configf(op, "stride", "must be positive, got %dx%d", cfg.StrideH, cfg.StrideW)
	}
	if cfg.DilationH < 0 || cfg.DilationW < 0 {
		return nil, layer.Configf(op, "dilation", "must be positive, got %dx%d", cfg.DilationH, cfg.DilationW)
	}
	if cfg.PadH < 0 || cfg.PadW < 0 {
		return nil, layer.Configf(op, "pad", "must not be negative, got %dx%d", cfg.PadH, cfg.PadW)
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
	if cfg.Channels < 0 || (cfg.Channels > 0 && cfg.Channels%cfg.M != 0) {
		return nil, layer.Configf(op, "channels", "%d is not a positive multiple of m=%d", cfg.Channels, cfg.M)
	}
	return &Conv{
		cfg:      cfg,
		bits:     bits,
		opts:     layer.Apply(opts...),
		params:   params.NewSet(cfg.BiasTerm),
		channels: cfg.Channels,
	}, nil
}

// Config returns the configuration with defaults applied.
func (c *Conv) Config() Config { return c.cfg }

// State returns the lifecycle state. Rebinding any parameter slot drops a
// ready operator back to Configured until the next Reshape.
func (c *Conv) State() layer.State {
	switch {
	case !c.params.Complete():
		return layer.Uninitialized
	case c.state < layer.Configured || c.params.Generation() != c.paramsGen:
		return layer.Configured
	}
	return c.state
}

// Params exposes the parameter bundle for slot-by-slot binding.
func (c *Conv) Params() *params.Set { return c.params }

// Channels returns the input channel count, zero before the first Reshape
// unless configured.
func (c *Conv) Channels() int { return c.channels }

// Bind binds the parameter blocks. bias may be nil when the layer has no
// bias term.
func (c *Conv) Bind(cb, bias []float32, codes bitcode.Packed) error {
	if codes.WordBits != c.cfg.WordBits {
		return layer.Configf("qconv.Bind", "codes", "buffer has %d-bit words, layer expects %d", codes.WordBits, c.cfg.WordBits)
	}
	c.params.Codebook.Bind(cb)
	if bias != nil || c.cfg.BiasTerm {
		c.params.Bias.Bind(bias)
	}
	c.params.Codes.Bind(codes)
	return nil
}

// OutputSize returns the output extent of one spatial axis, or a value
// below 1 when the dilated kernel does not fit the padded input.
func OutputSize(in, kernel, stride, pad, dilation int) int {
	span := in + 2*pad - (dilation*(kernel-1) + 1)
	if span < 0 {
		return 0
	}
	return span/stride + 1
}

// Reshape validates an [N, C, H, W] input shape, decodes the indices if
// needed and returns [N, NumOutput, OH, OW].
func (c *Conv) Reshape(shape []int) ([]int, error) {
	const op = "qconv.Reshape"
	if !c.params.Complete() {
		return nil, fmt.Errorf("%s: %w: unbound parameters %v", op, layer.ErrState, c.params.Missing())
	}
	c.state = layer.Configured
	if len(shape) != 4 {
		return nil, layer.Configf(op, "shape", "want [N, C, H, W], got %v", shape)
	}
	n, ch, h, w := shape[0], shape[1], shape[2], shape[3]
	if n < 0 || ch <= 0 || h <= 0 || w <= 0 {
		return nil, layer.Configf(op, "shape", "invalid input shape %v", shape)
	}
	if c.channels != 0 && ch != c.channels {
		return nil, layer.Configf(op, "channels", "input has %d channels, layer has %d", ch, c.channels)
	}
	if ch%c.cfg.M != 0 {
		return nil, layer.Configf(op, "m", "%d channels are not divisible by subspace width %d", ch, c.cfg.M)
	}
	oh := OutputSize(h, c.cfg.KernelH, c.cfg.StrideH, c.cfg.PadH, c.cfg.DilationH)
	ow := OutputSize(w, c.cfg.KernelW, c.cfg.StrideW, c.cfg.PadW, c.cfg.DilationW)
	if oh < 1 || ow < 1 {
		return nil, layer.Configf(op, "kernel", "%dx%d kernel does not fit %dx%d input", c.cfg.KernelH, c.cfg.KernelW, h, w)
	}
	if err := c.bindGeometry(ch); err != nil {
		return nil, err
	}
	c.channels = ch
	c.state = layer.Reshaped

	if n != c.n || h*w != c.h*c.w || c.tables == nil {
		c.chunks = layer.Chunks(n, c.opts.Workers)
		c.tables = make([][]float32, len(c.chunks))
		for i := range c.tables {
			c.tables[i] = make([]float32, c.cfg.K*h*w)
		}
	}
	c.n, c.h, c.w, c.oh, c.ow = n, h, w, oh, ow
	c.paramsGen = c.params.Generation()
	c.state = layer.Ready
	c.opts.Logger.Debug("reshaped", "op", "qconv", "input", shape, "output", []int{n, c.cfg.NumOutput, oh, ow})
	return []int{n, c.cfg.NumOutput, oh, ow}, nil
}

func (c *Conv) bindGeometry(channels int) error {
	const op = "qconv.Reshape"
	slices := channels / c.cfg.M
	cbData, _ := c.params.Codebook.Value()
	bias, _ := c.params.Bias.Value()
	packed, _ := c.params.Codes.Value()

	cb, err := codebook.New(cbData, slices, c.cfg.M, c.cfg.K, c.cfg.Layout)
	if err != nil {
		return &layer.ConfigError{Op: op, Field: "codebook", Err: err}
	}
	if packed.WordBits != c.cfg.WordBits {
		return layer.Configf(op, "codes", "buffer has %d-bit words, layer expects %d", packed.WordBits, c.cfg.WordBits)
	}
	if c.cfg.BiasTerm && len(bias) != c.cfg.NumOutput {
		return layer.Configf(op, "bias", "have %d values, want %d", len(bias), c.cfg.NumOutput)
	}
	total := slices * c.cfg.NumOutput * c.cfg.KernelH * c.cfg.KernelW
	gen := c.params.Codes.Generation()
	if !c.decoded || gen != c.codesGen || len(c.codes) != total {
		codes, err := c.opts.Cache.Decode(packed, total, c.bits)
		if err != nil {
			return &layer.ConfigError{Op: op, Field: "codes", Err: err}
		}
		c.codes = codes
		c.codesGen = gen
		c.decoded = true
		c.opts.Logger.Debug("decoded codebook indices",
			"op", "qconv", "codes", total, "bits", c.bits, "word_bits", packed.WordBits)
	}
	c.cb = cb
	c.bias = bias
	return nil
}

// Forward convolves in ([N, C, H, W]) into out ([N, NumOutput, OH, OW]).
// Nothing is written to out unless the call succeeds validation.
func (c *Conv) Forward(in, out []float32) error {
	const op = "qconv.Forward"
	if st := c.State(); st != layer.Ready {
		return fmt.Errorf("%s: %w: state is %v", op, layer.ErrState, st)
	}
	inSize := c.channels * c.h * c.w
	outSize := c.cfg.NumOutput * c.oh * c.ow
	if len(in) != c.n*inSize {
		return fmt.Errorf("%s: %w: input has %d values, want %d", op, layer.ErrShape, len(in), c.n*inSize)
	}
	if len(out) != c.n*outSize {
		return fmt.Errorf("%s: %w: output has %d values, want %d", op, layer.ErrShape, len(out), c.n*outSize)
	}
	if len(c.chunks) == 1 {
		for i := 0; i < c.n; i++ {
			c.forwardImage(in[i*inSize:(i+1)*inSize], out[i*outSize:(i+1)*outSize], c.tables[0])
		}
		return nil
	}
	var g errgroup.Group
	for t, ch := range c.chunks {
		table := c.tables[t]
		lo, hi := ch[0], ch[1]
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				c.forwardImage(in[i*inSize:(i+1)*inSize], out[i*outSize:(i+1)*outSize], table)
			}
			return nil
		})
	}
	return g.Wait()
}

// forwardImage computes one output image using table as K x H*W scratch.
func (c *Conv) forwardImage(in, out, table []float32) {
	cfg := &c.cfg
	m, hw := cfg.M, c.h*c.w
	plane := c.oh * c.ow
	taps := cfg.KernelH * cfg.KernelW
	clear(out)
	for j := 0; j < c.channels/m; j++ {
		c.cb.Planes(c.opts.Mode, j, in[j*m*hw:(j+1)*m*hw], hw, table)
		idx := c.codes[j*cfg.NumOutput*taps : (j+1)*cfg.NumOutput*taps]
		for o := 0; o < cfg.NumOutput; o++ {
			dst := out[o*plane : (o+1)*plane]
			for kh := 0; kh < cfg.KernelH; kh++ {
				ohLo, ohHi := validSpan(c.h, cfg.PadH, kh, cfg.DilationH, cfg.StrideH, c.oh)
				for kw := 0; kw < cfg.KernelW; kw++ {
					owLo, owHi := validSpan(c.w, cfg.PadW, kw, cfg.DilationW, cfg.StrideW, c.ow)
					if ohLo >= ohHi || owLo >= owHi {
						continue
					}
					src := table[idx[o*taps+kh*cfg.KernelW+kw]*hw:]
					c.scatter(dst, src, kh, kw, ohLo, ohHi, owLo, owHi)
				}
			}
		}
	}
	if cfg.BiasTerm {
		for o := 0; o < cfg.NumOutput; o++ {
			vek32.AddNumber_Inplace(out[o*plane:(o+1)*plane], c.bias[o])
		}
	}
}

// scatter adds the response plane src, shifted for tap (kh, kw), into the
// in-bounds output window [ohLo, ohHi) x [owLo, owHi) of dst.
func (c *Conv) scatter(dst, src []float32, kh, kw, ohLo, ohHi, owLo, owHi int) {
	cfg := &c.cfg
	for y := ohLo; y < ohHi; y++ {
		iy := y*cfg.StrideH + kh*cfg.DilationH - cfg.PadH
		row := src[iy*c.w:]
		d := dst[y*c.ow:]
		ix := owLo*cfg.StrideW + kw*cfg.DilationW - cfg.PadW
		if cfg.StrideW == 1 {
			vek32.Add_Inplace(d[owLo:owHi], row[ix:ix+owHi-owLo])
			continue
		}
		for x := owLo; x < owHi; x++ {
			d[x] += row[ix]
			ix += cfg.StrideW
		}
	}
}

// validSpan returns the output range [lo, hi) whose input coordinate
// o*stride + tap*dilation - pad falls inside [0, in).
func validSpan(in, pad, tap, dilation, stride, out int) (int, int) {
	base := tap*dilation - pad
	lo := 0
	if base < 0 {
		lo = (-base + stride - 1) / stride
	}
	last := in - 1 - base
	if last < 0 {
		return 0, 0
	}
	hi := min(out, last/stride+1)
	if lo > hi {
		lo = hi
	}
	return lo, hi
}
