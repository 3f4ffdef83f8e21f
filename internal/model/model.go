// Package model loads a .pqm container into bound quantized operators and
// runs them in sequence.
package model

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/qrv0/pqk/internal/bitcode"
	"github.com/qrv0/pqk/internal/codebook"
	"github.com/qrv0/pqk/internal/config"
	"github.com/qrv0/pqk/internal/fileformat"
	"github.com/qrv0/pqk/internal/layer"
	"github.com/qrv0/pqk/internal/qconv"
	"github.com/qrv0/pqk/internal/qlinear"
)

// Operator is what both quantized layers implement.
type Operator interface {
	Reshape(shape []int) ([]int, error)
	Forward(in, out []float32) error
	State() layer.State
}

// Layer is one loaded layer.
type Layer struct {
	Spec     config.Layer
	Op       Operator
	Codebook []float32
	Bias     []float32
	Codes    bitcode.Packed
}

// Model is a sequence of layers. It is not safe for concurrent Run calls;
// each operator owns its scratch.
type Model struct {
	Meta   *fileformat.Meta
	Layers []*Layer
	logger *slog.Logger
}

// Load opens path, reads every layer and binds it to a new operator.
// Unless opts carry one, all operators share one decode cache.
func Load(path string, opts ...layer.Option) (*Model, error) {
	r, err := fileformat.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	m, err := Read(r, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Read builds a model from an open container.
func Read(r *fileformat.Reader, opts ...layer.Option) (*Model, error) {
	meta, err := r.ReadMeta()
	if err != nil {
		return nil, err
	}
	cache, err := bitcode.NewCache(len(meta.Layers))
	if err != nil {
		return nil, err
	}
	opts = append([]layer.Option{layer.WithDecodeCache(cache)}, opts...)
	o := layer.Apply(opts...)
	m := &Model{Meta: meta, logger: o.Logger}

	codebooks := make(map[int][]float32)
	for i, spec := range meta.Layers {
		l := &Layer{Spec: spec}
		cb, ok := codebooks[spec.CodebookID]
		if !ok {
			b, err := r.SectionUncompressed(fileformat.TypeCodebooks, uint32(spec.CodebookID))
			if err != nil {
				return nil, fmt.Errorf("layer %q: %w", spec.Name, err)
			}
			if cb, err = fileformat.Float32s(b); err != nil {
				return nil, fmt.Errorf("layer %q: codebook: %w", spec.Name, err)
			}
			codebooks[spec.CodebookID] = cb
		}
		l.Codebook = cb

		b, err := r.SectionUncompressed(fileformat.TypeBias, uint32(i))
		switch {
		case errors.Is(err, fileformat.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("layer %q: %w", spec.Name, err)
		default:
			if l.Bias, err = fileformat.Float32s(b); err != nil {
				return nil, fmt.Errorf("layer %q: bias: %w", spec.Name, err)
			}
		}

		b, err = r.SectionUncompressed(fileformat.TypeCodes, uint32(i))
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", spec.Name, err)
		}
		if l.Codes, err = bitcode.FromBytes(b, spec.WordBits, binary.LittleEndian); err != nil {
			return nil, fmt.Errorf("layer %q: codes: %w", spec.Name, err)
		}

		if l.Op, err = newOperator(spec, opts); err != nil {
			return nil, fmt.Errorf("layer %q: %w", spec.Name, err)
		}
		if err := bind(l); err != nil {
			return nil, fmt.Errorf("layer %q: %w", spec.Name, err)
		}
		m.Layers = append(m.Layers, l)
	}
	m.logger.Debug("loaded model", "name", meta.Name, "layers", len(m.Layers), "codebooks", len(codebooks))
	return m, nil
}

func newOperator(spec config.Layer, opts []layer.Option) (Operator, error) {
	switch spec.Kind {
	case config.KindLinear:
		return qlinear.New(spec.LinearConfig(), opts...)
	case config.KindConv:
		cfg, err := spec.ConvConfig()
		if err != nil {
			return nil, err
		}
		return qconv.New(cfg, opts...)
	}
	return nil, fmt.Errorf("unknown kind %q", spec.Kind)
}

func bind(l *Layer) error {
	switch op := l.Op.(type) {
	case *qlinear.Linear:
		return op.Bind(l.Codebook, l.Bias, l.Codes)
	case *qconv.Conv:
		return op.Bind(l.Codebook, l.Bias, l.Codes)
	}
	return fmt.Errorf("unsupported operator %T", l.Op)
}

// Run reshapes and forwards every layer in order. shape defaults to the
// model's input shape.
func (m *Model) Run(in []float32, shape []int) ([]float32, []int, error) {
	if shape == nil {
		shape = m.Meta.InputShape
	}
	if len(m.Layers) == 0 {
		return nil, nil, errors.New("model has no layers")
	}
	cur := in
	for _, l := range m.Layers {
		outShape, err := l.Op.Reshape(shape)
		if err != nil {
			return nil, nil, fmt.Errorf("layer %q: %w", l.Spec.Name, err)
		}
		out := make([]float32, layer.Product(outShape))
		if err := l.Op.Forward(cur, out); err != nil {
			return nil, nil, fmt.Errorf("layer %q: %w", l.Spec.Name, err)
		}
		m.logger.Debug("forward", "layer", l.Spec.Name, "input", shape, "output", outShape)
		cur, shape = out, outShape
	}
	return cur, shape, nil
}

// CodebookFor wraps the layer's codebook with its geometry.
func (l *Layer) CodebookFor() (*codebook.Codebook, error) {
	spec := l.Spec
	if spec.M <= 0 || spec.Inputs%spec.M != 0 {
		return nil, fmt.Errorf("layer %q: inputs %d not divisible by m=%d", spec.Name, spec.Inputs, spec.M)
	}
	layout := spec.Layout
	switch op := l.Op.(type) {
	case *qlinear.Linear:
		layout = op.Config().Layout
	case *qconv.Conv:
		layout = op.Config().Layout
	}
	return codebook.New(l.Codebook, spec.Inputs/spec.M, spec.M, spec.K, layout)
}

// Decoded returns the layer's codes in operator order.
func (l *Layer) Decoded() ([]int, error) {
	spec := l.Spec
	bits, ok := bitcode.BitsFor(spec.K)
	if !ok {
		return nil, fmt.Errorf("layer %q: k=%d is not a power of two", spec.Name, spec.K)
	}
	n := spec.Inputs / spec.M * spec.NumOutput
	if spec.Kind == config.KindConv {
		cfg, err := spec.ConvConfig()
		if err != nil {
			return nil, err
		}
		n *= cfg.KernelH * cfg.KernelW
	}
	return l.Codes.Decode(n, bits)
}
