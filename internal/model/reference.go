package model

import (
	"fmt"

	"github.com/qrv0/pqk/internal/layer"
	"github.com/qrv0/pqk/internal/qconv"
	"github.com/qrv0/pqk/internal/qlinear"
	"github.com/qrv0/pqk/internal/quant"
)

// Reference runs the model on dense weights reconstructed from the
// codebooks, in float64.
func (m *Model) Reference(in []float32, shape []int) ([]float32, []int, error) {
	if shape == nil {
		shape = m.Meta.InputShape
	}
	cur := in
	for _, l := range m.Layers {
		out, outShape, err := l.reference(cur, shape)
		if err != nil {
			return nil, nil, fmt.Errorf("layer %q: %w", l.Spec.Name, err)
		}
		cur, shape = out, outShape
	}
	return cur, shape, nil
}

func (l *Layer) reference(in []float32, shape []int) ([]float32, []int, error) {
	cb, err := l.CodebookFor()
	if err != nil {
		return nil, nil, err
	}
	codes, err := l.Decoded()
	if err != nil {
		return nil, nil, err
	}
	switch op := l.Op.(type) {
	case *qlinear.Linear:
		axis := op.Config().Axis
		if axis > len(shape) {
			return nil, nil, fmt.Errorf("axis %d out of range for shape %v", axis, shape)
		}
		w, err := quant.LinearWeights(cb, codes, l.Spec.NumOutput)
		if err != nil {
			return nil, nil, err
		}
		batch := layer.Product(shape[:axis])
		out, err := quant.LinearForward(w, l.Bias, in, batch)
		if err != nil {
			return nil, nil, err
		}
		return out, append(append([]int(nil), shape[:axis]...), l.Spec.NumOutput), nil
	case *qconv.Conv:
		cfg := op.Config()
		w, err := quant.ConvWeights(cb, codes, cfg.NumOutput, cfg.KernelH, cfg.KernelW)
		if err != nil {
			return nil, nil, err
		}
		return quant.ConvForward(w, l.Bias, in, shape, cfg)
	}
	return nil, nil, fmt.Errorf("unsupported operator %T", l.Op)
}
