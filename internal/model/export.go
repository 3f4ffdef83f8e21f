package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/qrv0/pqk/internal/codebook"
	"github.com/qrv0/pqk/internal/config"
	"github.com/qrv0/pqk/internal/qconv"
	"github.com/qrv0/pqk/internal/quant"
	"github.com/qrv0/pqk/internal/safetensors"
)

// WeightTensor is the name of the reconstructed dense weights in exported
// files.
const WeightTensor = "weight"

// Export writes each layer to dir/<name>.safetensors with its codebook,
// bias, decoded codes and reconstructed dense weights, plus a manifest.yaml
// that packs back into an equivalent model. It returns the manifest path.
func (m *Model) Export(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	man := config.Manifest{Name: m.Meta.Name, InputShape: m.Meta.InputShape}
	for _, l := range m.Layers {
		file := l.Spec.Name + ".safetensors"
		if err := l.export(filepath.Join(dir, file)); err != nil {
			return "", fmt.Errorf("layer %q: %w", l.Spec.Name, err)
		}
		spec := l.Spec
		spec.Tensors = file
		spec.Packed = false
		spec.ApplyDefaults()
		man.Layers = append(man.Layers, spec)
	}
	b, err := man.Marshal()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "manifest.yaml")
	return path, os.WriteFile(path, b, 0o644)
}

func (l *Layer) export(path string) error {
	cb, err := l.CodebookFor()
	if err != nil {
		return err
	}
	codes, err := l.Decoded()
	if err != nil {
		return err
	}
	w := safetensors.NewWriter()
	w.Metadata = map[string]string{
		"layer":  l.Spec.Name,
		"kind":   string(l.Spec.Kind),
		"layout": cb.Layout.String(),
	}
	cbShape := []int{cb.Slices, cb.M, cb.K}
	if cb.Layout == codebook.CodewordMajor {
		cbShape = []int{cb.Slices, cb.K, cb.M}
	}
	if err := w.AddF32(config.DefaultCodebookTensor, cbShape, l.Codebook); err != nil {
		return err
	}
	if l.Bias != nil {
		if err := w.AddF32(config.DefaultBiasTensor, []int{len(l.Bias)}, l.Bias); err != nil {
			return err
		}
	}
	if err := w.AddI32(config.DefaultCodesTensor, []int{len(codes)}, codes); err != nil {
		return err
	}

	switch op := l.Op.(type) {
	case *qconv.Conv:
		cfg := op.Config()
		wt, err := quant.ConvWeights(cb, codes, cfg.NumOutput, cfg.KernelH, cfg.KernelW)
		if err != nil {
			return err
		}
		shape := []int{cfg.NumOutput, cb.Slices * cb.M, cfg.KernelH, cfg.KernelW}
		if err := w.AddF32(WeightTensor, shape, narrow(wt.RawMatrix().Data)); err != nil {
			return err
		}
	default:
		wt, err := quant.LinearWeights(cb, codes, l.Spec.NumOutput)
		if err != nil {
			return err
		}
		r, c := wt.Dims()
		if err := w.AddF32(WeightTensor, []int{r, c}, narrow(wt.RawMatrix().Data)); err != nil {
			return err
		}
	}
	return w.Write(path)
}

func narrow(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
