// Package fixture holds the two reference layers with known outputs and
// writes them as safetensors plus a manifest.
package fixture

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/qrv0/pqk/internal/bitcode"
	"github.com/qrv0/pqk/internal/codebook"
	"github.com/qrv0/pqk/internal/config"
	"github.com/qrv0/pqk/internal/safetensors"
)

// Case is one layer with its parameters, an input and the expected output.
type Case struct {
	Layer      config.Layer
	Codebook   []float32
	Bias       []float32
	Codes      bitcode.Packed
	Input      []float32
	InputShape []int
	Want       []float32
	WantShape  []int
}

// Linear is an 8-wide fully-connected layer with 5 outputs, M=2, K=2 and
// codes packed into bytes.
func Linear() Case {
	in := make([]float32, 8)
	cb := make([]float32, 16)
	for i := 0; i < 8; i++ {
		in[i] = float32(i/2 + 1)
		cb[2*i] = float32(i/2 + i%2)
		cb[2*i+1] = float32(i/2 + i%2 + 2)
	}
	return Case{
		Layer: config.Layer{
			Name: "fc", Kind: config.KindLinear,
			NumOutput: 5, M: 2, K: 2, WordBits: 8, Layout: codebook.DimensionMajor,
		},
		Codebook:   cb,
		Bias:       []float32{1, 1, 1, 1, 1},
		Codes:      bitcode.FromUint8([]byte{0x08, 0xce, 0xf0, 0x00}),
		Input:      in,
		InputShape: []int{1, 8},
		Want:       []float32{51, 67, 79, 87, 91},
		WantShape:  []int{1, 5},
	}
}

// Conv is a 3x3, stride 2, pad 1 convolution of a 4-channel 5x5 image into
// 2 channels with M=2, K=2 and 32-bit code words.
func Conv() Case {
	cb := make([]float32, 8)
	for i := range cb {
		cb[i] = float32(i + 1)
	}
	in := make([]float32, 100)
	for i := range in {
		in[i] = float32(i + 1)
	}
	return Case{
		Layer: config.Layer{
			Name: "conv", Kind: config.KindConv,
			NumOutput: 2, M: 2, K: 2, WordBits: 32, Layout: codebook.CodewordMajor,
			Kernel: []int{3, 3}, Stride: []int{2, 2}, Pad: []int{1, 1}, BiasTerm: true,
		},
		Codebook:   cb,
		Bias:       []float32{0, -1},
		Codes:      bitcode.FromUint32([]uint32{88848439, 1879048192}),
		Input:      in,
		InputShape: []int{1, 4, 5, 5},
		Want: []float32{
			3634, 5396, 3482, 6548, 9788, 6424, 4834, 7334, 4888,
			4161, 6611, 4745, 6881, 11039, 7723, 4853, 7947, 5525,
		},
		WantShape: []int{1, 2, 3, 3},
	}
}

// WriteTensors writes c's parameters to path. With packed the codes tensor
// holds the packed words; otherwise one decoded code per element.
func (c Case) WriteTensors(path string, packed bool) error {
	w := safetensors.NewWriter()
	w.Metadata = map[string]string{"layer": c.Layer.Name}
	if err := w.AddF32(config.DefaultCodebookTensor, []int{len(c.Codebook)}, c.Codebook); err != nil {
		return err
	}
	if err := w.AddF32(config.DefaultBiasTensor, []int{len(c.Bias)}, c.Bias); err != nil {
		return err
	}
	if packed {
		b, err := c.Codes.Bytes(binary.LittleEndian)
		if err != nil {
			return err
		}
		dtype := fmt.Sprintf("U%d", c.Codes.WordBits)
		if err := w.AddRaw(config.DefaultCodesTensor, dtype, []int{len(c.Codes.Words)}, b); err != nil {
			return err
		}
	} else {
		codes, err := c.Decoded()
		if err != nil {
			return err
		}
		if err := w.AddI32(config.DefaultCodesTensor, []int{len(codes)}, codes); err != nil {
			return err
		}
	}
	return w.Write(path)
}

// Decoded returns the codes in operator order.
func (c Case) Decoded() ([]int, error) {
	bits, _ := bitcode.BitsFor(c.Layer.K)
	return c.Codes.Decode(c.codeCount(), bits)
}

func (c Case) codeCount() int {
	slices := len(c.Codebook) / (c.Layer.M * c.Layer.K)
	n := slices * c.Layer.NumOutput
	if c.Layer.Kind == config.KindConv {
		n *= c.Layer.Kernel[0] * c.Layer.Kernel[1]
	}
	return n
}

// WriteInput writes c's input as a single "input" tensor.
func (c Case) WriteInput(path string) error {
	w := safetensors.NewWriter()
	if err := w.AddF32("input", c.InputShape, c.Input); err != nil {
		return err
	}
	return w.Write(path)
}

// WriteDir writes both cases into dir: one tensor file per layer, one input
// file per layer and a manifest per layer (fc.yaml, conv.yaml).
func WriteDir(dir string, packed bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, c := range []Case{Linear(), Conv()} {
		name := c.Layer.Name
		if err := c.WriteTensors(filepath.Join(dir, name+".safetensors"), packed); err != nil {
			return err
		}
		if err := c.WriteInput(filepath.Join(dir, name+"_input.safetensors")); err != nil {
			return err
		}
		l := c.Layer
		l.Tensors = name + ".safetensors"
		l.Packed = packed
		m := config.Manifest{Name: name, InputShape: c.InputShape, Layers: []config.Layer{l}}
		b, err := m.Marshal()
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, name+".yaml"), b, 0o644); err != nil {
			return err
		}
	}
	return nil
}
