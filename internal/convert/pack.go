// Package convert packs the layers of a manifest and their safetensors
// parameters into a .pqm container.
package convert

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/zeebo/xxh3"

	"github.com/qrv0/pqk/internal/bitcode"
	"github.com/qrv0/pqk/internal/config"
	"github.com/qrv0/pqk/internal/fileformat"
	"github.com/qrv0/pqk/internal/qconv"
	"github.com/qrv0/pqk/internal/qlinear"
	"github.com/qrv0/pqk/internal/safetensors"
)

// Options control packing.
type Options struct {
	// Compress is the flag applied to every parameter section.
	Compress uint32
	// Chunk is the checksum chunk size. Defaults to 1 MiB.
	Chunk  int
	Logger *slog.Logger
}

// LayerParams are the parameters of one layer, ready to be packed.
type LayerParams struct {
	Codebook []float32
	Bias     []float32
	Codes    bitcode.Packed
}

// Pack reads every layer of m from its tensor file and writes the
// container to out.
func Pack(m *config.Manifest, out string, opts Options) (*fileformat.Meta, error) {
	params := make([]LayerParams, len(m.Layers))
	for i := range m.Layers {
		l := &m.Layers[i]
		p, err := ReadLayer(l, m.TensorPath(*l))
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", l.Name, err)
		}
		params[i] = p
	}
	return Write(out, m.Name, m.InputShape, m.Layers, params, opts)
}

// ReadLayer loads a layer's tensors and packs its codes at the layer's
// word width. l.Inputs is filled in from the codebook size.
func ReadLayer(l *config.Layer, path string) (LayerParams, error) {
	st, err := safetensors.Open(path)
	if err != nil {
		return LayerParams{}, err
	}
	var p LayerParams
	cb, err := st.Tensor(l.CodebookTensor)
	if err != nil {
		return p, err
	}
	if p.Codebook, err = cb.Float32s(); err != nil {
		return p, err
	}
	if l.Kind == config.KindLinear || l.BiasTerm {
		bt, err := st.Tensor(l.BiasTensor)
		if err != nil {
			return p, err
		}
		if p.Bias, err = bt.Float32s(); err != nil {
			return p, err
		}
	}
	ct, err := st.Tensor(l.CodesTensor)
	if err != nil {
		return p, err
	}
	wordBits := l.WordBits
	if wordBits == 0 {
		wordBits = defaultWordBits(l.Kind)
	}
	if l.Packed {
		words, err := ct.Uint64s()
		if err != nil {
			return p, err
		}
		p.Codes = bitcode.Packed{WordBits: wordBits, Words: words}
	} else {
		codes, err := ct.Ints()
		if err != nil {
			return p, err
		}
		bits, ok := bitcode.BitsFor(l.K)
		if !ok {
			return p, fmt.Errorf("k %d is not a power of two", l.K)
		}
		if p.Codes, err = bitcode.NewPacked(codes, bits, wordBits); err != nil {
			return p, fmt.Errorf("packing codes: %w", err)
		}
	}
	return p, nil
}

func defaultWordBits(k config.Kind) int {
	if k == config.KindConv {
		return 32
	}
	return 8
}

// Write validates every layer against its parameters by building the
// operator, dedups identical codebooks and writes the container.
func Write(out, name string, inputShape []int, layers []config.Layer, params []LayerParams, opts Options) (*fileformat.Meta, error) {
	if len(layers) != len(params) {
		return nil, fmt.Errorf("convert: %d layers, %d parameter sets", len(layers), len(params))
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	meta := &fileformat.Meta{
		FormatVersion: fileformat.FormatVersion,
		Name:          name,
		InputShape:    inputShape,
		ChecksumIndex: make(map[string]fileformat.Checksum),
	}
	w := fileformat.NewWriter()
	add := func(t, index uint32, data []byte, flags uint32) {
		w.AddSection(t, index, data, flags)
		meta.ChecksumIndex[fileformat.SectionKey(t, index)] = fileformat.NewChecksum(data, opts.Chunk)
	}

	type pooled struct {
		key  uint64
		data []byte
	}
	var pool []pooled
	for i := range layers {
		l := layers[i]
		p := params[i]
		if err := Check(&l, p); err != nil {
			return nil, fmt.Errorf("layer %q: %w", l.Name, err)
		}
		cb := fileformat.Float32Bytes(p.Codebook)
		key := xxh3.Hash(cb)
		id := -1
		for j, e := range pool {
			if e.key == key && bytes.Equal(e.data, cb) {
				id = j
				break
			}
		}
		if id < 0 {
			id = len(pool)
			pool = append(pool, pooled{key: key, data: cb})
			meta.Codebooks = append(meta.Codebooks, fileformat.CodebookInfo{ID: id, Values: len(p.Codebook), Hash: fmt.Sprintf("%016x", key)})
			add(fileformat.TypeCodebooks, uint32(id), cb, opts.Compress)
		} else {
			logger.Debug("shared codebook", "layer", l.Name, "codebook_id", id)
		}
		l.CodebookID = id
		if p.Bias != nil {
			add(fileformat.TypeBias, uint32(i), fileformat.Float32Bytes(p.Bias), opts.Compress)
		}
		words, err := p.Codes.Bytes(binary.LittleEndian)
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", l.Name, err)
		}
		add(fileformat.TypeCodes, uint32(i), words, opts.Compress)
		meta.Layers = append(meta.Layers, l)
		logger.Info("packed layer", "layer", l.Name, "kind", l.Kind, "inputs", l.Inputs,
			"num_output", l.NumOutput, "codes_bytes", len(words), "codebook_id", id)
	}

	mb, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	w.AddSection(fileformat.TypeMeta, 0, mb, 0)
	if err := w.Write(out); err != nil {
		return nil, fmt.Errorf("writing %s: %w", out, err)
	}
	return meta, nil
}

// Check resolves the defaults of l against p and validates the layer by
// binding p to its operator and reshaping to the smallest valid input.
func Check(l *config.Layer, p LayerParams) error {
	if l.M <= 0 || l.K <= 0 || len(p.Codebook)%(l.M*l.K) != 0 || len(p.Codebook) == 0 {
		return fmt.Errorf("codebook has %d values, not a multiple of m*k=%d", len(p.Codebook), l.M*l.K)
	}
	inputs := len(p.Codebook) / l.K
	if l.Inputs != 0 && l.Inputs != inputs {
		return fmt.Errorf("codebook covers %d inputs, layer declares %d", inputs, l.Inputs)
	}
	l.Inputs = inputs
	switch l.Kind {
	case config.KindLinear:
		op, err := qlinear.New(l.LinearConfig())
		if err != nil {
			return err
		}
		if err := op.Bind(p.Codebook, p.Bias, p.Codes); err != nil {
			return err
		}
		l.WordBits, l.Layout = op.Config().WordBits, op.Config().Layout
		axis := op.Config().Axis
		probe := make([]int, axis+1)
		for i := range probe {
			probe[i] = 1
		}
		probe[axis] = inputs
		_, err = op.Reshape(probe)
		return err
	case config.KindConv:
		cfg, err := l.ConvConfig()
		if err != nil {
			return err
		}
		if !cfg.BiasTerm && p.Bias != nil {
			return fmt.Errorf("bias tensor given but bias_term is false")
		}
		op, err := qconv.New(cfg)
		if err != nil {
			return err
		}
		if err := op.Bind(p.Codebook, p.Bias, p.Codes); err != nil {
			return err
		}
		l.WordBits, l.Layout = cfg.WordBits, cfg.Layout
		h := cfg.DilationH*(cfg.KernelH-1) + 1
		w := cfg.DilationW*(cfg.KernelW-1) + 1
		_, err = op.Reshape([]int{1, inputs, h, w})
		return err
	}
	return fmt.Errorf("unknown kind %q", l.Kind)
}
