// Package config reads the YAML manifest that describes the quantized
// layers of a model and where their tensors live.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/qrv0/pqk/internal/codebook"
	"github.com/qrv0/pqk/internal/qconv"
	"github.com/qrv0/pqk/internal/qlinear"
)

// Kind selects the operator a layer is built as.
type Kind string

const (
	KindLinear Kind = "linear"
	KindConv   Kind = "conv"
)

// Default tensor names inside a layer's safetensors file.
const (
	DefaultCodebookTensor = "codebook"
	DefaultBiasTensor     = "bias"
	DefaultCodesTensor    = "codes"
)

// Layer is one quantized layer. The same struct is stored as JSON in the
// model container, without the tensor source fields.
type Layer struct {
	Name string `yaml:"name" json:"name"`
	Kind Kind   `yaml:"kind" json:"kind"`

	// Tensors is the safetensors file holding this layer's parameters,
	// relative to the manifest.
	Tensors        string `yaml:"tensors,omitempty" json:"-"`
	CodebookTensor string `yaml:"codebook_tensor,omitempty" json:"-"`
	BiasTensor     string `yaml:"bias_tensor,omitempty" json:"-"`
	CodesTensor    string `yaml:"codes_tensor,omitempty" json:"-"`
	// Packed means the codes tensor already holds packed words. Otherwise
	// it holds one integer code per element and is packed on conversion.
	Packed bool `yaml:"packed,omitempty" json:"-"`

	NumOutput int             `yaml:"num_output" json:"num_output"`
	M         int             `yaml:"m" json:"m"`
	K         int             `yaml:"k" json:"k"`
	WordBits  int             `yaml:"word_bits,omitempty" json:"word_bits"`
	Layout    codebook.Layout `yaml:"layout,omitempty" json:"layout"`

	// Inputs is the reduced input width (linear) or channel count (conv).
	// Zero in a manifest; filled in from the codebook size on conversion.
	Inputs int `yaml:"inputs,omitempty" json:"inputs"`

	// Linear only.
	Axis int `yaml:"axis,omitempty" json:"axis,omitempty"`

	// Conv only. Each is [h, w]; a single value applies to both axes.
	Kernel   []int `yaml:"kernel,flow,omitempty" json:"kernel,omitempty"`
	Stride   []int `yaml:"stride,flow,omitempty" json:"stride,omitempty"`
	Pad      []int `yaml:"pad,flow,omitempty" json:"pad,omitempty"`
	Dilation []int `yaml:"dilation,flow,omitempty" json:"dilation,omitempty"`
	BiasTerm bool  `yaml:"bias_term,omitempty" json:"bias_term,omitempty"`

	// CodebookID points into the container's codebook sections.
	CodebookID int `yaml:"-" json:"codebook_id"`
}

// Manifest is the input of `pqk pack`.
type Manifest struct {
	Name string `yaml:"name"`
	// InputShape is the shape the first layer is reshaped to by default.
	InputShape []int   `yaml:"input_shape,flow,omitempty"`
	Layers     []Layer `yaml:"layers"`

	// dir is the manifest's directory; tensor paths resolve against it.
	dir string
}

// Load reads, defaults and validates a manifest.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, err
	}
	m.dir = filepath.Dir(path)
	return m, nil
}

// Parse decodes, defaults and validates manifest YAML.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	for i := range m.Layers {
		m.Layers[i].ApplyDefaults()
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// TensorPath resolves a layer's tensor file.
func (m *Manifest) TensorPath(l Layer) string {
	if filepath.IsAbs(l.Tensors) || m.dir == "" {
		return l.Tensors
	}
	return filepath.Join(m.dir, l.Tensors)
}

// Marshal encodes the manifest as YAML.
func (m *Manifest) Marshal() ([]byte, error) { return yaml.Marshal(m) }

// Validate reports every problem found, joined.
func (m *Manifest) Validate() error {
	var errs []error
	if len(m.Layers) == 0 {
		errs = append(errs, errors.New("manifest: no layers"))
	}
	seen := make(map[string]bool, len(m.Layers))
	for i, l := range m.Layers {
		if seen[l.Name] {
			errs = append(errs, fmt.Errorf("layer %d: duplicate name %q", i, l.Name))
		}
		seen[l.Name] = true
		if l.Tensors == "" {
			errs = append(errs, fmt.Errorf("layer %q: tensors is required", l.Name))
		}
		if err := l.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ApplyDefaults fills in tensor names.
func (l *Layer) ApplyDefaults() {
	if l.CodebookTensor == "" {
		l.CodebookTensor = DefaultCodebookTensor
	}
	if l.BiasTensor == "" {
		l.BiasTensor = DefaultBiasTensor
	}
	if l.CodesTensor == "" {
		l.CodesTensor = DefaultCodesTensor
	}
}

// Validate checks the layer by building its operator configuration.
func (l *Layer) Validate() error {
	if l.Name == "" {
		return errors.New("layer: name is required")
	}
	switch l.Kind {
	case KindLinear:
		if len(l.Kernel)+len(l.Stride)+len(l.Pad)+len(l.Dilation) > 0 {
			return fmt.Errorf("layer %q: kernel geometry is only valid for conv layers", l.Name)
		}
		if _, err := qlinear.New(l.LinearConfig()); err != nil {
			return fmt.Errorf("layer %q: %w", l.Name, err)
		}
	case KindConv:
		if _, err := l.ConvConfig(); err != nil {
			return fmt.Errorf("layer %q: %w", l.Name, err)
		}
	default:
		return fmt.Errorf("layer %q: unknown kind %q", l.Name, l.Kind)
	}
	return nil
}

// LinearConfig returns the operator configuration of a linear layer.
func (l *Layer) LinearConfig() qlinear.Config {
	return qlinear.Config{
		NumOutput: l.NumOutput,
		M:         l.M,
		K:         l.K,
		WordBits:  l.WordBits,
		Layout:    l.Layout,
		Axis:      l.Axis,
		NumInput:  l.Inputs,
	}
}

// ConvConfig returns the operator configuration of a conv layer, validated.
func (l *Layer) ConvConfig() (qconv.Config, error) {
	kh, kw, err := pair("kernel", l.Kernel, 0)
	if err != nil {
		return qconv.Config{}, err
	}
	sh, sw, err := pair("stride", l.Stride, 1)
	if err != nil {
		return qconv.Config{}, err
	}
	ph, pw, err := pair("pad", l.Pad, 0)
	if err != nil {
		return qconv.Config{}, err
	}
	dh, dw, err := pair("dilation", l.Dilation, 1)
	if err != nil {
		return qconv.Config{}, err
	}
	cfg := qconv.Config{
		NumOutput: l.NumOutput,
		KernelH:   kh,
		KernelW:   kw,
		StrideH:   sh,
		StrideW:   sw,
		PadH:      ph,
		PadW:      pw,
		DilationH: dh,
		DilationW: dw,
		M:         l.M,
		K:         l.K,
		WordBits:  l.WordBits,
		Layout:    l.Layout,
		BiasTerm:  l.BiasTerm,
		Channels:  l.Inputs,
	}
	c, err := qconv.New(cfg)
	if err != nil {
		return qconv.Config{}, err
	}
	return c.Config(), nil
}

// pair expands an [h, w] or [v] list; empty yields def for both.
func pair(field string, v []int, def int) (int, int, error) {
	switch len(v) {
	case 0:
		return def, def, nil
	case 1:
		return v[0], v[0], nil
	case 2:
		return v[0], v[1], nil
	}
	return 0, 0, fmt.Errorf("%s: want 1 or 2 values, got %v", field, v)
}
