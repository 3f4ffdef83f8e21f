// Package layer holds what the quantized operators share: the lifecycle
// state machine, error kinds and construction options.
package layer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/qrv0/pqk/internal/bitcode"
	"github.com/qrv0/pqk/internal/codebook"
)

// State is the lifecycle of a quantized operator:
// Uninitialized -> Configured -> Reshaped -> Ready.
type State int

const (
	// Uninitialized: parameter slots are not all bound.
	Uninitialized State = iota
	// Configured: codebook, bias and codes are bound; geometry unknown.
	Configured
	// Reshaped: geometry validated and indices decoded.
	Reshaped
	// Ready: scratch allocated, Forward may be called.
	Ready
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Configured:
		return "configured"
	case Reshaped:
		return "reshaped"
	case Ready:
		return "ready"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	// ErrConfig marks configuration errors: bad hyper-parameters, geometry
	// that the parameters cannot serve, or packed buffers that are too short.
	ErrConfig = errors.New("configuration error")
	// ErrState is returned when an operation is called out of lifecycle order.
	ErrState = errors.New("operator not ready")
	// ErrShape is returned when forward buffers disagree with the reshaped
	// geometry.
	ErrShape = errors.New("buffer shape mismatch")
)

// ConfigError describes a configuration error. It matches ErrConfig and its
// cause under errors.Is.
type ConfigError struct {
	Op    string
	Field string
	Msg   string
	Err   error
}

func (e *ConfigError) Error() string {
	s := e.Op + ": " + ErrConfig.Error()
	if e.Field != "" {
		s += ": " + e.Field
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *ConfigError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConfig}
	}
	return []error{ErrConfig, e.Err}
}

// Configf builds a ConfigError.
func Configf(op, field, format string, args ...any) error {
	return &ConfigError{Op: op, Field: field, Msg: fmt.Sprintf(format, args...)}
}

// Options are shared by both operators.
type Options struct {
	Logger  *slog.Logger
	Workers int
	Mode    codebook.Mode
	Cache   *bitcode.Cache
}

// Option configures an operator.
type Option func(*Options)

// WithLogger sets the logger used for reshape and decode diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithWorkers enables data-parallel forward passes over independent batch
// rows (linear) or images (spatial). n <= 1 keeps forward single-threaded.
func WithWorkers(n int) Option {
	return func(o *Options) {
		if n < 1 {
			n = 1
		}
		o.Workers = n
	}
}

// WithMode selects how lookup tables are computed.
func WithMode(m codebook.Mode) Option {
	return func(o *Options) { o.Mode = m }
}

// WithDecodeCache shares decoded index arrays between operators.
func WithDecodeCache(c *bitcode.Cache) Option {
	return func(o *Options) { o.Cache = c }
}

// Apply builds Options from defaults and opts.
func Apply(opts ...Option) Options {
	o := Options{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Workers: 1,
		Mode:    codebook.Batched,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Chunks splits n items into at most workers contiguous [lo, hi) ranges.
func Chunks(n, workers int) [][2]int {
	if n <= 0 {
		return nil
	}
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}
	size := (n + workers - 1) / workers
	out := make([][2]int, 0, workers)
	for lo := 0; lo < n; lo += size {
		out = append(out, [2]int{lo, min(lo+size, n)})
	}
	return out
}

// Product multiplies dims; an empty list yields 1.
func Product(dims []int) int {
	p := 1
	for _, d := range dims {
		p *= d
	}
	return p
}
