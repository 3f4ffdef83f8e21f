// Package params binds trained parameters to an operator separately from
// its architecture configuration.
package params

import "github.com/qrv0/pqk/internal/bitcode"

// SlotState reports whether a slot holds a value.
type SlotState int

const (
	Unbound SlotState = iota
	Bound
)

func (s SlotState) String() string {
	if s == Bound {
		return "bound"
	}
	return "unbound"
}

// Slot is one named parameter block. Every Bind bumps the generation so
// consumers can tell a rebinding from the value they already derived state
// from.
type Slot[T any] struct {
	name  string
	value T
	state SlotState
	gen   uint64
}

// NewSlot returns an unbound slot.
func NewSlot[T any](name string) Slot[T] { return Slot[T]{name: name} }

func (s *Slot[T]) Name() string { return s.name }

func (s *Slot[T]) State() SlotState { return s.state }

func (s *Slot[T]) Generation() uint64 { return s.gen }

// Value returns the bound value and whether the slot is bound.
func (s *Slot[T]) Value() (T, bool) { return s.value, s.state == Bound }

// Bind stores v and marks the slot bound.
func (s *Slot[T]) Bind(v T) {
	s.value = v
	s.state = Bound
	s.gen++
}

// Reset returns the slot to Unbound.
func (s *Slot[T]) Reset() {
	var zero T
	s.value = zero
	s.state = Unbound
	s.gen++
}

// Set is the parameter bundle of a quantized operator.
type Set struct {
	Codebook Slot[[]float32]
	Bias     Slot[[]float32]
	Codes    Slot[bitcode.Packed]

	// BiasRequired is false for operators configured without a bias term.
	BiasRequired bool
}

// NewSet returns a bundle with all slots unbound.
func NewSet(biasRequired bool) *Set {
	return &Set{
		Codebook:     NewSlot[[]float32]("codebook"),
		Bias:         NewSlot[[]float32]("bias"),
		Codes:        NewSlot[bitcode.Packed]("codes"),
		BiasRequired: biasRequired,
	}
}

// Complete reports whether every required slot is bound.
func (s *Set) Complete() bool {
	if s.Codebook.State() != Bound || s.Codes.State() != Bound {
		return false
	}
	return !s.BiasRequired || s.Bias.State() == Bound
}

// Missing lists the names of required slots that are unbound.
func (s *Set) Missing() []string {
	var out []string
	if s.Codebook.State() != Bound {
		out = append(out, s.Codebook.Name())
	}
	if s.BiasRequired && s.Bias.State() != Bound {
		out = append(out, s.Bias.Name())
	}
	if s.Codes.State() != Bound {
		out = append(out, s.Codes.Name())
	}
	return out
}

// Generation changes whenever any slot is rebound.
func (s *Set) Generation() uint64 {
	return s.Codebook.Generation() + s.Bias.Generation() + s.Codes.Generation()
}
