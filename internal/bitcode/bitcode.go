// Package bitcode packs and unpacks fixed-width unsigned codes stored
// MSB-first in a stream of machine words.
//
// Codes are contiguous: a code may straddle two adjacent words. The word
// width is a parameter, never assumed, because buffers written with one
// width are silently misread with another.
package bitcode

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrShortBuffer is returned when the packed buffer holds fewer words
	// than the requested code count needs.
	ErrShortBuffer = errors.New("bitcode: packed buffer too short")
	// ErrCodeRange is returned when a code does not fit in bitsPerCode bits.
	ErrCodeRange = errors.New("bitcode: code out of range")
	// ErrWidth is returned for unsupported word or code widths.
	ErrWidth = errors.New("bitcode: invalid width")
)

// MaxCodeBits is the widest code that decodes to a non-negative int.
const MaxCodeBits = 63

// Packed is a buffer of packed codes. Each element of Words holds one
// WordBits-wide word in its low bits.
type Packed struct {
	WordBits int
	Words    []uint64
}

// WordsNeeded returns ceil(totalCodes*bitsPerCode/wordBits).
func WordsNeeded(totalCodes, bitsPerCode, wordBits int) int {
	if wordBits <= 0 {
		return 0
	}
	bits := totalCodes * bitsPerCode
	return (bits + wordBits - 1) / wordBits
}

// BitsFor returns log2(k) when k is a power of two.
func BitsFor(k int) (int, bool) {
	if k <= 0 || k&(k-1) != 0 {
		return 0, false
	}
	b := 0
	for k > 1 {
		k >>= 1
		b++
	}
	return b, true
}

func checkWidths(bitsPerCode, wordBits int) error {
	if wordBits < 1 || wordBits > 64 {
		return fmt.Errorf("%w: word width %d not in [1, 64]", ErrWidth, wordBits)
	}
	if bitsPerCode < 0 || bitsPerCode > wordBits {
		return fmt.Errorf("%w: %d bits per code with %d-bit words", ErrWidth, bitsPerCode, wordBits)
	}
	if bitsPerCode > MaxCodeBits {
		return fmt.Errorf("%w: %d bits per code exceeds %d", ErrWidth, bitsPerCode, MaxCodeBits)
	}
	return nil
}

func wordMask(wordBits int) uint64 {
	if wordBits == 64 {
		return ^uint64(0)
	}
	return 1<<uint(wordBits) - 1
}

// Decode unpacks totalCodes codes of bitsPerCode bits from words, which
// carry wordBits meaningful bits each. The buffer length is validated before
// any word is read.
func Decode(words []uint64, totalCodes, bitsPerCode, wordBits int) ([]int, error) {
	if err := checkWidths(bitsPerCode, wordBits); err != nil {
		return nil, err
	}
	if totalCodes < 0 {
		return nil, fmt.Errorf("%w: negative code count %d", ErrCodeRange, totalCodes)
	}
	need := WordsNeeded(totalCodes, bitsPerCode, wordBits)
	if len(words) < need {
		return nil, fmt.Errorf("%w: %d codes of %d bits need %d %d-bit words, have %d",
			ErrShortBuffer, totalCodes, bitsPerCode, need, wordBits, len(words))
	}
	out := make([]int, totalCodes)
	if bitsPerCode == 0 {
		return out, nil
	}
	wm := wordMask(wordBits)
	codeMask := uint64(1)<<uint(bitsPerCode) - 1
	rest := wordBits - bitsPerCode
	for i, s := 0, 0; i < totalCodes; i, s = i+1, s+bitsPerCode {
		wi := s / wordBits
		shift := rest - s%wordBits
		w := words[wi] & wm
		var v uint64
		if shift >= 0 {
			v = w >> uint(shift)
		} else {
			// straddles words wi and wi+1; wi+1 < need by construction
			next := words[wi+1] & wm
			v = w<<uint(-shift) | next>>uint(wordBits+shift)
		}
		out[i] = int(v & codeMask)
	}
	return out, nil
}

// Decode unpacks totalCodes codes of bitsPerCode bits from p.
func (p Packed) Decode(totalCodes, bitsPerCode int) ([]int, error) {
	return Decode(p.Words, totalCodes, bitsPerCode, p.WordBits)
}

// Pack is the inverse of Decode: it writes codes MSB-first into
// WordsNeeded(len(codes), bitsPerCode, wordBits) words.
func Pack(codes []int, bitsPerCode, wordBits int) ([]uint64, error) {
	if err := checkWidths(bitsPerCode, wordBits); err != nil {
		return nil, err
	}
	words := make([]uint64, WordsNeeded(len(codes), bitsPerCode, wordBits))
	wm := wordMask(wordBits)
	rest := wordBits - bitsPerCode
	for i, s := 0, 0; i < len(codes); i, s = i+1, s+bitsPerCode {
		c := codes[i]
		if c < 0 || uint64(c)>>uint(bitsPerCode) != 0 {
			return nil, fmt.Errorf("%w: code %d at %d does not fit %d bits", ErrCodeRange, c, i, bitsPerCode)
		}
		if bitsPerCode == 0 {
			continue
		}
		v := uint64(c)
		wi := s / wordBits
		shift := rest - s%wordBits
		if shift >= 0 {
			words[wi] |= v << uint(shift)
		} else {
			words[wi] |= v >> uint(-shift)
			words[wi+1] |= (v << uint(wordBits+shift)) & wm
		}
	}
	return words, nil
}

// NewPacked packs codes into a Packed buffer.
func NewPacked(codes []int, bitsPerCode, wordBits int) (Packed, error) {
	words, err := Pack(codes, bitsPerCode, wordBits)
	if err != nil {
		return Packed{}, err
	}
	return Packed{WordBits: wordBits, Words: words}, nil
}

// FromUint8 wraps a byte buffer as 8-bit words.
func FromUint8(b []byte) Packed {
	words := make([]uint64, len(b))
	for i, v := range b {
		words[i] = uint64(v)
	}
	return Packed{WordBits: 8, Words: words}
}

// FromUint32 wraps a 32-bit word buffer.
func FromUint32(ws []uint32) Packed {
	words := make([]uint64, len(ws))
	for i, v := range ws {
		words[i] = uint64(v)
	}
	return Packed{WordBits: 32, Words: words}
}

// FromBytes reads machine words of wordBits (8, 16, 32 or 64) from b.
func FromBytes(b []byte, wordBits int, order binary.ByteOrder) (Packed, error) {
	size, err := wordSize(wordBits)
	if err != nil {
		return Packed{}, err
	}
	if len(b)%size != 0 {
		return Packed{}, fmt.Errorf("%w: %d bytes is not a whole number of %d-bit words", ErrShortBuffer, len(b), wordBits)
	}
	words := make([]uint64, len(b)/size)
	for i := range words {
		off := i * size
		switch size {
		case 1:
			words[i] = uint64(b[off])
		case 2:
			words[i] = uint64(order.Uint16(b[off:]))
		case 4:
			words[i] = uint64(order.Uint32(b[off:]))
		case 8:
			words[i] = order.Uint64(b[off:])
		}
	}
	return Packed{WordBits: wordBits, Words: words}, nil
}

// Bytes serializes p as machine words. WordBits must be 8, 16, 32 or 64.
func (p Packed) Bytes(order binary.ByteOrder) ([]byte, error) {
	size, err := wordSize(p.WordBits)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(p.Words)*size)
	for i, w := range p.Words {
		off := i * size
		switch size {
		case 1:
			out[off] = byte(w)
		case 2:
			order.PutUint16(out[off:], uint16(w))
		case 4:
			order.PutUint32(out[off:], uint32(w))
		case 8:
			order.PutUint64(out[off:], w)
		}
	}
	return out, nil
}

// IsMachineWidth reports whether wordBits is a storable word width.
func IsMachineWidth(wordBits int) bool {
	_, err := wordSize(wordBits)
	return err == nil
}

func wordSize(wordBits int) (int, error) {
	switch wordBits {
	case 8, 16, 32, 64:
		return wordBits / 8, nil
	}
	return 0, fmt.Errorf("%w: %d-bit words are not a machine width", ErrWidth, wordBits)
}
