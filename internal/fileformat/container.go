// Package fileformat reads and writes .pqm model containers: an 8-byte
// magic, a small header, a table of contents and 4096-aligned section
// payloads, each optionally zstd or lz4 compressed.
package fileformat

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	lz4 "github.com/pierrec/lz4/v4"
)

var magic = [8]byte{'P', 'Q', 'K', 'M', 0, 0, 0, 0}

// Version is the container layout version written to the header.
const Version = 1

// Section types. Index distinguishes sections of the same type: the
// codebook id for TypeCodebooks, the layer position for TypeBias and
// TypeCodes.
const (
	TypeMeta      uint32 = 1
	TypeCodebooks uint32 = 2
	TypeBias      uint32 = 3
	TypeCodes     uint32 = 4
)

// Per-section compression flags.
const (
	FlagCompZSTD uint32 = 1 << 0
	FlagCompLZ4  uint32 = 1 << 1
)

const sectionAlign = 4096

// ErrNotFound is returned when a section is absent.
var ErrNotFound = errors.New("section not found")

// TypeName returns a readable name for a section type.
func TypeName(t uint32) string {
	switch t {
	case TypeMeta:
		return "META"
	case TypeCodebooks:
		return "CODEBOOKS"
	case TypeBias:
		return "BIAS"
	case TypeCodes:
		return "CODES"
	}
	return fmt.Sprintf("TYPE%d", t)
}

// ParseCompression maps a CLI name to a section flag.
func ParseCompression(s string) (uint32, error) {
	switch s {
	case "", "none":
		return 0, nil
	case "zstd":
		return FlagCompZSTD, nil
	case "lz4":
		return FlagCompLZ4, nil
	}
	return 0, fmt.Errorf("unknown compression %q (want zstd, lz4 or none)", s)
}

type header struct{ Ver, Num, Res uint32 }

// TOCEntry locates one section payload in the file.
type TOCEntry struct {
	TypeID uint32
	Index  uint32
	Offset uint64
	Size   uint64
	Flags  uint32
}

const tocEntrySize = 4 + 4 + 8 + 8 + 4

type section struct {
	typeID, index, flags uint32
	data                 []byte
}

// Writer collects sections and writes them out in one pass.
type Writer struct {
	sections []section
}

func NewWriter() *Writer { return &Writer{} }

// AddSection queues data (uncompressed) to be written with flags.
func (w *Writer) AddSection(t, index uint32, data []byte, flags uint32) {
	w.sections = append(w.sections, section{typeID: t, index: index, flags: flags, data: data})
}

func zstdEncode(b []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(b, make([]byte, 0, len(b))), nil
}

func zstdDecode(b []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(b, nil)
}

func lz4Encode(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func lz4Decode(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, lz4.NewReader(bytes.NewReader(b))); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func compress(b []byte, flags uint32) ([]byte, error) {
	switch {
	case flags&FlagCompZSTD != 0:
		return zstdEncode(b)
	case flags&FlagCompLZ4 != 0:
		return lz4Encode(b)
	}
	return b, nil
}

func decompress(b []byte, flags uint32) ([]byte, error) {
	switch {
	case flags&FlagCompZSTD != 0:
		return zstdDecode(b)
	case flags&FlagCompLZ4 != 0:
		return lz4Decode(b)
	}
	return b, nil
}

func alignUp(x, a int64) int64 {
	if r := x % a; r != 0 {
		return x + (a - r)
	}
	return x
}

// Write creates path and writes the container.
func (w *Writer) Write(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := w.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteTo writes the container to ws, which must be positioned at 0.
func (w *Writer) WriteTo(ws io.WriteSeeker) error {
	if len(w.sections) == 0 {
		return errors.New("fileformat: no sections")
	}
	payloads := make([][]byte, len(w.sections))
	for i, s := range w.sections {
		data, err := compress(s.data, s.flags)
		if err != nil {
			return fmt.Errorf("compress %s[%d]: %w", TypeName(s.typeID), s.index, err)
		}
		payloads[i] = data
	}
	if _, err := ws.Write(magic[:]); err != nil {
		return err
	}
	hdr := header{Ver: Version, Num: uint32(len(w.sections))}
	if err := binary.Write(ws, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	recs := make([]TOCEntry, len(w.sections))
	base := int64(len(magic) + 12 + tocEntrySize*len(w.sections))
	offset := alignUp(base, sectionAlign)
	for i, s := range w.sections {
		recs[i] = TOCEntry{TypeID: s.typeID, Index: s.index, Offset: uint64(offset), Size: uint64(len(payloads[i])), Flags: s.flags}
		offset = alignUp(offset+int64(len(payloads[i])), sectionAlign)
	}
	for i := range recs {
		if err := binary.Write(ws, binary.LittleEndian, &recs[i]); err != nil {
			return err
		}
	}
	for i := range w.sections {
		if _, err := ws.Seek(int64(recs[i].Offset), io.SeekStart); err != nil {
			return err
		}
		if _, err := ws.Write(payloads[i]); err != nil {
			return err
		}
	}
	// pad the tail so the last section is aligned like the rest
	end := alignUp(offset, sectionAlign)
	if cur, err := ws.Seek(0, io.SeekCurrent); err == nil && cur < end {
		_, err = ws.Write(make([]byte, end-cur))
		return err
	}
	return nil
}

// Reader reads sections from an open container.
type Reader struct {
	r   io.ReaderAt
	c   io.Closer
	TOC []TOCEntry
}

// Open opens a container file and reads its table of contents.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.c = f
	return r, nil
}

// NewReader reads the header and table of contents from ra.
func NewReader(ra io.ReaderAt) (*Reader, error) {
	sr := io.NewSectionReader(ra, 0, 1<<62)
	head := make([]byte, len(magic))
	if _, err := io.ReadFull(sr, head); err != nil {
		return nil, err
	}
	if !bytes.Equal(head, magic[:]) {
		return nil, errors.New("not a pqm file")
	}
	var hdr header
	if err := binary.Read(sr, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	if hdr.Ver != Version {
		return nil, fmt.Errorf("unsupported pqm version %d", hdr.Ver)
	}
	toc := make([]TOCEntry, hdr.Num)
	for i := range toc {
		if err := binary.Read(sr, binary.LittleEndian, &toc[i]); err != nil {
			return nil, err
		}
	}
	return &Reader{r: ra, TOC: toc}, nil
}

func (r *Reader) Close() error {
	if r.c == nil {
		return nil
	}
	return r.c.Close()
}

// Entry returns the TOC entry of section (t, index).
func (r *Reader) Entry(t, index uint32) (TOCEntry, error) {
	for _, e := range r.TOC {
		if e.TypeID == t && e.Index == index {
			return e, nil
		}
	}
	return TOCEntry{}, fmt.Errorf("%s[%d]: %w", TypeName(t), index, ErrNotFound)
}

// Section returns the stored (possibly compressed) payload.
func (r *Reader) Section(t, index uint32) ([]byte, error) {
	e, err := r.Entry(t, index)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, e.Size)
	if _, err := r.r.ReadAt(buf, int64(e.Offset)); err != nil {
		return nil, fmt.Errorf("read %s[%d]: %w", TypeName(t), index, err)
	}
	return buf, nil
}

// SectionUncompressed returns the payload decompressed according to its
// flags.
func (r *Reader) SectionUncompressed(t, index uint32) ([]byte, error) {
	e, err := r.Entry(t, index)
	if err != nil {
		return nil, err
	}
	buf, err := r.Section(t, index)
	if err != nil {
		return nil, err
	}
	out, err := decompress(buf, e.Flags)
	if err != nil {
		return nil, fmt.Errorf("decompress %s[%d]: %w", TypeName(t), index, err)
	}
	return out, nil
}
