package fileformat

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/qrv0/pqk/internal/config"
)

// FormatVersion is the META schema version.
const FormatVersion = 1

// CodebookInfo describes one deduplicated codebook section.
type CodebookInfo struct {
	ID     int    `json:"id"`
	Values int    `json:"values"`
	Hash   string `json:"xxh3"`
}

// Meta is the JSON payload of the META section.
type Meta struct {
	FormatVersion int                 `json:"format_version"`
	Name          string              `json:"name,omitempty"`
	InputShape    []int               `json:"input_shape,omitempty"`
	Layers        []config.Layer      `json:"layers"`
	Codebooks     []CodebookInfo      `json:"codebooks"`
	ChecksumIndex map[string]Checksum `json:"checksum_index"`
}

// ReadMeta decodes the META section.
func (r *Reader) ReadMeta() (*Meta, error) {
	b, err := r.SectionUncompressed(TypeMeta, 0)
	if err != nil {
		return nil, err
	}
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("META: %w", err)
	}
	if m.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("META: unsupported format_version %d", m.FormatVersion)
	}
	return &m, nil
}

// VerifyChecksums checks every non-META section against the index in
// meta and returns one error per failing section, joined.
func (r *Reader) VerifyChecksums(meta *Meta) error {
	if len(meta.ChecksumIndex) == 0 {
		return errors.New("no checksum_index in META")
	}
	var errs []error
	for _, e := range r.TOC {
		if e.TypeID == TypeMeta {
			continue
		}
		key := SectionKey(e.TypeID, e.Index)
		c, ok := meta.ChecksumIndex[key]
		if !ok {
			errs = append(errs, fmt.Errorf("section %s (%s): missing checksum", key, TypeName(e.TypeID)))
			continue
		}
		data, err := r.SectionUncompressed(e.TypeID, e.Index)
		if err != nil {
			errs = append(errs, fmt.Errorf("section %s: %w", key, err))
			continue
		}
		if err := c.Verify(data); err != nil {
			errs = append(errs, fmt.Errorf("section %s (%s): %w", key, TypeName(e.TypeID), err))
		}
	}
	return errors.Join(errs...)
}
