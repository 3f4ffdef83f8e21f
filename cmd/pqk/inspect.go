package main

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/qrv0/pqk/internal/config"
	"github.com/qrv0/pqk/internal/fileformat"
)

func newInspectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <model.pqm>",
		Short: "Print a container's META, table of contents and checksums",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := fileformat.Open(args[0])
			if err != nil {
				return err
			}
			defer r.Close()
			meta, err := r.ReadMeta()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			b, err := json.MarshalIndent(struct {
				FormatVersion int                       `json:"format_version"`
				Name          string                    `json:"name,omitempty"`
				InputShape    []int                     `json:"input_shape,omitempty"`
				Layers        []config.Layer            `json:"layers"`
				Codebooks     []fileformat.CodebookInfo `json:"codebooks"`
			}{meta.FormatVersion, meta.Name, meta.InputShape, meta.Layers, meta.Codebooks}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "META:")
			fmt.Fprintln(w, string(b))
			fmt.Fprintln(w, "TOC:")
			for _, e := range r.TOC {
				fmt.Fprintf(w, "  %-9s %3d  offset=%-8d size=%-8d %s\n",
					fileformat.TypeName(e.TypeID), e.Index, e.Offset, e.Size, compression(e.Flags))
			}
			fmt.Fprintln(w, "Checksums:")
			for _, k := range slices.Sorted(maps.Keys(meta.ChecksumIndex)) {
				c := meta.ChecksumIndex[k]
				fmt.Fprintf(w, "  section %s: chunks=%d chunk_size=%d algo=%s\n", k, c.Count, c.ChunkSize, c.Algo)
			}
			return nil
		},
	}
}

func compression(flags uint32) string {
	switch {
	case flags&fileformat.FlagCompZSTD != 0:
		return "zstd"
	case flags&fileformat.FlagCompLZ4 != 0:
		return "lz4"
	}
	return "raw"
}

func newVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <model.pqm>",
		Short: "Verify every section against the META checksum index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := fileformat.Open(args[0])
			if err != nil {
				return err
			}
			defer r.Close()
			meta, err := r.ReadMeta()
			if err != nil {
				return err
			}
			if err := r.VerifyChecksums(meta); err != nil {
				return fmt.Errorf("checksum verify: FAILED\n%w", err)
			}
			a.logger.Debug("verified", "path", args[0], "sections", len(r.TOC)-1)
			fmt.Fprintln(cmd.OutOrStdout(), "checksum verify: OK")
			return nil
		},
	}
}
