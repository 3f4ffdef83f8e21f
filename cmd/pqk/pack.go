package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qrv0/pqk/internal/config"
	"github.com/qrv0/pqk/internal/convert"
	"github.com/qrv0/pqk/internal/fileformat"
)

func newPackCmd(a *app) *cobra.Command {
	var (
		manifest string
		out      string
		compress string
		chunk    int
	)
	cmd := &cobra.Command{
		Use:   "pack",
		Short: "Pack a manifest and its safetensors into a .pqm container",
		Long: `Pack reads a YAML manifest, loads every layer's codebook, bias and codes
from its safetensors file, checks them against the operator and writes a
checksummed .pqm container.

Example:
  pqk pack --manifest model.yaml --out model.pqm --compress zstd`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if manifest == "" || out == "" {
				return errors.New("pack: --manifest and --out are required")
			}
			flags, err := fileformat.ParseCompression(compress)
			if err != nil {
				return err
			}
			m, err := config.Load(manifest)
			if err != nil {
				return err
			}
			meta, err := convert.Pack(m, out, convert.Options{Compress: flags, Chunk: chunk, Logger: a.logger})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: %d layers, %d codebooks\n", out, len(meta.Layers), len(meta.Codebooks))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&manifest, "manifest", "", "YAML manifest")
	f.StringVar(&out, "out", "", "output .pqm path")
	f.StringVar(&compress, "compress", "none", "section compression (zstd, lz4 or none)")
	f.IntVar(&chunk, "chunk", fileformat.DefaultChunk, "checksum chunk size in bytes")
	return cmd
}
