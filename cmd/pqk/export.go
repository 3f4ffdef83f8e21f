package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qrv0/pqk/internal/layer"
	"github.com/qrv0/pqk/internal/model"
)

func newExportCmd(a *app) *cobra.Command {
	var in, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every layer as safetensors with dense weights and a manifest",
		Long: `Export writes one safetensors file per layer holding its codebook, bias,
decoded codes and reconstructed dense weight, plus a manifest.yaml that
` + "`pqk pack`" + ` accepts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if in == "" || out == "" {
				return errors.New("export: --model and --out are required")
			}
			m, err := model.Load(in, layer.WithLogger(a.logger))
			if err != nil {
				return err
			}
			path, err := m.Export(out)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "model", "", "input .pqm container")
	cmd.Flags().StringVar(&out, "out", "", "output directory")
	return cmd
}
