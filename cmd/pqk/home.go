package main

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/qrv0/pqk/internal/downloader"
)

// modelExt is the container extension listed by `pqk list`.
const modelExt = ".pqm"

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the pqk home and models directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(a.modelsDir(), 0o755); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Initialized:", a.home)
			return nil
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the models in the pqk home",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := os.ReadDir(a.modelsDir())
			if err != nil {
				return fmt.Errorf("list: %w (run `pqk init` first)", err)
			}
			for _, e := range entries {
				if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), modelExt) {
					continue
				}
				fmt.Fprintln(cmd.OutOrStdout(), e.Name())
			}
			return nil
		},
	}
}

func newPullCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pull <url>",
		Short: "Download a model file into the pqk home",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := args[0]
			u, err := url.Parse(raw)
			if err != nil {
				return fmt.Errorf("pull: %w", err)
			}
			name := path.Base(u.Path)
			if name == "" || name == "." || name == "/" {
				return fmt.Errorf("pull: cannot derive a file name from %q", raw)
			}
			if err := os.MkdirAll(a.modelsDir(), 0o755); err != nil {
				return err
			}
			out := filepath.Join(a.modelsDir(), name)
			a.logger.Info("downloading", "url", raw, "out", out)
			n, err := downloader.Download(cmd.Context(), raw, out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Downloaded: %s (%d bytes)\n", out, n)
			return nil
		},
	}
}
