package main

import (
	"errors"
	"fmt"
	"math"

	"github.com/spf13/cobra"

	"github.com/qrv0/pqk/internal/codebook"
	"github.com/qrv0/pqk/internal/layer"
	"github.com/qrv0/pqk/internal/model"
	"github.com/qrv0/pqk/internal/safetensors"
)

// OutputTensor names the tensor `pqk forward --out` writes.
const OutputTensor = "output"

// runFlags are shared by forward and check.
type runFlags struct {
	model   string
	input   string
	tensor  string
	workers int
	perRow  bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.model, "model", "", "input .pqm container")
	fl.StringVar(&f.input, "input", "", "safetensors file holding the input")
	fl.StringVar(&f.tensor, "tensor", "input", "input tensor name")
	fl.IntVar(&f.workers, "workers", 1, "parallel workers per layer")
	fl.BoolVar(&f.perRow, "per-row", false, "issue one GEMV per row instead of one GEMM per slice")
}

// load opens the model and reads the input tensor with its shape.
func (f *runFlags) load(a *app) (*model.Model, []float32, []int, error) {
	if f.model == "" || f.input == "" {
		return nil, nil, nil, errors.New("--model and --input are required")
	}
	mode := codebook.Batched
	if f.perRow {
		mode = codebook.PerRow
	}
	m, err := model.Load(f.model, layer.WithLogger(a.logger), layer.WithWorkers(f.workers), layer.WithMode(mode))
	if err != nil {
		return nil, nil, nil, err
	}
	in, shape, err := readInput(f.input, f.tensor)
	if err != nil {
		return nil, nil, nil, err
	}
	return m, in, shape, nil
}

func readInput(path, name string) ([]float32, []int, error) {
	st, err := safetensors.Open(path)
	if err != nil {
		return nil, nil, err
	}
	t, err := st.Tensor(name)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	v, err := t.Float32s()
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	shape := make([]int, len(t.Meta.Shape))
	for i, d := range t.Meta.Shape {
		shape[i] = int(d)
	}
	return v, shape, nil
}

func newForwardCmd(a *app) *cobra.Command {
	var (
		f   runFlags
		out string
	)
	cmd := &cobra.Command{
		Use:   "forward",
		Short: "Run a model on an input tensor",
		Long: `Forward loads a .pqm container, reshapes every layer to the input's shape
and runs the layers in order. The output is printed, or written as the
"output" tensor of --out.

Example:
  pqk forward --model fc.pqm --input x.safetensors --workers 4 --out y.safetensors`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, in, shape, err := f.load(a)
			if err != nil {
				return err
			}
			y, yshape, err := m.Run(in, shape)
			if err != nil {
				return err
			}
			a.logger.Info("forward", "model", m.Meta.Name, "input", shape, "output", yshape)
			if out != "" {
				w := safetensors.NewWriter()
				w.Metadata = map[string]string{"model": m.Meta.Name}
				if err := w.AddF32(OutputTensor, yshape, y); err != nil {
					return err
				}
				if err := w.Write(out); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s %v\n", out, yshape)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "shape %v\n", yshape)
			for i, v := range y {
				fmt.Fprintf(cmd.OutOrStdout(), "  y[%d]=%g\n", i, v)
			}
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&out, "out", "", "write the output to this safetensors file")
	return cmd
}

func newCheckCmd(a *app) *cobra.Command {
	var (
		f   runFlags
		tol float64
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Compare a model's output against a dense float64 reference",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, in, shape, err := f.load(a)
			if err != nil {
				return err
			}
			y, yshape, err := m.Run(in, shape)
			if err != nil {
				return err
			}
			ref, _, err := m.Reference(in, shape)
			if err != nil {
				return err
			}
			worst, at := maxAbsDiff(y, ref)
			fmt.Fprintf(cmd.OutOrStdout(), "output %v: max |diff| = %g at %d\n", yshape, worst, at)
			if worst > tol {
				return fmt.Errorf("check: max |diff| %g exceeds tolerance %g", worst, tol)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "check: OK")
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().Float64Var(&tol, "tol", 1e-4, "largest accepted absolute difference")
	return cmd
}

// maxAbsDiff returns the largest |a[i]-b[i]| and its index. Lengths must
// agree; a NaN on either side counts as infinite.
func maxAbsDiff(a, b []float32) (float64, int) {
	if len(a) != len(b) {
		return math.Inf(1), -1
	}
	worst, at := 0.0, -1
	for i := range a {
		d := math.Abs(float64(a[i]) - float64(b[i]))
		if math.IsNaN(d) {
			d = math.Inf(1)
		}
		if d > worst || at < 0 {
			worst, at = d, i
		}
	}
	return worst, at
}
