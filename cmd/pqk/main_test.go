package main

import (
	"bytes"
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qrv0/pqk/internal/fileformat"
	"github.com/qrv0/pqk/internal/fixture"
	"github.com/qrv0/pqk/internal/safetensors"
)

// execute runs the CLI with args and returns what it wrote to stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// packFixture writes both fixture layers into a temp dir and packs the
// named one. It returns the fixture dir and the container path.
func packFixture(t *testing.T, name string, extra ...string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, fixture.WriteDir(dir, true))
	out := filepath.Join(dir, name+".pqm")
	args := append([]string{"pack", "--manifest", filepath.Join(dir, name+".yaml"), "--out", out}, extra...)
	stdout, err := execute(t, args...)
	require.NoError(t, err)
	assert.Contains(t, stdout, "wrote "+out+": 1 layers, 1 codebooks")
	return dir, out
}

func readOutput(t *testing.T, path string) ([]float32, []int) {
	t.Helper()
	st, err := safetensors.Open(path)
	require.NoError(t, err)
	tensor, err := st.Tensor(OutputTensor)
	require.NoError(t, err)
	v, err := tensor.Float32s()
	require.NoError(t, err)
	shape := make([]int, len(tensor.Meta.Shape))
	for i, d := range tensor.Meta.Shape {
		shape[i] = int(d)
	}
	return v, shape
}

func TestRootCmd_Definition(t *testing.T) {
	root := newRootCmd()
	assert.Equal(t, "pqk", root.Use)

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"init", "list", "pull", "pack", "inspect", "verify", "forward", "check", "export"} {
		assert.Contains(t, names, want)
	}

	pf := root.PersistentFlags()
	require.NotNil(t, pf.Lookup("log-level"))
	assert.Equal(t, "info", pf.Lookup("log-level").DefValue)
	require.NotNil(t, pf.Lookup("log-format"))
	require.NotNil(t, pf.Lookup("home"))
}

func TestRootCmd_BadLogLevel(t *testing.T) {
	_, err := execute(t, "--home", t.TempDir(), "--log-level", "loud", "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown log level")
}

func TestDefaultHome_Env(t *testing.T) {
	t.Setenv(homeEnv, "/tmp/pqk-home")
	assert.Equal(t, "/tmp/pqk-home", defaultHome())
}

func TestInitAndList(t *testing.T) {
	home := filepath.Join(t.TempDir(), "pqk")

	_, err := execute(t, "--home", home, "list")
	require.Error(t, err, "list before init")

	out, err := execute(t, "--home", home, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Initialized: "+home)
	assert.DirExists(t, filepath.Join(home, "models"))

	models := filepath.Join(home, "models")
	require.NoError(t, os.WriteFile(filepath.Join(models, "a.pqm"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(models, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(models, "dir.pqm"), 0o755))

	out, err = execute(t, "--home", home, "list")
	require.NoError(t, err)
	assert.Equal(t, "a.pqm\n", out)
}

func TestPull(t *testing.T) {
	payload := []byte("pqm payload")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/fc.pqm" {
			http.NotFound(w, r)
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()
	home := t.TempDir()

	out, err := execute(t, "--home", home, "pull", srv.URL+"/models/fc.pqm?rev=1")
	require.NoError(t, err)
	path := filepath.Join(home, "models", "fc.pqm")
	assert.Contains(t, out, "Downloaded: "+path)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = execute(t, "--home", home, "pull", srv.URL+"/missing.pqm")
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(home, "models", "missing.pqm"))

	_, err = execute(t, "--home", home, "pull", srv.URL+"/")
	require.Error(t, err)
}

func TestPack_Errors(t *testing.T) {
	_, err := execute(t, "pack", "--out", filepath.Join(t.TempDir(), "x.pqm"))
	require.Error(t, err)

	dir := t.TempDir()
	require.NoError(t, fixture.WriteDir(dir, false))
	_, err = execute(t, "pack", "--manifest", filepath.Join(dir, "fc.yaml"), "--out", filepath.Join(dir, "fc.pqm"), "--compress", "brotli")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown compression")
}

func TestInspect(t *testing.T) {
	_, model := packFixture(t, "conv", "--compress", "zstd")

	out, err := execute(t, "inspect", model)
	require.NoError(t, err)
	assert.Contains(t, out, "META:")
	assert.Contains(t, out, `"name": "conv"`)
	assert.Contains(t, out, `"kind": "conv"`)
	assert.Contains(t, out, "TOC:")
	assert.Contains(t, out, "CODEBOOKS")
	assert.Contains(t, out, "CODES")
	assert.Contains(t, out, "zstd")
	assert.Contains(t, out, "section 4:0: chunks=1")
	assert.NotContains(t, out, "hashes_hex")
}

func TestVerify(t *testing.T) {
	for _, compress := range []string{"none", "zstd", "lz4"} {
		t.Run(compress, func(t *testing.T) {
			_, model := packFixture(t, "fc", "--compress", compress)
			out, err := execute(t, "verify", model)
			require.NoError(t, err)
			assert.Equal(t, "checksum verify: OK\n", out)
		})
	}
}

func TestVerify_DetectsCorruption(t *testing.T) {
	_, model := packFixture(t, "fc")

	r, err := fileformat.Open(model)
	require.NoError(t, err)
	e, err := r.Entry(fileformat.TypeCodes, 0)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	f, err := os.OpenFile(model, os.O_RDWR, 0)
	require.NoError(t, err)
	b := make([]byte, 1)
	_, err = f.ReadAt(b, int64(e.Offset))
	require.NoError(t, err)
	b[0] ^= 0xff
	_, err = f.WriteAt(b, int64(e.Offset))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = execute(t, "verify", model)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FAILED")
	assert.Contains(t, err.Error(), "section 4:0")
}

func TestForward_Fixtures(t *testing.T) {
	cases := []fixture.Case{fixture.Linear(), fixture.Conv()}
	runs := [][]string{
		nil,
		{"--workers", "2"},
		{"--per-row"},
	}
	for _, c := range cases {
		for _, extra := range runs {
			name := c.Layer.Name + "/" + strings.Join(extra, "")
			t.Run(name, func(t *testing.T) {
				dir, model := packFixture(t, c.Layer.Name)
				outPath := filepath.Join(dir, "y.safetensors")
				args := append([]string{"forward", "--model", model,
					"--input", filepath.Join(dir, c.Layer.Name+"_input.safetensors"), "--out", outPath}, extra...)
				out, err := execute(t, args...)
				require.NoError(t, err)
				assert.Contains(t, out, "wrote "+outPath)

				y, shape := readOutput(t, outPath)
				assert.Equal(t, c.WantShape, shape)
				assert.InDeltaSlice(t, c.Want, y, 1e-3)
			})
		}
	}
}

func TestForward_Prints(t *testing.T) {
	dir, model := packFixture(t, "fc")
	out, err := execute(t, "forward", "--model", model, "--input", filepath.Join(dir, "fc_input.safetensors"))
	require.NoError(t, err)
	assert.Contains(t, out, "shape [1 5]")
	assert.Contains(t, out, "y[0]=51\n")
	assert.Contains(t, out, "y[4]=91\n")
}

func TestForward_Errors(t *testing.T) {
	dir, model := packFixture(t, "fc")

	_, err := execute(t, "forward", "--model", model)
	require.Error(t, err)

	_, err = execute(t, "forward", "--model", model, "--input", filepath.Join(dir, "fc_input.safetensors"), "--tensor", "x")
	require.Error(t, err)

	// the conv input does not fit the linear layer
	_, err = execute(t, "forward", "--model", model, "--input", filepath.Join(dir, "conv_input.safetensors"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `layer "fc"`)
}

func TestCheck(t *testing.T) {
	for _, name := range []string{"fc", "conv"} {
		t.Run(name, func(t *testing.T) {
			dir, model := packFixture(t, name)
			out, err := execute(t, "check", "--model", model, "--input", filepath.Join(dir, name+"_input.safetensors"))
			require.NoError(t, err)
			assert.Contains(t, out, "check: OK")
		})
	}
}

func TestExport_Repack(t *testing.T) {
	dir, model := packFixture(t, "conv")
	exportDir := filepath.Join(dir, "export")

	out, err := execute(t, "export", "--model", model, "--out", exportDir)
	require.NoError(t, err)
	manifest := filepath.Join(exportDir, "manifest.yaml")
	assert.Contains(t, out, "wrote "+manifest)
	assert.FileExists(t, filepath.Join(exportDir, "conv.safetensors"))

	repacked := filepath.Join(dir, "repacked.pqm")
	_, err = execute(t, "pack", "--manifest", manifest, "--out", repacked, "--compress", "lz4")
	require.NoError(t, err)

	yPath := filepath.Join(dir, "y.safetensors")
	_, err = execute(t, "forward", "--model", repacked, "--input", filepath.Join(dir, "conv_input.safetensors"), "--out", yPath)
	require.NoError(t, err)
	y, shape := readOutput(t, yPath)
	c := fixture.Conv()
	assert.Equal(t, c.WantShape, shape)
	assert.InDeltaSlice(t, c.Want, y, 1e-3)
}

func TestMaxAbsDiff(t *testing.T) {
	nan := float32(math.NaN())
	tests := []struct {
		name  string
		a, b  []float32
		worst float64
		at    int
	}{
		{"equal", []float32{1, 2}, []float32{1, 2}, 0, 0},
		{"largest", []float32{1, 2, 3}, []float32{1, 2.5, 2}, 1, 2},
		{"nan", []float32{1, nan}, []float32{1, 1}, math.Inf(1), 1},
		{"length", []float32{1}, []float32{1, 2}, math.Inf(1), -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			worst, at := maxAbsDiff(tt.a, tt.b)
			assert.Equal(t, tt.worst, worst)
			assert.Equal(t, tt.at, at)
		})
	}
}
