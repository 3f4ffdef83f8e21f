// Command make_safetensors writes the reference linear and convolution
// layers as safetensors with a manifest each, ready for `pqk pack`.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/qrv0/pqk/internal/fixture"
)

func main() {
	out := flag.String("out", "testdata", "output directory")
	packed := flag.Bool("packed", false, "store codes as packed words instead of one code per element")
	flag.Parse()
	if err := fixture.WriteDir(*out, *packed); err != nil {
		fmt.Fprintln(os.Stderr, "make_safetensors:", err)
		os.Exit(1)
	}
	fmt.Println("wrote fc.yaml and conv.yaml to", *out)
}
