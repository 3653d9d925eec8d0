package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"voxelreg/pkg/nifti"
	"voxelreg/pkg/volume"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s <input.nii[.gz]> <output.nii[.gz]>\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Rescales a volume's intensities to zero mean and unit variance.")
	}
	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(1)
	}

	in, err := nifti.Load(flag.Arg(0))
	if err != nil {
		log.Fatalf("Failed to load input volume: %v", err)
	}

	out, err := volume.Normalize(in)
	if err != nil {
		log.Fatalf("Normalization failed: %v", err)
	}
	if err := nifti.Save(out, flag.Arg(1)); err != nil {
		log.Fatalf("Failed to save output: %v", err)
	}

	min, max := out.MinMax()
	fmt.Printf("Normalized intensity range: [%.4f, %.4f]\n", min, max)
	fmt.Printf("Output saved to: %s\n", flag.Arg(1))
}
