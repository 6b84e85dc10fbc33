package main

// Example command that loads a review feature dataset, collates its first few
// reviews into a padded batch and converts it into gomlx tensors.
//
// Usage:
//   go run ./datasets/example -data path/to/reviews -features f1,f2,f3
//
// The dataset is lazy: only the CSV rows of the requested reviews are read.

import (
	"flag"
	"fmt"
	"log"
	"strings"

	"github.com/Noofbiz/starcast/datasets"
)

func main() {
	dataPath := flag.String("data", "../assets/reviews", "CSV file, glob pattern or directory")
	features := flag.String("features", "", "comma separated feature columns")
	idCol := flag.String("id", datasets.DefaultIDColumn, "review id column")
	n := flag.Int("n", 4, "number of reviews to collate")
	flag.Parse()

	if *features == "" {
		log.Fatalf("-features is required")
	}
	pattern, err := datasets.ResolvePattern(*dataPath)
	if err != nil {
		log.Fatalf("resolve %s: %v", *dataPath, err)
	}
	ds, err := datasets.NewReviewDataset(pattern, *idCol, strings.Split(*features, ","), nil)
	if err != nil {
		log.Fatalf("failed to load review dataset: %v", err)
	}
	fmt.Printf("Using review CSV pattern: %s\n", pattern)
	fmt.Printf("Total reviews available: %d (%d features, %d targets)\n", ds.Len(), ds.FeatureDim(), ds.TargetDim())

	m := min(*n, ds.Len())
	idx := make([]int, m)
	for i := range m {
		idx[i] = i
	}
	samples, err := ds.Batch(idx)
	if err != nil {
		log.Fatalf("failed to load reviews: %v", err)
	}
	fmt.Println("Loaded sequence lengths:")
	for i, s := range samples {
		fmt.Printf("  %s: %d rows\n", ds.ID(i), s.Len())
	}

	b, err := datasets.Collate(samples)
	if err != nil {
		log.Fatalf("failed to collate: %v", err)
	}
	fmt.Printf("Collated batch: max length %d, lengths %v, order %v\n", b.MaxLen, b.Lengths, b.Order)

	feat, targ, err := b.ToGomlxTensors()
	if err != nil {
		log.Fatalf("failed to convert batch to gomlx tensors: %v", err)
	}
	fmt.Printf("Features tensor %v, targets tensor %v\n", feat.Shape(), targ.Shape())
	fmt.Printf("First target (longest review): %v\n", b.Target(0))
}
