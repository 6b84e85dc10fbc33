package datasets

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Default column names for review CSVs.
var (
	DefaultIDColumn        = "review_id"
	DefaultTargetColumns   = []string{"stars", "useful", "funny", "cool", "length"}
	defaultIDColumnGuesses = []string{"review_id", "reviewid", "id"}
)

// reviewLocation records where the rows of one review live.
type reviewLocation struct {
	fileIdx int
	rows    []int
}

// ReviewDataset
// - Stores paths to CSV files with one row per time step of a review
// - Rows sharing a review id form one variable-length sequence, in file order
// - Features come from the configured feature columns of every row
// - Targets come from the configured target columns of the first row
// - Rows are only read when an example is requested
type ReviewDataset struct {
	// Pattern used to find CSV files (e.g., "data/reviews/*.csv")
	Pattern string

	csvPaths    []string
	featureCols []string
	targetCols  []string

	// per-file column indices, headers may differ in order between files
	idIdx      []int
	featureIdx [][]int
	targetIdx  [][]int

	// review ids in first-seen order
	ids       []string
	locations map[string]reviewLocation
}

// NewReviewDataset creates a lazily loaded review dataset. idCol may be empty,
// in which case common id column names are tried. targetCols defaults to
// DefaultTargetColumns when empty.
func NewReviewDataset(pattern, idCol string, featureCols, targetCols []string) (*ReviewDataset, error) {
	if len(featureCols) == 0 {
		return nil, fmt.Errorf("at least one feature column is required")
	}
	if len(targetCols) == 0 {
		targetCols = DefaultTargetColumns
	}

	csvPaths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to glob pattern %s: %w", pattern, err)
	}
	if len(csvPaths) == 0 {
		return nil, fmt.Errorf("no CSV files found matching pattern: %s", pattern)
	}

	ds := &ReviewDataset{
		Pattern:     pattern,
		csvPaths:    csvPaths,
		featureCols: featureCols,
		targetCols:  targetCols,
		locations:   make(map[string]reviewLocation),
	}

	if err := ds.buildIndex(idCol); err != nil {
		return nil, err
	}
	if len(ds.ids) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyDataset, pattern)
	}
	return ds, nil
}

// buildIndex reads every header and scans every file once to find the rows
// of each review.
func (d *ReviewDataset) buildIndex(idCol string) error {
	d.idIdx = make([]int, len(d.csvPaths))
	d.featureIdx = make([][]int, len(d.csvPaths))
	d.targetIdx = make([][]int, len(d.csvPaths))

	for fileIdx, path := range d.csvPaths {
		if err := d.scanFile(fileIdx, path, idCol); err != nil {
			return fmt.Errorf("failed to scan %s: %w", path, err)
		}
	}
	return nil
}

func (d *ReviewDataset) scanFile(fileIdx int, path, idCol string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}
	colIndex := make(map[string]int, len(header))
	for i, col := range header {
		colIndex[strings.TrimSpace(strings.ToLower(col))] = i
	}

	idIdx := -1
	if idCol != "" {
		if idx, ok := colIndex[strings.ToLower(idCol)]; ok {
			idIdx = idx
		}
	} else {
		for _, name := range defaultIDColumnGuesses {
			if idx, ok := colIndex[name]; ok {
				idIdx = idx
				break
			}
		}
	}
	if idIdx == -1 {
		return fmt.Errorf("could not find review id column")
	}
	d.idIdx[fileIdx] = idIdx

	lookup := func(kind string, names []string) ([]int, error) {
		out := make([]int, len(names))
		for i, name := range names {
			idx, ok := colIndex[strings.ToLower(name)]
			if !ok {
				return nil, fmt.Errorf("%s column %q not found", kind, name)
			}
			out[i] = idx
		}
		return out, nil
	}
	if d.featureIdx[fileIdx], err = lookup("feature", d.featureCols); err != nil {
		return err
	}
	if d.targetIdx[fileIdx], err = lookup("target", d.targetCols); err != nil {
		return err
	}

	rowIdx := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		id := strings.TrimSpace(record[idIdx])
		loc, ok := d.locations[id]
		if !ok {
			d.ids = append(d.ids, id)
			loc.fileIdx = fileIdx
		} else if loc.fileIdx != fileIdx {
			return fmt.Errorf("review %s spans multiple files", id)
		}
		loc.rows = append(loc.rows, rowIdx)
		d.locations[id] = loc
		rowIdx++
	}
	return nil
}

// Len returns the number of reviews.
func (d *ReviewDataset) Len() int {
	return len(d.ids)
}

// FeatureDim returns the number of features per time step.
func (d *ReviewDataset) FeatureDim() int {
	return len(d.featureCols)
}

// TargetDim returns the size of each target vector.
func (d *ReviewDataset) TargetDim() int {
	return len(d.targetCols)
}

// ID returns the review id at index i.
func (d *ReviewDataset) ID(i int) string {
	return d.ids[i]
}

// Example loads the review at index idx.
func (d *ReviewDataset) Example(idx int) (Sample, error) {
	if idx < 0 || idx >= len(d.ids) {
		return Sample{}, fmt.Errorf("index %d out of range [0, %d)", idx, len(d.ids))
	}
	id := d.ids[idx]
	loc := d.locations[id]

	file, err := os.Open(d.csvPaths[loc.fileIdx])
	if err != nil {
		return Sample{}, fmt.Errorf("failed to open CSV: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.ReuseRecord = true
	if _, err := reader.Read(); err != nil {
		return Sample{}, fmt.Errorf("failed to read header: %w", err)
	}

	featureIdx := d.featureIdx[loc.fileIdx]
	targetIdx := d.targetIdx[loc.fileIdx]
	sample := Sample{Features: make([][]float32, 0, len(loc.rows))}

	// loc.rows is ascending, so the file is read once up to the last row.
	next := 0
	for rowIdx := 0; next < len(loc.rows); rowIdx++ {
		record, err := reader.Read()
		if err != nil {
			return Sample{}, fmt.Errorf("review %s: failed to read row %d: %w", id, rowIdx, err)
		}
		if rowIdx != loc.rows[next] {
			continue
		}
		next++

		vec := make([]float32, len(featureIdx))
		for i, col := range featureIdx {
			v, err := parseFloat32(record[col])
			if err != nil {
				return Sample{}, fmt.Errorf("review %s: failed to parse %s: %w", id, d.featureCols[i], err)
			}
			vec[i] = v
		}
		sample.Features = append(sample.Features, vec)

		if sample.Target == nil {
			sample.Target = make([]float32, len(targetIdx))
			for i, col := range targetIdx {
				v, err := parseFloat32(record[col])
				if err != nil {
					return Sample{}, fmt.Errorf("review %s: failed to parse %s: %w", id, d.targetCols[i], err)
				}
				sample.Target[i] = v
			}
		}
	}
	return sample, nil
}

// Batch loads multiple reviews by index.
func (d *ReviewDataset) Batch(indices []int) ([]Sample, error) {
	samples := make([]Sample, len(indices))
	for i, idx := range indices {
		s, err := d.Example(idx)
		if err != nil {
			return nil, err
		}
		samples[i] = s
	}
	return samples, nil
}
