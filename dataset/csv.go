package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// ErrEmpty is returned for a CSV file without data rows.
var ErrEmpty = errors.New("dataset has no rows")

// labelColumn is the trailing categorical column of the preprocessed CSV files.
const labelColumn = "label"

// Dataset is an in-memory table of feature rows and emotion class ids.
type Dataset struct {
	Features []float64 // flat [N × Dim] row-major
	Labels   []int     // [N]
	Dim      int
}

// Len returns the number of rows.
func (d *Dataset) Len() int { return len(d.Labels) }

// Row returns row i of the feature matrix.
func (d *Dataset) Row(i int) []float64 { return d.Features[i*d.Dim : (i+1)*d.Dim] }

// LoadCSV reads a preprocessed feature CSV from path.
func LoadCSV(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	d, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// ReadCSV parses a header row, numeric feature columns and a trailing
// "label" column. A label outside the emotion vocabulary aborts the read.
func ReadCSV(r io.Reader) (*Dataset, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) < 2 || strings.TrimSpace(header[len(header)-1]) != labelColumn {
		return nil, fmt.Errorf("header must end with a %q column, got %d columns", labelColumn, len(header))
	}
	dim := len(header) - 1

	d := &Dataset{Dim: dim}
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		label, err := ParseEmotion(rec[dim])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		for j := 0; j < dim; j++ {
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[j]), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d column %d: %w", line, j, err)
			}
			d.Features = append(d.Features, v)
		}
		d.Labels = append(d.Labels, int(label))
	}
	if d.Len() == 0 {
		return nil, ErrEmpty
	}
	return d, nil
}

// Standardize rescales every column to zero mean and unit variance
// (population statistics). Constant columns are only centered.
func (d *Dataset) Standardize() {
	n := d.Len()
	if n == 0 {
		return
	}
	nF := float64(n)
	for j := 0; j < d.Dim; j++ {
		mean := 0.0
		for i := 0; i < n; i++ {
			mean += d.Features[i*d.Dim+j]
		}
		mean /= nF
		variance := 0.0
		for i := 0; i < n; i++ {
			v := d.Features[i*d.Dim+j] - mean
			variance += v * v
		}
		std := math.Sqrt(variance / nF)
		if std == 0 {
			std = 1
		}
		for i := 0; i < n; i++ {
			d.Features[i*d.Dim+j] = (d.Features[i*d.Dim+j] - mean) / std
		}
	}
}
