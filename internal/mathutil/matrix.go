package mathutil

import "math"

// NewVecFill creates a vector of length n filled with val.
func NewVecFill(n int, val float64) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = val
	}
	return v
}

// Clear zeroes v in place.
func Clear(v []float64) {
	for i := range v {
		v[i] = 0
	}
}

// AddTo accumulates src into dst.
func AddTo(dst, src []float64) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// LogSoftmaxRows replaces each row of the row-major [rows × cols] matrix z
// with its log-softmax. The row max is subtracted first for stability.
func LogSoftmaxRows(z []float64, rows, cols int) {
	for r := 0; r < rows; r++ {
		row := z[r*cols : (r+1)*cols]
		maxVal := math.Inf(-1)
		for _, v := range row {
			if v > maxVal {
				maxVal = v
			}
		}
		sumExp := 0.0
		for _, v := range row {
			sumExp += math.Exp(v - maxVal)
		}
		lse := maxVal + math.Log(sumExp)
		for j := range row {
			row[j] -= lse
		}
	}
}

// ArgMaxRows returns the index of the largest value of every row.
// Ties resolve to the lowest index.
func ArgMaxRows(z []float64, rows, cols int) []int {
	out := make([]int, rows)
	for r := 0; r < rows; r++ {
		row := z[r*cols : (r+1)*cols]
		best := 0
		for j := 1; j < cols; j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		out[r] = best
	}
	return out
}
