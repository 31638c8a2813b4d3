//go:build !darwin || !cgo

package blas

// Dgemm performs C = alpha*op(A)*op(B) + beta*C in pure Go.
// All matrices are row-major. op(X) = X if trans=false, X^T if trans=true.
// The inner loop runs over contiguous rows of B when B is not transposed,
// which is the layout of every backward pass in this module.
func Dgemm(transA, transB bool, m, n, k int,
	alpha float64, a []float64, lda int,
	b []float64, ldb int,
	beta float64, c []float64, ldc int) {

	if m == 0 || n == 0 {
		return
	}
	for i := 0; i < m; i++ {
		row := c[i*ldc : i*ldc+n]
		if beta == 0 {
			for j := range row {
				row[j] = 0
			}
		} else if beta != 1 {
			for j := range row {
				row[j] *= beta
			}
		}
	}
	if k == 0 || alpha == 0 {
		return
	}

	if transB {
		// C[i][j] += alpha * dot(op(A)[i], B[j])
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				bRow := b[j*ldb : j*ldb+k]
				sum := 0.0
				if transA {
					for p, bv := range bRow {
						sum += a[p*lda+i] * bv
					}
				} else {
					aRow := a[i*lda : i*lda+k]
					for p, bv := range bRow {
						sum += aRow[p] * bv
					}
				}
				c[i*ldc+j] += alpha * sum
			}
		}
		return
	}

	// C[i] += alpha * sum_p op(A)[i][p] * B[p]
	for i := 0; i < m; i++ {
		cRow := c[i*ldc : i*ldc+n]
		for p := 0; p < k; p++ {
			var av float64
			if transA {
				av = a[p*lda+i]
			} else {
				av = a[i*lda+p]
			}
			if av == 0 {
				continue
			}
			av *= alpha
			bRow := b[p*ldb : p*ldb+n]
			for j, bv := range bRow {
				cRow[j] += av * bv
			}
		}
	}
}

// HasAccelerate returns false on non-darwin platforms.
func HasAccelerate() bool { return false }
