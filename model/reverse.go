package model

// GradReverse is the gradient-reversal node between the shared embedding and
// the domain head. Forward is the identity; Backward returns -alpha * dy.
//
// Alpha is captured by Forward and read back by Backward of the same node.
// It is a plain scalar: no gradient is ever produced for it.
type GradReverse struct {
	alpha float64
}

// Forward records alpha and returns x itself.
func (g *GradReverse) Forward(x []float64, alpha float64) []float64 {
	g.alpha = alpha
	return x
}

// Backward returns a new slice holding -alpha * dy.
func (g *GradReverse) Backward(dy []float64) []float64 {
	dx := make([]float64, len(dy))
	for i, v := range dy {
		dx[i] = -g.alpha * v
	}
	return dx
}

// Alpha returns the coefficient captured by the last Forward.
func (g *GradReverse) Alpha() float64 { return g.alpha }
