package train

import (
	"math"

	"github.com/ieee0824/emodann/model"
)

// Adam holds per-parameter first and second moments.
type Adam struct {
	LR      float64
	Beta1   float64
	Beta2   float64
	Epsilon float64

	t int
	m [][]float64
	v [][]float64
}

// NewAdam allocates moment buffers shaped like params.
func NewAdam(params []model.Param, lr float64) *Adam {
	a := &Adam{
		LR:      lr,
		Beta1:   0.9,
		Beta2:   0.999,
		Epsilon: 1e-8,
		m:       make([][]float64, len(params)),
		v:       make([][]float64, len(params)),
	}
	for i, p := range params {
		a.m[i] = make([]float64, len(p.Value))
		a.v[i] = make([]float64, len(p.Value))
	}
	return a
}

// Step applies one update to every parameter from its accumulated gradient.
// params must be listed in the order given to NewAdam.
func (a *Adam) Step(params []model.Param) {
	a.t++
	for i, p := range params {
		adamUpdate(p.Value, p.Grad, a.m[i], a.v[i], a.LR, a.Beta1, a.Beta2, a.Epsilon, a.t)
	}
}

// Steps returns the number of updates applied so far.
func (a *Adam) Steps() int { return a.t }

// adamUpdate applies one Adam step: params -= lr * m_hat / (sqrt(v_hat) + eps)
func adamUpdate(params, grad, m, v []float64, lr, beta1, beta2, eps float64, t int) {
	bc1 := 1.0 - math.Pow(beta1, float64(t))
	bc2 := 1.0 - math.Pow(beta2, float64(t))
	for i := range params {
		g := grad[i]
		m[i] = beta1*m[i] + (1-beta1)*g
		v[i] = beta2*v[i] + (1-beta2)*g*g
		params[i] -= lr * (m[i] / bc1) / (math.Sqrt(v[i]/bc2) + eps)
	}
}
