package model

import "fmt"

// NLL returns the mean negative log-likelihood of labels under logp
// ([len(labels) × classes] log-probabilities) together with its gradient
// w.r.t. logp.
func NLL(logp []float64, labels []int, classes int) (float64, []float64, error) {
	bs := len(labels)
	if bs == 0 || len(logp) != bs*classes {
		return 0, nil, fmt.Errorf("%w: %d log-probs for %d labels × %d classes", ErrShape, len(logp), bs, classes)
	}
	grad := make([]float64, len(logp))
	inv := 1.0 / float64(bs)
	loss := 0.0
	for r, y := range labels {
		if y < 0 || y >= classes {
			return 0, nil, fmt.Errorf("%w: label %d outside [0,%d)", ErrShape, y, classes)
		}
		loss -= logp[r*classes+y]
		grad[r*classes+y] = -inv
	}
	return loss * inv, grad, nil
}
