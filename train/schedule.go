package train

import "math"

// Alpha is the gradient-reversal coefficient at training progress p in [0,1]:
// 2/(1+exp(-10p)) - 1. It starts at 0 and saturates towards 1.
func Alpha(p float64) float64 {
	return 2.0/(1.0+math.Exp(-10*p)) - 1
}

// Progress returns the fraction of the run completed before step i of epoch.
func Progress(i, epoch, stepsPerEpoch, epochs int) float64 {
	return float64(i+epoch*stepsPerEpoch) / float64(epochs) / float64(stepsPerEpoch)
}

// OneCycle is a cosine one-cycle learning-rate policy. The rate warms up
// from MaxLR/DivFactor to MaxLR over the first PctStart of the run, then
// anneals to MaxLR/DivFactor/FinalDivFactor. Beta1 moves the opposite way
// between MaxMomentum and BaseMomentum.
type OneCycle struct {
	MaxLR          float64
	TotalSteps     int
	PctStart       float64
	DivFactor      float64
	FinalDivFactor float64
	BaseMomentum   float64
	MaxMomentum    float64

	step int
}

// NewOneCycle returns the default policy: 30% warm-up, div 25, final div 1e4,
// beta1 cycled between 0.85 and 0.95.
func NewOneCycle(maxLR float64, totalSteps int) *OneCycle {
	return &OneCycle{
		MaxLR:          maxLR,
		TotalSteps:     totalSteps,
		PctStart:       0.3,
		DivFactor:      25,
		FinalDivFactor: 1e4,
		BaseMomentum:   0.85,
		MaxMomentum:    0.95,
	}
}

func cosineAnneal(start, end, pct float64) float64 {
	return end + (start-end)/2*(math.Cos(math.Pi*pct)+1)
}

// phase returns the warm-up/anneal position of the current step.
func (s *OneCycle) phase() (warm bool, pct float64) {
	warmEnd := s.PctStart*float64(s.TotalSteps) - 1
	last := float64(s.TotalSteps - 1)
	n := float64(s.step)
	if n > last {
		n = last
	}
	if n <= warmEnd {
		if warmEnd <= 0 {
			return true, 1
		}
		return true, n / warmEnd
	}
	if last <= warmEnd {
		return false, 1
	}
	return false, (n - warmEnd) / (last - warmEnd)
}

// LR returns the learning rate of the current step.
func (s *OneCycle) LR() float64 {
	initial := s.MaxLR / s.DivFactor
	final := initial / s.FinalDivFactor
	warm, pct := s.phase()
	if warm {
		return cosineAnneal(initial, s.MaxLR, pct)
	}
	return cosineAnneal(s.MaxLR, final, pct)
}

// Beta1 returns the Adam beta1 of the current step.
func (s *OneCycle) Beta1() float64 {
	warm, pct := s.phase()
	if warm {
		return cosineAnneal(s.MaxMomentum, s.BaseMomentum, pct)
	}
	return cosineAnneal(s.BaseMomentum, s.MaxMomentum, pct)
}

// Step advances the schedule by one optimizer step.
func (s *OneCycle) Step() { s.step++ }

// Steps returns the number of completed steps.
func (s *OneCycle) Steps() int { return s.step }
