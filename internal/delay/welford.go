package delay

import "math"

// Welford keeps a running mean and variance of delay samples in O(1) space.
// Reference: https://en.wikipedia.org/wiki/Algorithms_for_calculating_variance#Welford's_online_algorithm
type Welford struct {
	Count int
	Mean  float64
	M2    float64
}

func (w *Welford) Add(sample float64) {
	w.Count++
	delta := sample - w.Mean
	w.Mean += delta / float64(w.Count)
	w.M2 += delta * (sample - w.Mean)
}

// StdDev is the population standard deviation; 0 with fewer than 2 samples.
func (w *Welford) StdDev() float64 {
	if w.Count < 2 {
		return 0
	}
	return math.Sqrt(w.M2 / float64(w.Count))
}

// RoundedMean is the mean rounded to whole seconds, 0 without samples.
func (w *Welford) RoundedMean() int {
	if w.Count == 0 {
		return 0
	}
	return int(math.Round(w.Mean))
}
