package analytics

import "math"

// RollingWindow keeps the last windowSize values in a ring buffer.
type RollingWindow struct {
	windowSize int
	values     []float64
	index      int
	count      int
	sum        float64
}

func NewRollingWindow(size int) *RollingWindow {
	if size < 1 {
		size = 1
	}
	return &RollingWindow{
		windowSize: size,
		values:     make([]float64, size),
	}
}

func (rw *RollingWindow) Add(value float64) {
	if rw.count < rw.windowSize {
		rw.values[rw.index] = value
		rw.sum += value
		rw.count++
		rw.index = (rw.index + 1) % rw.windowSize
		return
	}

	oldValue := rw.values[rw.index]
	rw.values[rw.index] = value
	rw.sum = rw.sum - oldValue + value
	rw.index = (rw.index + 1) % rw.windowSize
}

func (rw *RollingWindow) Count() int {
	return rw.count
}

func (rw *RollingWindow) Average() float64 {
	if rw.count == 0 {
		return 0.0
	}
	return rw.sum / float64(rw.count)
}

// StdDev is the population standard deviation of the window. The mean
// is recomputed from the buffer so long runs do not accumulate drift
// from the running sum.
func (rw *RollingWindow) StdDev() float64 {
	values := rw.GetValues()
	if len(values) < 2 {
		return 0.0
	}

	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var variance float64
	for _, v := range values {
		diff := v - mean
		variance += diff * diff
	}

	variance /= float64(len(values))
	return math.Sqrt(variance)
}

func (rw *RollingWindow) GetValues() []float64 {
	if rw.count < rw.windowSize {
		return rw.values[:rw.count]
	}
	return rw.values
}
