package obd

import "math"

// minSmoothed is the sample count below which raw values pass through.
const minSmoothed = 3

// Smoother is an exponentially weighted moving average over the last N
// samples. Newer samples weigh more: the sample at window position i
// (0 = oldest) has weight e^(i/N).
type Smoother struct {
	window  []float64
	weights []float64
}

func NewSmoother(n int) *Smoother {
	if n < 1 {
		n = 1
	}
	w := make([]float64, n)
	for i := range w {
		w[i] = math.Exp(float64(i) / float64(n))
	}
	return &Smoother{window: make([]float64, 0, n), weights: w}
}

// Push adds a raw sample and returns the smoothed value.
func (s *Smoother) Push(v float64) float64 {
	if len(s.window) == cap(s.window) {
		copy(s.window, s.window[1:])
		s.window = s.window[:len(s.window)-1]
	}
	s.window = append(s.window, v)

	if len(s.window) < minSmoothed {
		return v
	}
	var sum, wsum float64
	for i, x := range s.window {
		sum += x * s.weights[i]
		wsum += s.weights[i]
	}
	return sum / wsum
}

// PushInt smooths an integer channel, rounding to the nearest integer.
func (s *Smoother) PushInt(v int) int {
	return int(math.Round(s.Push(float64(v))))
}

// Reset forgets all samples.
func (s *Smoother) Reset() {
	s.window = s.window[:0]
}

// Len is the number of samples in the window.
func (s *Smoother) Len() int { return len(s.window) }

// smoothers holds one filter per noisy channel.
type smoothers struct {
	rpm, speed, engineTemp, voltage, oilTemp *Smoother
}

func newSmoothers() smoothers {
	return smoothers{
		rpm:        NewSmoother(5),
		speed:      NewSmoother(5),
		engineTemp: NewSmoother(10),
		voltage:    NewSmoother(10),
		oilTemp:    NewSmoother(10),
	}
}

func (s smoothers) reset() {
	s.rpm.Reset()
	s.speed.Reset()
	s.engineTemp.Reset()
	s.voltage.Reset()
	s.oilTemp.Reset()
}
