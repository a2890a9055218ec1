package wmii

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// windWindow keeps the wind samples of the trailing window and averages them.
// Direction is a speed-weighted circular mean so that 350° and 10° average to 0°.
type windWindow struct {
	span    time.Duration
	times   []time.Time
	speeds  []float64
	radians []float64
}

func newWindWindow(span time.Duration) *windWindow {
	return &windWindow{span: span}
}

// add records a sample and returns the mean speed and direction over the window
func (w *windWindow) add(t time.Time, speed, dir float64) (float64, float64) {
	w.times = append(w.times, t)
	w.speeds = append(w.speeds, speed)
	w.radians = append(w.radians, dir*math.Pi/180)

	cutoff := t.Add(-w.span)
	drop := 0
	for drop < len(w.times)-1 && !w.times[drop].After(cutoff) {
		drop++
	}
	if drop > 0 {
		w.times = w.times[drop:]
		w.speeds = w.speeds[drop:]
		w.radians = w.radians[drop:]
	}

	meanSpeed := stat.Mean(w.speeds, nil)

	weights := w.speeds
	if meanSpeed == 0 {
		weights = nil
	}
	meanDir := stat.CircularMean(w.radians, weights) * 180 / math.Pi
	if meanDir < 0 {
		meanDir += 360
	}
	if meanDir >= 360 {
		meanDir -= 360
	}

	return meanSpeed, meanDir
}
