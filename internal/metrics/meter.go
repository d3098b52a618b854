// Package metrics tracks running scalar metrics and classification accuracy.
package metrics

import "fmt"

// Meter tracks the last value and running average of a scalar metric.
//
// The zero value is ready to use. A Meter is confined to the goroutine that
// drives the epoch loop.
type Meter struct {
	Val   float64 // Most recent value
	Sum   float64 // Weighted sum of all values
	Count int     // Total weight (usually number of examples)
	Avg   float64 // Sum / Count
}

// Update records value v observed n times (e.g. a batch mean over n examples).
func (m *Meter) Update(v float64, n int) {
	m.Val = v
	m.Sum += v * float64(n)
	m.Count += n
	if m.Count > 0 {
		m.Avg = m.Sum / float64(m.Count)
	}
}

// Reset clears the meter.
func (m *Meter) Reset() {
	*m = Meter{}
}

// String formats the meter as "val (avg)".
func (m Meter) String() string {
	return fmt.Sprintf("%.4f (%.4f)", m.Val, m.Avg)
}
