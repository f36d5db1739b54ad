/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package kalman

import (
	"container/ring"
	"math"

	"github.com/eclesh/welford"
)

// delayWindow is a fixed-size ring buffer of round-trip delay samples, in
// seconds, used both to estimate measurement noise R and to drive the pop
// (outlier) filter.
type delayWindow struct {
	size    int
	count   int
	samples *ring.Ring
}

func newDelayWindow(size int) *delayWindow {
	return &delayWindow{
		size:    size,
		samples: ring.New(size),
	}
}

func (w *delayWindow) add(delaySeconds float64) {
	w.samples.Value = delaySeconds
	w.samples = w.samples.Next()
	if w.count < w.size {
		w.count++
	}
}

func (w *delayWindow) full() bool {
	return w.count == w.size
}

func (w *delayWindow) values() []float64 {
	out := make([]float64, 0, w.count)
	r := w.samples
	for i := 0; i < w.size; i++ {
		r = r.Prev()
		if r.Value != nil {
			out = append(out, r.Value.(float64))
		}
	}
	return out
}

// stats folds the current window through a Welford accumulator, the same
// one-pass mean/variance estimator used elsewhere in this codebase for
// windowed statistics over sample histories.
func (w *delayWindow) stats() *welford.Stats {
	s := welford.New()
	for _, v := range w.values() {
		s.Add(v)
	}
	return s
}

func (w *delayWindow) mean() float64 {
	if w.count == 0 {
		return math.NaN()
	}
	return w.stats().Mean()
}

// variance returns the sample variance (not stddev) of the buffered delays.
func (w *delayWindow) variance() float64 {
	if w.count == 0 {
		return math.NaN()
	}
	return w.stats().Variance()
}

func (w *delayWindow) stddev() float64 {
	if w.count == 0 {
		return math.NaN()
	}
	return w.stats().Stddev()
}

// zscore returns the Z-score of sample against the buffer's current mean
// and stddev. Returns 0 if the buffer is empty or its stddev is NaN. When
// every buffered delay is identical (stddev zero), a sample equal to them
// scores 0 and any other sample scores ±Inf.
func (w *delayWindow) zscore(sample float64) float64 {
	mean := w.mean()
	std := w.stddev()
	if math.IsNaN(mean) || math.IsNaN(std) {
		return 0
	}
	if std == 0 {
		switch {
		case sample > mean:
			return math.Inf(1)
		case sample < mean:
			return math.Inf(-1)
		default:
			return 0
		}
	}
	return (sample - mean) / std
}

func (w *delayWindow) reset() {
	w.samples = ring.New(w.size)
	w.count = 0
}
