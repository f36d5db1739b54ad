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

// Package combiner merges the Selector's chosen subset of peer estimates
// into one precision-weighted (offset, frequency, covariance) estimate.
package combiner

import (
	"math"

	log "github.com/sirupsen/logrus"

	"github.com/fb-ntp/clockcontrol/internal/kalman"
)

// Combined is the Combiner's output: one offset/frequency estimate with
// covariance, derived from every peer in the selected subset.
type Combined struct {
	X kalman.Vector2
	P kalman.Matrix2
}

// Source is one selected peer's contribution: its Kalman estimate plus the
// self-reported UTC uncertainty to fold in before combining.
type Source struct {
	Estimate          kalman.Estimate
	RemoteUncertainty float64 // seconds, added to P00 before folding
}

// Combine folds every source via the information-form accumulation
// (sum of inverse covariances and inverse-covariance-weighted states,
// inverted once), which is equivalent to iterated pairwise folding but
// exactly order-independent modulo floating rounding.
func Combine(sources []Source) (Combined, bool) {
	if len(sources) == 0 {
		return Combined{}, false
	}
	if len(sources) == 1 {
		return Combined{X: estimateVector(sources[0]), P: inflate(sources[0])}, true
	}

	var sumInfo kalman.Matrix2
	var sumInfoX kalman.Vector2

	for _, s := range sources {
		p := inflate(s)
		inv, ok := invert2(p)
		if !ok {
			log.Warningf("combiner: source %s covariance is singular, skipping in information fold", s.Estimate.PeerID)
			continue
		}
		x := estimateVector(s)
		sumInfo.M00 += inv.M00
		sumInfo.M01 += inv.M01
		sumInfo.M10 += inv.M10
		sumInfo.M11 += inv.M11
		sumInfoX.Offset += inv.M00*x.Offset + inv.M01*x.Freq
		sumInfoX.Freq += inv.M10*x.Offset + inv.M11*x.Freq
	}

	P, ok := invert2(sumInfo)
	if !ok {
		return fallbackLeastUncertain(sources), true
	}

	x := kalman.Vector2{
		Offset: P.M00*sumInfoX.Offset + P.M01*sumInfoX.Freq,
		Freq:   P.M10*sumInfoX.Offset + P.M11*sumInfoX.Freq,
	}
	return Combined{X: x, P: symmetrize(P)}, true
}

// PairwiseFold implements the spec's two-element fold directly, for
// testing the information-form accumulation above against the literal
// Kalman-combine formula.
func PairwiseFold(a, b Source) (Combined, bool) {
	pi, pj := inflate(a), inflate(b)
	sum := addMatrix(pi, pj)
	inv, ok := invert2(sum)
	if !ok {
		return fallbackLeastUncertain([]Source{a, b}), true
	}
	xi, xj := estimateVector(a), estimateVector(b)
	diff := kalman.Vector2{Offset: xj.Offset - xi.Offset, Freq: xj.Freq - xi.Freq}
	gain := matMul(pi, inv)
	x := kalman.Vector2{
		Offset: xi.Offset + gain.M00*diff.Offset + gain.M01*diff.Freq,
		Freq:   xi.Freq + gain.M10*diff.Offset + gain.M11*diff.Freq,
	}
	P := subMatrix(pi, matMul(gain, pi))
	return Combined{X: x, P: symmetrize(P)}, true
}

func estimateVector(s Source) kalman.Vector2 {
	return kalman.Vector2{Offset: s.Estimate.Delta.Seconds(), Freq: s.Estimate.Omega}
}

func inflate(s Source) kalman.Matrix2 {
	p := s.Estimate.P
	p.M00 += s.RemoteUncertainty
	return p
}

func fallbackLeastUncertain(sources []Source) Combined {
	best := sources[0]
	for _, s := range sources[1:] {
		if inflate(s).M00 < inflate(best).M00 {
			best = s
		}
	}
	log.Warningf("combiner: covariance sum underflowed, falling back to least-uncertain source %s", best.Estimate.PeerID)
	return Combined{X: estimateVector(best), P: inflate(best)}
}

func addMatrix(a, b kalman.Matrix2) kalman.Matrix2 {
	return kalman.Matrix2{M00: a.M00 + b.M00, M01: a.M01 + b.M01, M10: a.M10 + b.M10, M11: a.M11 + b.M11}
}

func subMatrix(a, b kalman.Matrix2) kalman.Matrix2 {
	return kalman.Matrix2{M00: a.M00 - b.M00, M01: a.M01 - b.M01, M10: a.M10 - b.M10, M11: a.M11 - b.M11}
}

func matMul(a, b kalman.Matrix2) kalman.Matrix2 {
	return kalman.Matrix2{
		M00: a.M00*b.M00 + a.M01*b.M10,
		M01: a.M00*b.M01 + a.M01*b.M11,
		M10: a.M10*b.M00 + a.M11*b.M10,
		M11: a.M10*b.M01 + a.M11*b.M11,
	}
}

// invert2 computes the closed-form inverse of a 2x2 matrix; ok is false on
// determinant underflow.
func invert2(m kalman.Matrix2) (kalman.Matrix2, bool) {
	det := m.M00*m.M11 - m.M01*m.M10
	if math.Abs(det) < 1e-300 {
		return kalman.Matrix2{}, false
	}
	inv := 1 / det
	return kalman.Matrix2{
		M00: m.M11 * inv,
		M01: -m.M01 * inv,
		M10: -m.M10 * inv,
		M11: m.M00 * inv,
	}, true
}

func symmetrize(m kalman.Matrix2) kalman.Matrix2 {
	off := (m.M01 + m.M10) / 2
	return kalman.Matrix2{M00: m.M00, M01: off, M10: off, M11: m.M11}
}
