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

// Package kalman implements the per-peer Kalman filter stage of the clock
// control pipeline: state-space tracking of offset and frequency error
// against one remote time source, online noise adaptation, the pop
// (outlier) filter, and external clock jump detection.
package kalman

import (
	"math"
	"time"

	log "github.com/sirupsen/logrus"
)

// PeerFilter tracks one remote time source's offset and frequency error.
// A PeerFilter is not safe for concurrent use; the pipeline serializes all
// access through a single progress point per the estimator's concurrency
// model.
type PeerFilter struct {
	id       string
	cfg      Config
	state    *PeerState
	estimate Estimate
}

// NewPeerFilter creates a PeerFilter for a newly registered peer.
func NewPeerFilter(id string, cfg Config, tlStar time.Time) *PeerFilter {
	pf := &PeerFilter{
		id:    id,
		cfg:   cfg,
		state: NewPeerState(cfg, tlStar),
	}
	pf.estimate = pf.publish(tlStar)
	return pf
}

// ID returns the peer identifier this filter tracks.
func (pf *PeerFilter) ID() string { return pf.id }

// State returns a read-only snapshot of the current PeerState. Callers
// must not mutate the returned value.
func (pf *PeerFilter) State() PeerState { return *pf.state }

// Estimate returns the filter's last published Estimate, the same value
// returned by the most recent call to Update. Unlike reconstructing one
// from State(), this carries the real delay-window mean and the filter's
// own Usable verdict rather than a partial recomputation of either.
func (pf *PeerFilter) Estimate() Estimate { return pf.estimate }

// Update feeds one accepted measurement through predict, pop filter, and
// (if not rejected) the Kalman update, noise adaptation, and poll-cadence
// adaptation. It always advances the local reference time, and always
// returns the filter's current published Estimate.
func (pf *PeerFilter) Update(m Measurement) Estimate {
	tl := m.T4
	delta := tl.Sub(pf.state.TLStar).Seconds()
	if delta < 0 {
		// tl* is monotonically non-decreasing except on reset; a
		// measurement that arrives out of order relative to tl* is
		// folded in without moving time backwards.
		delta = 0
	} else {
		pf.predict(delta)
	}
	pf.state.TLStar = tl

	delaySeconds := m.Delay().Seconds()
	offsetSeconds := m.Offset().Seconds()

	if pf.state.delays.full() {
		z := pf.state.delays.zscore(delaySeconds)
		if z < 0 {
			z = -z
		}
		if z > pf.cfg.OutlierThresholdSigma {
			if pf.state.OutlierStreak == 0 {
				pf.state.OutlierStreak = 1
				log.Debugf("kalman[%s]: pop filter rejected delay sample (z=%.2f)", pf.id, z)
				pf.estimate = pf.publish(tl)
				return pf.estimate
			}
			log.Debugf("kalman[%s]: second consecutive outlier (z=%.2f), treating as regime change", pf.id, z)
		}
	}
	pf.state.OutlierStreak = 0
	pf.state.delays.add(delaySeconds)

	R := pf.measurementNoise()
	y := offsetSeconds - pf.state.X.Offset
	S := pf.state.P.M00 + R
	pf.applyUpdate(y, S, R)

	pf.state.AcceptedCount++
	pf.state.LastAcceptedLocalTime = tl
	if pf.state.Phase == PhaseStartup && pf.state.AcceptedCount >= pf.cfg.WarmupCount {
		pf.state.Phase = PhaseRunning
		log.Infof("kalman[%s]: warmed up after %d measurements, entering Running", pf.id, pf.state.AcceptedCount)
	}

	pf.estimate = pf.publish(tl)
	return pf.estimate
}

// predict advances x and P by local interval delta (seconds) under
// F(delta) = [[1, delta], [0, 1]] and the frequency-random-walk process
// noise Q(delta).
func (pf *PeerFilter) predict(delta float64) {
	Q00 := pf.state.A * delta * delta * delta / 3
	Q01 := pf.state.A * delta * delta / 2
	Q11 := pf.state.A * delta

	p := pf.state.P
	newP00 := p.M00 + 2*delta*p.M01 + delta*delta*p.M11 + Q00
	newP01 := p.M01 + delta*p.M11 + Q01

	pf.state.X.Offset += delta * pf.state.X.Freq
	pf.state.P = Matrix2{M00: newP00, M01: newP01, M10: newP01, M11: p.M11 + Q11}
}

// applyUpdate performs the scalar Kalman measurement update with
// innovation y and innovation covariance S, then runs noise and
// poll-cadence adaptation using R/S.
func (pf *PeerFilter) applyUpdate(y, S, R float64) {
	k0 := pf.state.P.M00 / S
	k1 := pf.state.P.M10 / S

	pf.state.X.Offset += k0 * y
	pf.state.X.Freq += k1 * y

	newP00 := (1 - k0) * pf.state.P.M00
	newP01 := (1 - k0) * pf.state.P.M01
	newP10 := pf.state.P.M10 - k1*pf.state.P.M00
	newP11 := pf.state.P.M11 - k1*pf.state.P.M01
	off := (newP01 + newP10) / 2
	pf.state.P = Matrix2{
		M00: clampNonNegative(pf.id, "P00", newP00),
		M01: off,
		M10: off,
		M11: clampNonNegative(pf.id, "P11", newP11),
	}

	ratio := R / S
	p := tailProbability(y, S)
	pf.adaptNoise(ratio, p)
	pf.adaptPoll(ratio)
}

func clampNonNegative(id, label string, v float64) float64 {
	if v < 0 {
		log.Warningf("kalman[%s]: negative variance %s=%g after update, clamping to 0", id, label, v)
		return 0
	}
	return v
}

// tailProbability computes p = 1 - erf(sqrt(y^2/S / 2)), the two-sided
// tail of a chi-squared-1 distribution evaluated at the normalized
// squared innovation.
func tailProbability(y, S float64) float64 {
	if S <= 0 {
		return 0
	}
	return 1 - math.Erf(math.Sqrt(y*y/S/2))
}

func towardZeroDelta(counter int) int {
	switch {
	case counter > 0:
		return -1
	case counter < 0:
		return 1
	default:
		return 0
	}
}

// adaptNoise runs the noise-adaptation counter M for one accepted
// measurement. ratio is R/S; p is the tail probability of the innovation.
func (pf *PeerFilter) adaptNoise(ratio, p float64) {
	var delta int
	measurementDominates := ratio > 0.9
	switch {
	case p < 1.0/3.0:
		if measurementDominates {
			delta = towardZeroDelta(pf.state.M)
		} else {
			delta = -1
		}
	case p > 2.0/3.0:
		delta = 1
	default:
		delta = towardZeroDelta(pf.state.M)
	}
	pf.state.M += delta

	threshold := pf.cfg.NoiseCounterThreshold + 1
	switch {
	case pf.state.M >= threshold:
		pf.state.A *= 4
		pf.state.M = 0
		log.Debugf("kalman[%s]: noise counter saturated high, wander A -> %g", pf.id, pf.state.A)
	case pf.state.M <= -threshold:
		pf.state.A /= 4
		if pf.state.A < pf.cfg.MinWander {
			pf.state.A = pf.cfg.MinWander
		}
		pf.state.M = 0
		log.Debugf("kalman[%s]: noise counter saturated low, wander A -> %g", pf.id, pf.state.A)
	}
}

// adaptPoll runs the poll-cadence counter M_poll for one accepted
// measurement, using the same ratio R/S against the configured fraction
// thresholds.
func (pf *PeerFilter) adaptPoll(ratio float64) {
	var delta int
	switch {
	case ratio < pf.cfg.MeasurementFractionLow:
		delta = -1
	case ratio > pf.cfg.MeasurementFractionHigh:
		delta = 1
	default:
		delta = towardZeroDelta(pf.state.MPoll)
	}
	pf.state.MPoll += delta

	threshold := pf.cfg.NoiseCounterThreshold + 1
	switch {
	case pf.state.MPoll >= threshold:
		if pf.state.DesiredPollExponent > pf.cfg.MinPollExponent {
			pf.state.DesiredPollExponent--
		}
		pf.state.MPoll = 0
	case pf.state.MPoll <= -threshold:
		if pf.state.DesiredPollExponent < pf.cfg.MaxPollExponent {
			pf.state.DesiredPollExponent++
		}
		pf.state.MPoll = 0
	}
}

// measurementNoise returns R: one quarter of the sample variance of the
// buffered delays, or the configured conservative Startup value while the
// filter is in Startup or there isn't yet a full buffer.
func (pf *PeerFilter) measurementNoise() float64 {
	if pf.state.Phase == PhaseStartup || !pf.state.delays.full() {
		return pf.cfg.StartupR
	}
	return pf.state.delays.variance() / 4
}

func (pf *PeerFilter) publish(tl time.Time) Estimate {
	usable := pf.state.Phase == PhaseRunning &&
		pf.state.AcceptedCount >= pf.cfg.WarmupCount &&
		math.Sqrt(pf.state.P.M00) <= pf.cfg.MaxUncertainty.Seconds()
	return Estimate{
		PeerID:    pf.id,
		Delta:     secondsToDuration(pf.state.X.Offset),
		Omega:     pf.state.X.Freq,
		P:         pf.state.P,
		DelayMean: secondsToDuration(pf.state.delays.mean()),
		Usable:    usable,
		At:        tl,
	}
}

func secondsToDuration(s float64) time.Duration {
	if math.IsNaN(s) {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

// Reset drives the filter back to Startup, as happens on divergence,
// external clock jump, or prolonged unreachability. The wander coefficient
// learned so far is not preserved; a fresh filter starts conservative.
func (pf *PeerFilter) Reset(tlStar time.Time) {
	pf.state = NewPeerState(pf.cfg, tlStar)
	pf.estimate = pf.publish(tlStar)
	log.Warningf("kalman[%s]: filter reset to Startup", pf.id)
}

// CheckExternalJump compares the actual wall/monotonic offset against the
// offset expected from cumulative steering; if the discrepancy exceeds
// tolerance (scaled by elapsed time since the last check for drift
// budget), the filter resets to Startup and true is returned.
func (pf *PeerFilter) CheckExternalJump(actual, expected, tolerance time.Duration, elapsed time.Duration) bool {
	budget := tolerance + time.Duration(float64(elapsed)*pf.cfg.JumpToleranceDriftPPB/1e9)
	diff := actual - expected
	if diff < 0 {
		diff = -diff
	}
	if diff > budget {
		log.Warningf("kalman[%s]: external clock jump detected (diff=%s > budget=%s)", pf.id, diff, budget)
		pf.Reset(pf.state.TLStar)
		return true
	}
	return false
}

// CheckUnreachable forces the filter back to Startup if no measurement has
// been accepted for longer than the configured grace period.
func (pf *PeerFilter) CheckUnreachable(now time.Time) bool {
	if now.Sub(pf.state.LastAcceptedLocalTime) > pf.cfg.UnreachableGrace {
		pf.Reset(now)
		return true
	}
	return false
}
