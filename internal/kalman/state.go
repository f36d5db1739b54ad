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

import "time"

// Phase is the PeerFilter lifecycle state.
type Phase uint8

const (
	// PhaseStartup is the initial phase, and the phase entered on reset:
	// few samples, conservative R, not usable for selection.
	PhaseStartup Phase = iota
	// PhaseRunning is reached once enough measurements have been
	// accepted; the filter is a candidate for selection.
	PhaseRunning
)

func (p Phase) String() string {
	switch p {
	case PhaseStartup:
		return "startup"
	case PhaseRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Matrix2 is a symmetric 2x2 covariance or transition matrix, stored in
// full to avoid repeated index juggling at call sites.
type Matrix2 struct {
	M00, M01, M10, M11 float64
}

// Vector2 is the Kalman state vector x = (Δ, ω): offset in seconds and
// fractional frequency error.
type Vector2 struct {
	Offset float64 // Δ, seconds
	Freq   float64 // ω, fractional (dimensionless)
}

// PeerState is the Kalman state owned exclusively by one PeerFilter.
type PeerState struct {
	X Vector2
	P Matrix2

	// A is the wander coefficient (spectral density of the frequency
	// random walk). B and C are held at zero by design and not modeled.
	A float64

	delays *delayWindow

	// M is the noise-adaptation counter, clamped to
	// [-(NoiseCounterThreshold+1), +(NoiseCounterThreshold+1)].
	M int
	// MPoll is the poll-cadence counter, same shape as M.
	MPoll int

	// TLStar is the local reference time at which X is valid.
	TLStar time.Time

	// OutlierStreak counts consecutive rejected outliers (0 or 1): a
	// second consecutive outlier is treated as a genuine regime change.
	OutlierStreak int

	Phase Phase

	AcceptedCount         int
	DesiredPollExponent   int
	LastAcceptedLocalTime time.Time
}

// NewPeerState creates a fresh Startup-phase state for a newly registered
// peer, at local reference time tlStar.
func NewPeerState(cfg Config, tlStar time.Time) *PeerState {
	return &PeerState{
		X:                     Vector2{},
		P:                     Matrix2{M00: cfg.MaxUncertainty.Seconds() * cfg.MaxUncertainty.Seconds(), M11: 1e-12},
		A:                     cfg.InitialWander,
		delays:                newDelayWindow(cfg.DelayBufferSize),
		TLStar:                tlStar,
		Phase:                 PhaseStartup,
		LastAcceptedLocalTime: tlStar,
	}
}

// Estimate is the value a PeerFilter publishes after each processed
// measurement.
type Estimate struct {
	PeerID    string
	Delta     time.Duration
	Omega     float64
	P         Matrix2
	DelayMean time.Duration
	Usable    bool
	At        time.Time
}
