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
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func quietMeasurement(peer string, base time.Time, seq int, offset, delay time.Duration) Measurement {
	t1 := base.Add(time.Duration(seq) * 16 * time.Second)
	half := delay / 2
	t2 := t1.Add(half + offset)
	t3 := t2
	t4 := t3.Add(half - offset)
	return Measurement{PeerID: peer, T1: t1, T2: t2, T3: t3, T4: t4}
}

func TestPeerFilterWarmupThenUsable(t *testing.T) {
	cfg := DefaultConfig()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	pf := NewPeerFilter("peerA", cfg, base)

	var est Estimate
	for i := 1; i <= cfg.WarmupCount+4; i++ {
		m := quietMeasurement("peerA", base, i, 2*time.Millisecond, 20*time.Millisecond)
		est = pf.Update(m)
	}

	require.True(t, est.Usable, "filter should be usable after warmup with quiet measurements")
	require.Equal(t, PhaseRunning, pf.State().Phase)
	require.InDelta(t, 2*time.Millisecond.Seconds(), est.Delta.Seconds(), 0.01)
}

func TestPeerFilterEstimateMatchesLastUpdateAndCarriesDelayMean(t *testing.T) {
	cfg := DefaultConfig()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	pf := NewPeerFilter("peerA", cfg, base)

	var last Estimate
	for i := 1; i <= cfg.DelayBufferSize+1; i++ {
		last = pf.Update(quietMeasurement("peerA", base, i, time.Millisecond, 20*time.Millisecond))
	}

	require.Equal(t, last, pf.Estimate())
	require.InDelta(t, 20*time.Millisecond.Seconds(), pf.Estimate().DelayMean.Seconds(), 0.005)
}

func TestPeerFilterSingleOutlierRejected(t *testing.T) {
	cfg := DefaultConfig()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	pf := NewPeerFilter("peerA", cfg, base)

	for i := 1; i <= cfg.DelayBufferSize+2; i++ {
		pf.Update(quietMeasurement("peerA", base, i, time.Millisecond, 20*time.Millisecond))
	}
	acceptedBefore := pf.State().AcceptedCount

	spike := quietMeasurement("peerA", base, cfg.DelayBufferSize+3, time.Millisecond, 2*time.Second)
	pf.Update(spike)

	require.Equal(t, acceptedBefore, pf.State().AcceptedCount, "a single outlier must not be accepted")
	require.Equal(t, 1, pf.State().OutlierStreak)
}

func TestPeerFilterSecondConsecutiveOutlierAccepted(t *testing.T) {
	cfg := DefaultConfig()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	pf := NewPeerFilter("peerA", cfg, base)

	for i := 1; i <= cfg.DelayBufferSize+2; i++ {
		pf.Update(quietMeasurement("peerA", base, i, time.Millisecond, 20*time.Millisecond))
	}
	acceptedBefore := pf.State().AcceptedCount

	seq := cfg.DelayBufferSize + 3
	pf.Update(quietMeasurement("peerA", base, seq, time.Millisecond, 2*time.Second))
	pf.Update(quietMeasurement("peerA", base, seq+1, time.Millisecond, 2*time.Second))

	require.Equal(t, acceptedBefore+1, pf.State().AcceptedCount, "second consecutive outlier must be accepted as regime change")
	require.Equal(t, 0, pf.State().OutlierStreak)
}

func TestPeerFilterExternalJumpResetsToStartup(t *testing.T) {
	cfg := DefaultConfig()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	pf := NewPeerFilter("peerA", cfg, base)

	for i := 1; i <= cfg.WarmupCount+2; i++ {
		pf.Update(quietMeasurement("peerA", base, i, time.Millisecond, 20*time.Millisecond))
	}
	require.Equal(t, PhaseRunning, pf.State().Phase)

	jumped := pf.CheckExternalJump(500*time.Millisecond, 0, cfg.JumpTolerance, time.Second)
	require.True(t, jumped)
	require.Equal(t, PhaseStartup, pf.State().Phase)
	require.Equal(t, 0, pf.State().AcceptedCount)
}

func TestPeerFilterCovarianceStaysSymmetricAndPSD(t *testing.T) {
	cfg := DefaultConfig()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	pf := NewPeerFilter("peerA", cfg, base)

	for i := 1; i <= 40; i++ {
		offset := time.Duration(i%5) * time.Millisecond
		pf.Update(quietMeasurement("peerA", base, i, offset, 20*time.Millisecond))
		p := pf.State().P
		require.InDelta(t, p.M01, p.M10, 1e-15, "P must stay symmetric")
		require.GreaterOrEqual(t, p.M00, 0.0)
		require.GreaterOrEqual(t, p.M11, 0.0)
		det := p.M00*p.M11 - p.M01*p.M10
		require.GreaterOrEqual(t, det, -1e-18, "P must stay positive semi-definite")
	}
}

func TestPredictIsAdditiveOverSplitIntervals(t *testing.T) {
	cfg := DefaultConfig()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	whole := NewPeerFilter("whole", cfg, base)
	whole.state.X = Vector2{Offset: 0.01, Freq: 1e-7}
	whole.predict(10)

	split := NewPeerFilter("split", cfg, base)
	split.state.X = Vector2{Offset: 0.01, Freq: 1e-7}
	split.predict(4)
	split.predict(6)

	require.InDelta(t, whole.state.X.Offset, split.state.X.Offset, 1e-12)
	require.InDelta(t, whole.state.P.M00, split.state.P.M00, 1e-12)
	require.InDelta(t, whole.state.P.M01, split.state.P.M01, 1e-12)
	require.InDelta(t, whole.state.P.M11, split.state.P.M11, 1e-12)
}

func TestTailProbabilityRange(t *testing.T) {
	p := tailProbability(0, 1)
	require.InDelta(t, 1.0, p, 1e-9)

	p = tailProbability(10, 1)
	require.True(t, p >= 0 && p < 1e-3)

	require.Equal(t, 0.0, tailProbability(1, 0))
	require.False(t, math.IsNaN(tailProbability(1, 2)))
}
