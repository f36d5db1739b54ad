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

package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/fb-ntp/clockcontrol/internal/config"
	"github.com/fb-ntp/clockcontrol/internal/kalman"
	"github.com/fb-ntp/clockcontrol/internal/sysclock"
	"github.com/fb-ntp/clockcontrol/internal/telemetry"
)

type noopTransport struct{}

func (noopTransport) SetDesiredPollInterval(string, int) {}

func measurementAt(peer string, base time.Time, seq int, offset time.Duration) kalman.Measurement {
	t1 := base.Add(time.Duration(seq) * 16 * time.Second)
	half := 10 * time.Millisecond
	t2 := t1.Add(half + offset)
	t3 := t2
	t4 := t3.Add(half - offset)
	return kalman.Measurement{PeerID: peer, T1: t1, T2: t2, T3: t3, T4: t4}
}

func newTestPipeline(t *testing.T, peers []string) *Pipeline {
	cfg := config.DefaultConfig()
	for _, p := range peers {
		cfg.Peers = append(cfg.Peers, config.PeerConfig{Address: p})
	}
	cfg.StateFile = filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, cfg.Validate())

	clock := sysclock.NewFreeRunningClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), cfg.Steerer.MaxFrequencyPPM)
	p, err := New(cfg, clock, noopTransport{}, nil, telemetry.New())
	require.NoError(t, err)
	return p
}

func TestPipelineRejectsUnregisteredPeer(t *testing.T) {
	p := newTestPipeline(t, []string{"ntp1"})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	err := p.OnMeasurement(context.Background(), measurementAt("unknown", base, 1, time.Millisecond))
	require.NoError(t, err)
}

func TestPipelineStaysQuietBeforeQuorum(t *testing.T) {
	p := newTestPipeline(t, []string{"ntp1", "ntp2"})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 1; i <= 10; i++ {
		require.NoError(t, p.OnMeasurement(context.Background(), measurementAt("ntp1", base, i, time.Millisecond)))
		require.NoError(t, p.OnMeasurement(context.Background(), measurementAt("ntp2", base, i, time.Millisecond)))
	}
	require.Equal(t, time.Duration(0), p.steerer.AccumulatedStep())
}

func TestPipelineDesiredPollIntervalDefaultsToConfiguredFloor(t *testing.T) {
	p := newTestPipeline(t, []string{"ntp1"})
	require.Equal(t, p.cfg.PeerFilter.MinPollExponent, p.DesiredPollInterval("ghost"))
}

func TestPipelinePushesDesiredPollIntervalToTransport(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Peers = append(cfg.Peers, config.PeerConfig{Address: "ntp1"})
	cfg.StateFile = filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, cfg.Validate())

	clock := sysclock.NewFreeRunningClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), cfg.Steerer.MaxFrequencyPPM)

	ctrl := gomock.NewController(t)
	transport := NewMockTransport(ctrl)
	transport.EXPECT().SetDesiredPollInterval("ntp1", gomock.Any()).Times(1)

	p, err := New(cfg, clock, transport, nil, telemetry.New())
	require.NoError(t, err)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, p.OnMeasurement(context.Background(), measurementAt("ntp1", base, 1, time.Millisecond)))
}
