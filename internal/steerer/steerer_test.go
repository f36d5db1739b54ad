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

package steerer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/fb-ntp/clockcontrol/internal/combiner"
	"github.com/fb-ntp/clockcontrol/internal/kalman"
	"github.com/fb-ntp/clockcontrol/internal/persist"
	"github.com/fb-ntp/clockcontrol/internal/sysclock"
)

func newTestSteerer(t *testing.T, cfg Config) (*Steerer, *sysclock.FreeRunningClock) {
	clock := sysclock.NewFreeRunningClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), cfg.MaxFrequencyPPM)
	store := persist.NewStore(filepath.Join(t.TempDir(), "state.json"))
	s, err := New(cfg, clock, store)
	require.NoError(t, err)
	return s, clock
}

func TestSteererStepEventWithinBounds(t *testing.T) {
	cfg := DefaultConfig()
	s, _ := newTestSteerer(t, cfg)

	combined := combiner.Combined{
		X: kalman.Vector2{Offset: 0.050, Freq: 1e-7},
		P: kalman.Matrix2{M00: 1e-8, M11: 1e-14},
	}
	decision, err := s.Steer(context.Background(), combined)
	require.NoError(t, err)
	require.Equal(t, ActionStep, decision.Action)
	require.InDelta(t, -0.050, decision.AppliedStep.Seconds(), 0.001)
	require.InDelta(t, 0.050, s.AccumulatedStep().Seconds(), 1e-9)
}

func TestSteererStepLimitBreachIsFatalAndAppliesNoStep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StepLimit = time.Millisecond
	s, clock := newTestSteerer(t, cfg)

	combined := combiner.Combined{
		X: kalman.Vector2{Offset: 0.050},
		P: kalman.Matrix2{M00: 1e-8, M11: 1e-14},
	}
	_, err := s.Steer(context.Background(), combined)
	require.Error(t, err)

	var fatal *FatalError
	require.True(t, errors.As(err, &fatal))
	require.Equal(t, ExitStepLimitBreached, fatal.Code)

	wall, _ := clock.Now()
	require.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), wall, "no step should reach the clock controller")
	require.Equal(t, time.Duration(0), s.AccumulatedStep())
}

func TestSteererAccumulatedStepLimitBreach(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AccumulatedStepLimit = 60 * time.Millisecond
	s, _ := newTestSteerer(t, cfg)

	first := combiner.Combined{X: kalman.Vector2{Offset: 0.050}, P: kalman.Matrix2{M00: 1e-8, M11: 1e-14}}
	_, err := s.Steer(context.Background(), first)
	require.NoError(t, err)

	second := combiner.Combined{X: kalman.Vector2{Offset: 0.050}, P: kalman.Matrix2{M00: 1e-8, M11: 1e-14}}
	_, err = s.Steer(context.Background(), second)
	require.Error(t, err)
	var fatal *FatalError
	require.True(t, errors.As(err, &fatal))
	require.Equal(t, ExitAccumulatedStepLimitBreached, fatal.Code)
}

func TestSteererNoOpWithinUncertaintyBounds(t *testing.T) {
	cfg := DefaultConfig()
	for _, delta := range []float64{0, 0.001, -0.001} {
		action := Decide(cfg, time.Duration(delta*float64(time.Second)), 1e-8, 0.0005*0.0005, 0.0001*0.0001)
		require.Equal(t, ActionNoOp, action)
	}
}

func TestSteererFrequencyOnlyWhenOffsetSmallButFreqLarge(t *testing.T) {
	cfg := DefaultConfig()
	action := Decide(cfg, 0, 0.001, 0.0001*0.0001, 1e-9)
	require.Equal(t, ActionFrequencyOnly, action)
}

func TestSteererClockControllerFailureIsFatal(t *testing.T) {
	ctrl := gomock.NewController(t)
	clock := sysclock.NewMockController(ctrl)
	clock.EXPECT().Step(gomock.Any(), gomock.Any()).Return(errors.New("adjtime: device busy"))
	clock.EXPECT().Now().Return(time.Time{}, time.Time{}).AnyTimes()

	store := persist.NewStore(filepath.Join(t.TempDir(), "state.json"))
	cfg := DefaultConfig()
	s, err := New(cfg, clock, store)
	require.NoError(t, err)

	combined := combiner.Combined{
		X: kalman.Vector2{Offset: 0.050},
		P: kalman.Matrix2{M00: 1e-8, M11: 1e-14},
	}
	_, err = s.Steer(context.Background(), combined)
	require.Error(t, err)

	var fatal *FatalError
	require.True(t, errors.As(err, &fatal))
	require.Equal(t, ExitClockControllerFatal, fatal.Code)
}
