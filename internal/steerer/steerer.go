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

// Package steerer converts a combined clock estimate into a steering
// action (step, slew, frequency-only, or no-op) and applies it through a
// ClockController, enforcing the safety limits that gate everything this
// subsystem does to the host clock.
package steerer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fb-ntp/clockcontrol/internal/combiner"
	"github.com/fb-ntp/clockcontrol/internal/persist"
	"github.com/fb-ntp/clockcontrol/internal/sysclock"
)

// ExitCode distinguishes the ways the daemon can terminate on a fatal
// steering condition; a FatalError carries the code for its caller to
// pass to os.Exit.
type ExitCode int

const (
	ExitOK ExitCode = 0
	// ExitStepLimitBreached means a single required step exceeded
	// step_limit.
	ExitStepLimitBreached ExitCode = 1
	// ExitAccumulatedStepLimitBreached means the lifetime sum of
	// absolute steps would exceed accumulated_step_limit.
	ExitAccumulatedStepLimitBreached ExitCode = 2
	// ExitExternalJumpInterventionRequired means an external clock
	// change recurred after steering had already corrected for one,
	// suggesting something outside this process is fighting it.
	ExitExternalJumpInterventionRequired ExitCode = 3
	// ExitClockControllerFatal means the underlying ClockController
	// returned an error that isn't a retryable deadline.
	ExitClockControllerFatal ExitCode = 4
)

// FatalError is returned for any condition the specification defines as
// non-recoverable: the caller must terminate the process with Code as its
// exit status rather than continue steering.
type FatalError struct {
	Code ExitCode
	Msg  string
}

func (e *FatalError) Error() string { return e.Msg }

// Action is the category of correction the decision table selected.
type Action int

const (
	ActionNoOp Action = iota
	ActionFrequencyOnly
	ActionSlew
	ActionStep
)

func (a Action) String() string {
	switch a {
	case ActionNoOp:
		return "no-op"
	case ActionFrequencyOnly:
		return "frequency-only"
	case ActionSlew:
		return "slew"
	case ActionStep:
		return "step"
	default:
		return "unknown"
	}
}

// Config holds the Steerer's tunables, matching the configuration surface
// in the specification's external interfaces section.
type Config struct {
	StepThreshold           time.Duration `yaml:"step_threshold"`
	StepLimit               time.Duration `yaml:"step_limit"`
	AccumulatedStepLimit    time.Duration `yaml:"accumulated_step_limit"`
	MaxFrequencyPPM         float64       `yaml:"max_frequency_ppm"`
	MinSlewDuration         time.Duration `yaml:"min_slew_duration"`
	ResidualOffsetPolicy    float64       `yaml:"residual_offset_policy"`
	ResidualFrequencyPolicy float64       `yaml:"residual_frequency_policy"`
}

// DefaultConfig returns the specification's default Steerer tunables.
func DefaultConfig() Config {
	return Config{
		StepThreshold:           10 * time.Millisecond,
		StepLimit:               time.Second,
		AccumulatedStepLimit:    10 * time.Second,
		MaxFrequencyPPM:         200,
		MinSlewDuration:         8 * time.Second,
		ResidualOffsetPolicy:    1.0,
		ResidualFrequencyPolicy: 0.0,
	}
}

// Decision records what Steer did, for observability and tests.
type Decision struct {
	Action         Action
	AppliedStep    time.Duration
	AppliedFreqPPM float64
}

// Steerer owns SteeringState exclusively and is the only component
// permitted to mutate the host clock.
type Steerer struct {
	cfg   Config
	clock sysclock.Controller
	store *persist.Store
	state persist.SteeringState

	lastExternalJumpIntervention time.Time
}

// New creates a Steerer, loading any persisted accumulated-step budget
// and last-applied frequency from store.
func New(cfg Config, clock sysclock.Controller, store *persist.Store) (*Steerer, error) {
	state, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("loading persisted steering state: %w", err)
	}
	return &Steerer{cfg: cfg, clock: clock, store: store, state: state}, nil
}

// AccumulatedStep returns the lifetime sum of absolute step magnitudes
// applied so far, in seconds.
func (s *Steerer) AccumulatedStep() time.Duration {
	return time.Duration(s.state.AccumulatedStepSeconds * float64(time.Second))
}

// LastFrequencyPPM returns the most recently applied frequency correction.
func (s *Steerer) LastFrequencyPPM() float64 {
	return s.state.LastFrequencyPPM
}

// LastExternalJumpIntervention returns the time of the most recent fatal
// external-jump-during-steering escalation, or the zero time if none has
// occurred.
func (s *Steerer) LastExternalJumpIntervention() time.Time {
	return s.lastExternalJumpIntervention
}

// Decide classifies (delta, omega, P) per the step/slew/frequency-only/
// no-op table without applying anything.
func Decide(cfg Config, delta time.Duration, omega float64, p00, p11 float64) Action {
	absDelta := delta
	if absDelta < 0 {
		absDelta = -absDelta
	}
	absOmega := math.Abs(omega)
	twoSqrtP00 := time.Duration(2 * math.Sqrt(p00) * float64(time.Second))
	twoSqrtP11 := 2 * math.Sqrt(p11)

	switch {
	case absDelta > cfg.StepThreshold:
		return ActionStep
	case twoSqrtP00 < absDelta:
		return ActionSlew
	case absDelta <= twoSqrtP00 && twoSqrtP11 < absOmega:
		return ActionFrequencyOnly
	default:
		return ActionNoOp
	}
}

// Steer decides and applies a correction for one combined estimate. It
// returns a *FatalError when a safety limit is breached or the
// ClockController fails hard; the caller must terminate using Code. A
// ClockController deadline expiry is returned as a plain wrapped error.
func (s *Steerer) Steer(ctx context.Context, combined combiner.Combined) (Decision, error) {
	delta := time.Duration(combined.X.Offset * float64(time.Second))
	omega := combined.X.Freq
	action := Decide(s.cfg, delta, omega, combined.P.M00, combined.P.M11)

	switch action {
	case ActionStep:
		return s.applyStep(ctx, delta, omega)
	case ActionSlew:
		return s.applySlew(ctx, delta, omega, combined.P.M00)
	case ActionFrequencyOnly:
		return s.applyFrequencyOnly(ctx, omega)
	default:
		return Decision{Action: ActionNoOp}, nil
	}
}

func (s *Steerer) applyStep(ctx context.Context, delta time.Duration, omega float64) (Decision, error) {
	magnitude := delta
	if magnitude < 0 {
		magnitude = -magnitude
	}
	if magnitude > s.cfg.StepLimit {
		return Decision{}, &FatalError{
			Code: ExitStepLimitBreached,
			Msg:  fmt.Sprintf("step of %s exceeds step_limit %s", magnitude, s.cfg.StepLimit),
		}
	}
	projected := s.state.AccumulatedStepSeconds + magnitude.Seconds()
	if time.Duration(projected*float64(time.Second)) > s.cfg.AccumulatedStepLimit {
		return Decision{}, &FatalError{
			Code: ExitAccumulatedStepLimitBreached,
			Msg:  fmt.Sprintf("accumulated step %.6fs would exceed accumulated_step_limit %s", projected, s.cfg.AccumulatedStepLimit),
		}
	}

	if err := s.clock.Step(ctx, -delta); err != nil {
		return Decision{}, s.clockFatal("step", err)
	}
	freqPPM := clampFreq(-omega*1e6, s.cfg.MaxFrequencyPPM)
	if err := s.clock.SetFrequency(ctx, freqPPM); err != nil {
		return Decision{}, s.clockFatal("set_frequency", err)
	}

	wall, _ := s.clock.Now()
	s.state.AccumulatedStepSeconds = projected
	s.state.LastFrequencyPPM = freqPPM
	s.state.LastAppliedAt = wall
	if err := s.store.Save(s.state); err != nil {
		log.Errorf("steerer: failed to persist steering state after step: %v", err)
	}
	log.Infof("steerer: applied step of %s, accumulated=%.6fs", -delta, s.state.AccumulatedStepSeconds)
	return Decision{Action: ActionStep, AppliedStep: -delta, AppliedFreqPPM: freqPPM}, nil
}

func (s *Steerer) applySlew(ctx context.Context, delta time.Duration, omega float64, p00 float64) (Decision, error) {
	residualTarget := s.cfg.ResidualOffsetPolicy * math.Sqrt(p00)
	sign := 1.0
	if delta < 0 {
		sign = -1.0
	}
	targetResidual := time.Duration(sign * residualTarget * float64(time.Second))
	correction := delta - targetResidual

	slewRate := float64(correction) / float64(maxDuration(s.cfg.MinSlewDuration, time.Second)) * 1e6 // ppm
	freqPPM := clampFreq(-omega*1e6+slewRate, s.cfg.MaxFrequencyPPM)

	if err := s.clock.SetFrequency(ctx, freqPPM); err != nil {
		return Decision{}, s.clockFatal("set_frequency", err)
	}
	s.state.LastFrequencyPPM = freqPPM
	log.Debugf("steerer: slewing toward residual %s over %s", targetResidual, s.cfg.MinSlewDuration)
	return Decision{Action: ActionSlew, AppliedFreqPPM: freqPPM}, nil
}

func (s *Steerer) applyFrequencyOnly(ctx context.Context, omega float64) (Decision, error) {
	residual := s.cfg.ResidualFrequencyPolicy
	freqPPM := clampFreq(-omega*1e6*(1-residual), s.cfg.MaxFrequencyPPM)
	if err := s.clock.SetFrequency(ctx, freqPPM); err != nil {
		return Decision{}, s.clockFatal("set_frequency", err)
	}
	s.state.LastFrequencyPPM = freqPPM
	return Decision{Action: ActionFrequencyOnly, AppliedFreqPPM: freqPPM}, nil
}

// clockFatal wraps a ClockController error. A context deadline is returned
// as a plain, retryable error; anything else is a *FatalError.
func (s *Steerer) clockFatal(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("clock controller timed out during %s: %w", op, err)
	}
	return &FatalError{
		Code: ExitClockControllerFatal,
		Msg:  fmt.Sprintf("clock controller failed during %s: %v", op, err),
	}
}

// ExternalJumpDuringSteering is called by the pipeline when a PeerFilter
// detects an external clock jump. It escalates only once this Steerer has
// applied at least one step (a non-zero accumulated step; frequency-only
// and slew corrections do not count): a recurring jump despite steering means
// something outside this process is fighting the clock, which the
// specification treats as requiring human intervention rather than a
// routine filter reset.
func (s *Steerer) ExternalJumpDuringSteering(diff time.Duration) error {
	if s.state.AccumulatedStepSeconds == 0 {
		return nil
	}
	s.lastExternalJumpIntervention = time.Now()
	return &FatalError{
		Code: ExitExternalJumpInterventionRequired,
		Msg:  fmt.Sprintf("external clock jump of %s detected after steering already applied corrections", diff),
	}
}

func clampFreq(ppm, max float64) float64 {
	if ppm > max {
		return max
	}
	if ppm < -max {
		return -max
	}
	return ppm
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
