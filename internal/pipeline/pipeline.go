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

// Package pipeline wires the four estimation stages and the poll
// controller into the measurement-driven loop described for the clock
// control core: one PeerFilter per registered source, a fan-in through
// Selector and Combiner, and a Steerer that is the only thing allowed to
// touch the host clock.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	log "github.com/sirupsen/logrus"

	"github.com/fb-ntp/clockcontrol/internal/combiner"
	"github.com/fb-ntp/clockcontrol/internal/config"
	"github.com/fb-ntp/clockcontrol/internal/kalman"
	"github.com/fb-ntp/clockcontrol/internal/persist"
	"github.com/fb-ntp/clockcontrol/internal/pollcontrol"
	"github.com/fb-ntp/clockcontrol/internal/selector"
	"github.com/fb-ntp/clockcontrol/internal/steerer"
	"github.com/fb-ntp/clockcontrol/internal/sysclock"
	"github.com/fb-ntp/clockcontrol/internal/telemetry"
)

// Transport is the narrow outbound capability this pipeline needs from
// whatever layer owns the NTP wire protocol: it only ever asks for a poll
// cadence, never touches transport details directly.
type Transport interface {
	SetDesiredPollInterval(peerID string, exponent int)
}

// WallMonotonicReader supplies the actual wall/monotonic offset used for
// external clock jump detection; this decouples internal/kalman from any
// concrete clock source.
type WallMonotonicReader interface {
	WallMonotonicOffset() (time.Duration, error)
}

// Pipeline serializes all estimator-core activity through a single
// progress point: every exported method below holds mu for its whole
// duration, so concurrent callers are processed one at a time.
type Pipeline struct {
	cfg       *config.Config
	filters   map[string]*kalman.PeerFilter
	poll      *pollcontrol.Controller
	steerer   *steerer.Steerer
	telemetry *telemetry.Telemetry
	transport Transport
	clockRead WallMonotonicReader

	expectedOffset time.Duration
	lastJumpCheck  time.Time

	mu sync.Mutex
}

// New wires a Pipeline from daemon configuration, a ClockController, and
// the transport/clock-reading capabilities it needs from outside the
// core.
func New(cfg *config.Config, clock sysclock.Controller, transport Transport, clockRead WallMonotonicReader, tel *telemetry.Telemetry) (*Pipeline, error) {
	store := persist.NewStore(cfg.StateFile)
	st, err := steerer.New(cfg.Steerer, clock, store)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:       cfg,
		filters:   make(map[string]*kalman.PeerFilter),
		poll:      pollcontrol.New(cfg.Backoff),
		steerer:   st,
		telemetry: tel,
		transport: transport,
		clockRead: clockRead,
	}

	now := time.Now()
	for _, peer := range cfg.Peers {
		p.filters[peer.Address] = kalman.NewPeerFilter(peer.Address, cfg.PeerFilter, now)
		p.poll.SetDesiredExponent(peer.Address, peer.PreferredPollExponent)
	}
	return p, nil
}

// OnMeasurement is the inbound entry point for one accepted four-timestamp
// exchange with a peer, per the specification's transport interface. It
// runs the full pipeline: filter update, jump check, selection,
// combination, and steering.
func (p *Pipeline) OnMeasurement(ctx context.Context, m kalman.Measurement) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	filter, ok := p.filters[m.PeerID]
	if !ok {
		log.Warningf("pipeline: measurement from unregistered peer %s ignored", m.PeerID)
		return nil
	}

	est := filter.Update(m)
	desiredExponent := filter.State().DesiredPollExponent
	p.poll.SetDesiredExponent(m.PeerID, desiredExponent)
	p.poll.OnReachable(m.PeerID)
	p.transport.SetDesiredPollInterval(m.PeerID, desiredExponent)
	p.recordPeerTelemetry(m.PeerID, est, selector.StatusReject)

	if p.clockRead != nil {
		if err := p.checkExternalJump(ctx, filter); err != nil {
			return err
		}
	}

	return p.runSelection(ctx)
}

// OnUnreachable handles a transport-reported polling failure for a peer.
func (p *Pipeline) OnUnreachable(peerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if filter, ok := p.filters[peerID]; ok {
		filter.CheckUnreachable(time.Now())
	}
	wait := p.poll.OnUnreachable(peerID)
	log.Infof("pipeline: peer %s unreachable, backing off %s", peerID, wait)
}

// OnReset forces a peer's filter back to Startup, e.g. on an operator
// request or a transport-level reconnect.
func (p *Pipeline) OnReset(peerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if filter, ok := p.filters[peerID]; ok {
		filter.Reset(time.Now())
	}
}

// AccumulatedStep reports the steerer's lifetime accumulated step budget,
// for startup logging and status reporting.
func (p *Pipeline) AccumulatedStep() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.steerer.AccumulatedStep()
}

// DesiredPollInterval answers the transport's poll-cadence query for one
// peer.
func (p *Pipeline) DesiredPollInterval(peerID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if filter, ok := p.filters[peerID]; ok {
		return filter.State().DesiredPollExponent
	}
	return p.cfg.PeerFilter.MinPollExponent
}

func (p *Pipeline) checkExternalJump(ctx context.Context, filter *kalman.PeerFilter) error {
	actual, err := p.clockRead.WallMonotonicOffset()
	if err != nil {
		log.Warningf("pipeline: failed to read wall/monotonic offset: %v", err)
		return nil
	}
	elapsed := time.Since(p.lastJumpCheck)
	p.lastJumpCheck = time.Now()

	if filter.CheckExternalJump(actual, p.expectedOffset, p.cfg.PeerFilter.JumpTolerance, elapsed) {
		if err := p.steerer.ExternalJumpDuringSteering(actual - p.expectedOffset); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) runSelection(ctx context.Context) error {
	estimates := make([]kalman.Estimate, 0, len(p.filters))
	for _, f := range p.filters {
		estimates = append(estimates, f.Estimate())
	}

	res := selector.Select(p.cfg.Selector, estimates)
	p.telemetry.RecordQuorum(res.Decided)
	for id, status := range res.Statuses {
		p.recordSelectorStatus(id, status)
	}
	if !res.Decided {
		log.Debug("pipeline: no quorum this round, not steering")
		return nil
	}

	sources := make([]combiner.Source, 0, len(res.Selected))
	for _, id := range res.Selected {
		sources = append(sources, combiner.Source{Estimate: p.filters[id].Estimate()})
	}

	combined, ok := combiner.Combine(sources)
	if !ok {
		return nil
	}

	decision, err := p.steerer.Steer(ctx, combined)
	if err != nil {
		return err
	}
	p.expectedOffset += decision.AppliedStep
	p.telemetry.RecordSteer(decision.Action.String(), p.steerer.AccumulatedStep().Seconds(), decision.AppliedFreqPPM)
	return nil
}

func (p *Pipeline) recordPeerTelemetry(peerID string, est kalman.Estimate, status selector.Status) {
	filter := p.filters[peerID]
	s := filter.State()
	if log.GetLevel() >= log.DebugLevel {
		log.Debugf("pipeline: peer %s full state:\n%s", peerID, spew.Sdump(s))
	}
	p.telemetry.RecordPeer(peerID, telemetry.PeerSnapshot{
		Phase:          s.Phase.String(),
		OffsetSeconds:  est.Delta.Seconds(),
		DelaySeconds:   est.DelayMean.Seconds(),
		FreqPPM:        est.Omega * 1e6,
		P00:            est.P.M00,
		Wander:         s.A,
		Usable:         est.Usable,
		SelectorStatus: status.String(),
		DesiredPoll:    s.DesiredPollExponent,
	})
}

func (p *Pipeline) recordSelectorStatus(peerID string, status selector.Status) {
	filter, ok := p.filters[peerID]
	if !ok {
		return
	}
	s := filter.State()
	est := filter.Estimate()
	p.telemetry.RecordPeer(peerID, telemetry.PeerSnapshot{
		Phase:          s.Phase.String(),
		OffsetSeconds:  est.Delta.Seconds(),
		DelaySeconds:   est.DelayMean.Seconds(),
		FreqPPM:        est.Omega * 1e6,
		P00:            est.P.M00,
		Wander:         s.A,
		Usable:         est.Usable,
		SelectorStatus: status.String(),
		DesiredPoll:    s.DesiredPollExponent,
	})
}
