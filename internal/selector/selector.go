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

// Package selector implements intersection-based source selection: from
// the current estimate of every peer, find the largest mutually-agreeing
// subset and gate it behind a quorum requirement.
package selector

import (
	"math"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/fb-ntp/clockcontrol/internal/kalman"
)

// Status classifies a peer's role in the most recent selection round. The
// names follow the ntpd-style per-peer classification rather than a bare
// boolean accept/reject, so observability tooling can explain why a peer
// was or wasn't used.
type Status int

const (
	// StatusReject covers peers not even considered: unusable filters.
	StatusReject Status = iota
	// StatusOutlier is a peer whose confidence interval exceeds the
	// maximum allowed source uncertainty.
	StatusOutlier
	// StatusFalseTick is a peer that passed the uncertainty filter but
	// falls outside the largest mutually-overlapping subset.
	StatusFalseTick
	// StatusCandidate is a peer inside the selected subset.
	StatusCandidate
)

func (s Status) String() string {
	switch s {
	case StatusReject:
		return "reject"
	case StatusOutlier:
		return "outlier"
	case StatusFalseTick:
		return "falsetick"
	case StatusCandidate:
		return "candidate"
	default:
		return "unknown"
	}
}

// Config holds the selector's tunables.
type Config struct {
	// MaxSourceUncertainty is the ceiling on the full interval width
	// 2*h; peers above it are dropped before the sweep.
	MaxSourceUncertainty float64 `yaml:"max_source_uncertainty"`
	// MinimumAgreementCount is a floor on quorum size in addition to the
	// majority-of-n rule.
	MinimumAgreementCount int `yaml:"minimum_agreement_count"`
}

// DefaultConfig returns the specification's default selector tunables.
func DefaultConfig() Config {
	return Config{
		MaxSourceUncertainty:  0.250,
		MinimumAgreementCount: 3,
	}
}

type interval struct {
	peerID string
	lo, hi float64
}

// Result is the outcome of one selection round.
type Result struct {
	// Selected lists the peer IDs in the chosen subset, in no
	// particular order.
	Selected []string
	// Statuses classifies every peer considered, including those
	// dropped before the sweep.
	Statuses map[string]Status
	// Decided is false when quorum was not met; Selected is then empty
	// and the Steerer must not act.
	Decided bool
	// IntersectionPoint is the sweep position at which the max overlap
	// was attained, valid only when Decided is true.
	IntersectionPoint float64
}

// Select runs the confidence-interval filter, the sweep-line largest
// mutual-overlap search, and the quorum gate over the given peer
// estimates.
func Select(cfg Config, estimates []kalman.Estimate) Result {
	statuses := make(map[string]Status, len(estimates))
	intervals := make([]interval, 0, len(estimates))

	for _, e := range estimates {
		if !e.Usable {
			statuses[e.PeerID] = StatusReject
			continue
		}
		h := 2*math.Sqrt(e.P.M00) + 0.25*e.DelayMean.Seconds()
		if 2*h > cfg.MaxSourceUncertainty {
			statuses[e.PeerID] = StatusOutlier
			continue
		}
		delta := e.Delta.Seconds()
		intervals = append(intervals, interval{peerID: e.PeerID, lo: delta - h, hi: delta + h})
	}

	n := len(intervals)
	quorum := cfg.MinimumAgreementCount
	if majority := (n + 1 + 1) / 2; majority > quorum {
		quorum = majority
	}

	if n == 0 {
		return Result{Statuses: statuses, Decided: false}
	}

	point, selected := largestOverlap(intervals)
	for _, iv := range intervals {
		if contains(selected, iv.peerID) {
			statuses[iv.peerID] = StatusCandidate
		} else {
			statuses[iv.peerID] = StatusFalseTick
		}
	}

	if len(selected) < quorum {
		log.Infof("selector: quorum not met (%d selected, need %d of %d candidates)", len(selected), quorum, n)
		return Result{Statuses: statuses, Decided: false}
	}

	return Result{
		Selected:          selected,
		Statuses:          statuses,
		Decided:           true,
		IntersectionPoint: point,
	}
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

type event struct {
	pos    float64
	delta  int // +1 entry, -1 exit
	peerID string
}

// largestOverlap runs the sweep-line algorithm over interval endpoints and
// returns the chosen intersection point and the peer IDs whose interval
// contains it. Ties in maximum overlap count are broken by the narrowest
// enclosing entry/exit gap.
func largestOverlap(intervals []interval) (float64, []string) {
	events := make([]event, 0, 2*len(intervals))
	for _, iv := range intervals {
		events = append(events, event{pos: iv.lo, delta: +1, peerID: iv.peerID})
		events = append(events, event{pos: iv.hi, delta: -1, peerID: iv.peerID})
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].pos != events[j].pos {
			return events[i].pos < events[j].pos
		}
		// process exits before entries at a tied position so a
		// closing interval does not count as still overlapping a
		// new one that starts at the same point.
		return events[i].delta < events[j].delta
	})

	count := 0
	best := -1
	bestPos := 0.0
	bestWidth := math.Inf(1)
	var lastEntryPos float64

	for idx, ev := range events {
		if ev.delta == +1 {
			lastEntryPos = ev.pos
		}
		count += ev.delta
		if ev.delta != +1 {
			continue
		}
		// candidate intersection point: just after this entry event,
		// before the next event (if any) moves the count again.
		pos := ev.pos
		var width float64
		if idx+1 < len(events) {
			width = events[idx+1].pos - lastEntryPos
		} else {
			width = math.Inf(1)
		}
		if count > best || (count == best && width < bestWidth) {
			best = count
			bestPos = pos
			bestWidth = width
		}
	}

	if best <= 0 {
		return 0, nil
	}

	selected := make([]string, 0, best)
	for _, iv := range intervals {
		if iv.lo <= bestPos && bestPos <= iv.hi {
			selected = append(selected, iv.peerID)
		}
	}
	return bestPos, selected
}
