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

// Package telemetry exposes pipeline state two ways at once, side by
// side: a Prometheus registry for scraping, and a small JSON HTTP
// endpoint for ad-hoc inspection and the show-state command. It also samples
// this process's own CPU/RSS on a timer.
package telemetry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/process"
	log "github.com/sirupsen/logrus"
)

// PeerSnapshot is what Telemetry records per peer after each processed
// measurement.
type PeerSnapshot struct {
	Phase          string  `json:"phase"`
	OffsetSeconds  float64 `json:"offset_seconds"`
	DelaySeconds   float64 `json:"delay_seconds"`
	FreqPPM        float64 `json:"freq_ppm"`
	P00            float64 `json:"p00"`
	Wander         float64 `json:"wander"`
	Usable         bool    `json:"usable"`
	SelectorStatus string  `json:"selector_status"`
	DesiredPoll    int     `json:"desired_poll_exponent"`
}

// Snapshot is the full state exposed by the JSON endpoint.
type Snapshot struct {
	Peers             map[string]PeerSnapshot `json:"peers"`
	LastSteerAction   string                  `json:"last_steer_action"`
	AccumulatedStep   float64                 `json:"accumulated_step_seconds"`
	LastFrequencyPPM  float64                 `json:"last_frequency_ppm"`
	QuorumMet         bool                    `json:"quorum_met"`
	ProcessRSSBytes   uint64                  `json:"process_rss_bytes"`
	ProcessCPUPercent float64                 `json:"process_cpu_percent"`
}

// Telemetry owns both exporters and the process sampler.
type Telemetry struct {
	mu       sync.Mutex
	snapshot Snapshot

	registry *prometheus.Registry
	gauges   map[string]prometheus.Gauge

	proc *process.Process
}

// New creates a Telemetry instance. Process sampling is best-effort: if
// the current PID can't be inspected, CPU/RSS simply stay at zero.
func New() *Telemetry {
	t := &Telemetry{
		snapshot: Snapshot{Peers: make(map[string]PeerSnapshot)},
		registry: prometheus.NewRegistry(),
		gauges:   make(map[string]prometheus.Gauge),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		t.proc = p
	} else {
		log.Warningf("telemetry: could not attach to own process for resource sampling: %v", err)
	}
	return t
}

// RecordPeer updates one peer's snapshot and its Prometheus gauges.
func (t *Telemetry) RecordPeer(peerID string, s PeerSnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snapshot.Peers[peerID] = s

	t.gauge(fmt.Sprintf("clockcontrol_peer_offset_seconds{peer=%q}", peerID), peerID+"_offset").Set(s.OffsetSeconds)
	t.gauge(fmt.Sprintf("clockcontrol_peer_delay_seconds{peer=%q}", peerID), peerID+"_delay").Set(s.DelaySeconds)
	t.gauge(fmt.Sprintf("clockcontrol_peer_freq_ppm{peer=%q}", peerID), peerID+"_freq").Set(s.FreqPPM)
	t.gauge(fmt.Sprintf("clockcontrol_peer_p00{peer=%q}", peerID), peerID+"_p00").Set(s.P00)
	t.gauge(fmt.Sprintf("clockcontrol_peer_wander{peer=%q}", peerID), peerID+"_wander").Set(s.Wander)
	usable := 0.0
	if s.Usable {
		usable = 1.0
	}
	t.gauge(fmt.Sprintf("clockcontrol_peer_usable{peer=%q}", peerID), peerID+"_usable").Set(usable)
}

// RecordSteer updates the last steering decision and lifetime step
// budget.
func (t *Telemetry) RecordSteer(action string, accumulatedStep, lastFreqPPM float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snapshot.LastSteerAction = action
	t.snapshot.AccumulatedStep = accumulatedStep
	t.snapshot.LastFrequencyPPM = lastFreqPPM
	t.gauge("clockcontrol_accumulated_step_seconds", "accumulated_step").Set(accumulatedStep)
	t.gauge("clockcontrol_last_frequency_ppm", "last_frequency").Set(lastFreqPPM)
}

// RecordQuorum records whether the most recent selection round met
// quorum.
func (t *Telemetry) RecordQuorum(met bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snapshot.QuorumMet = met
	v := 0.0
	if met {
		v = 1.0
	}
	t.gauge("clockcontrol_quorum_met", "quorum_met").Set(v)
}

// gauge returns (creating if necessary) a registered gauge named by key,
// labeled with name in its Help text. Must be called with t.mu held.
func (t *Telemetry) gauge(name, key string) prometheus.Gauge {
	if g, ok := t.gauges[key]; ok {
		return g
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: sanitizeMetricName(key), Help: name})
	if err := t.registry.Register(g); err != nil {
		log.Errorf("telemetry: failed to register gauge %s: %v", key, err)
	}
	t.gauges[key] = g
	return g
}

// CollectProcessStats samples this process's CPU and RSS; meant to be
// called on a timer.
func (t *Telemetry) CollectProcessStats() {
	if t.proc == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if cpu, err := t.proc.Percent(0); err == nil {
		t.snapshot.ProcessCPUPercent = cpu
	}
	if mem, err := t.proc.MemoryInfo(); err == nil && mem != nil {
		t.snapshot.ProcessRSSBytes = mem.RSS
	}
}

// RunProcessSampler samples process stats every period until stop is
// closed.
func (t *Telemetry) RunProcessSampler(period time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.CollectProcessStats()
		case <-stop:
			return
		}
	}
}

// PrometheusHandler returns the http.Handler serving this Telemetry's
// registry.
func (t *Telemetry) PrometheusHandler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// JSONHandler serves the current Snapshot as JSON.
func (t *Telemetry) JSONHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		t.mu.Lock()
		snap := t.snapshot
		peers := make(map[string]PeerSnapshot, len(t.snapshot.Peers))
		for k, v := range t.snapshot.Peers {
			peers[k] = v
		}
		snap.Peers = peers
		t.mu.Unlock()

		js, err := json.Marshal(snap)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write(js); err != nil {
			log.Errorf("telemetry: failed to write json stats response: %v", err)
		}
	}
}

func sanitizeMetricName(key string) string {
	out := make([]rune, 0, len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return "clockcontrol_" + string(out)
}
