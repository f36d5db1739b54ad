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

package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	clockcfg "github.com/fb-ntp/clockcontrol/internal/config"
	"github.com/fb-ntp/clockcontrol/internal/pipeline"
	"github.com/fb-ntp/clockcontrol/internal/sysclock"
	"github.com/fb-ntp/clockcontrol/internal/telemetry"
)

var runIfaceFlag string

func init() {
	RootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runIfaceFlag, "iface", "", "steer a NIC's PHC hardware clock (e.g. eth0) instead of the system clock")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the clock control pipeline",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		if err := doRun(rootConfigFlag, runIfaceFlag); err != nil {
			log.Fatal(err)
		}
	},
}

// noopTransport satisfies pipeline.Transport; the NTP wire protocol that
// actually delivers measurements is an external collaborator per this
// daemon's scope and is wired in by whatever embeds this pipeline.
type noopTransport struct{}

func (noopTransport) SetDesiredPollInterval(peerID string, exponent int) {
	log.Debugf("transport: peer %s desired poll exponent now %d", peerID, exponent)
}

// sdNotifyReady tells systemd (when NOTIFY_SOCKET is set, i.e. this binary
// runs as a Type=notify unit) that startup is complete and the pipeline is
// ready to steer the clock.
func sdNotifyReady() {
	supported, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if !supported {
		log.Debug("clockcontrold: sd_notify not supported (NOTIFY_SOCKET unset), skipping")
		return
	}
	if err != nil {
		log.Warningf("clockcontrold: sd_notify READY failed: %v", err)
		return
	}
	log.Info("clockcontrold: sent sd_notify READY")
}

// sdWatchdogLoop pings systemd's watchdog at half the interval the unit
// file requests (WatchdogSec=), until ctx is done. A no-op when the unit
// isn't configured with a watchdog.
func sdWatchdogLoop(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Warningf("clockcontrold: sd_notify WATCHDOG failed: %v", err)
			}
		}
	}
}

func doRun(configPath, iface string) error {
	cfg, err := clockcfg.ReadConfig(configPath)
	if err != nil {
		return err
	}

	var clock sysclock.Controller
	if iface != "" {
		phc, err := sysclock.NewPHCFromIface(iface)
		if err != nil {
			return err
		}
		log.Infof("clockcontrold: steering PHC hardware clock on %s", iface)
		clock = phc
	} else {
		clock = sysclock.NewSysClock()
	}
	tel := telemetry.New()
	pl, err := pipeline.New(cfg, clock, noopTransport{}, nil, tel)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", tel.PrometheusHandler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
		log.Infof("clockcontrold: serving prometheus metrics on %s", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		mux := http.NewServeMux()
		mux.HandleFunc("/state", tel.JSONHandler())
		srv := &http.Server{Addr: cfg.JSONStatsAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
		log.Infof("clockcontrold: serving json stats on %s", cfg.JSONStatsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		stop := make(chan struct{})
		go func() {
			<-ctx.Done()
			close(stop)
		}()
		tel.RunProcessSampler(cfg.ProcessSamplePeriod, stop)
		return nil
	})

	eg.Go(func() error {
		<-ctx.Done()
		log.Info("clockcontrold: shutting down")
		return nil
	})

	log.Infof("clockcontrold: pipeline ready for %d peers, accumulated step %s", len(cfg.Peers), pl.AccumulatedStep())
	log.Info("clockcontrold: no transport wired in this build; run is serving metrics/state only until embedded by an NTP client")

	sdNotifyReady()
	eg.Go(func() error {
		sdWatchdogLoop(ctx)
		return nil
	})

	return eg.Wait()
}
