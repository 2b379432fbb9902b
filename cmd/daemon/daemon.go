/*
Copyright 2022.
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

package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/openshift/packet-filter/controllers"
	"github.com/openshift/packet-filter/pkg/config"
	"github.com/openshift/packet-filter/pkg/engine"
	"github.com/openshift/packet-filter/pkg/filter"
	"github.com/openshift/packet-filter/pkg/interfaces"
	"github.com/openshift/packet-filter/pkg/metrics"
	"github.com/openshift/packet-filter/pkg/pflog"
	"github.com/openshift/packet-filter/pkg/replay"
	"github.com/openshift/packet-filter/pkg/syncer"
	"github.com/openshift/packet-filter/pkg/version"
)

var setupLog = ctrl.Log.WithName("setup")

func main() {
	var metricsAddr string
	var replayFile string
	var replayIf string
	var logQueueLen int
	var useSyslog bool
	// We are host networked, we set default to loopback by default
	flag.StringVar(&metricsAddr, "metrics-bind-address", "127.0.0.1:39301", "The address the metric and health endpoints bind to.")
	flag.StringVar(&replayFile, "replay", "", "Replay a pcap capture through the filter once the configuration is loaded.")
	flag.StringVar(&replayIf, "replay-interface", "", "Interface name the replayed packets arrive on.")
	flag.IntVar(&logQueueLen, "log-queue-length", pflog.DefaultQueueLen, "Number of packet log entries buffered before dropping.")
	flag.BoolVar(&useSyslog, "syslog", true, "Write packet log entries to the local syslog daemon.")
	opts := zap.Options{
		Development: true,
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	setupLog.Info("Version", "version.Version", version.Version)

	configPath, ok := os.LookupEnv("PF_CONFIG")
	if !ok {
		configPath = config.DefaultPath
	}

	pollPeriod, ok := os.LookupEnv("POLL_PERIOD_SECONDS")
	if !ok {
		setupLog.Error(nil, "POLL_PERIOD_SECONDS env variable must be set")
		os.Exit(1)
	}

	stats, err := metrics.NewStatistics(pollPeriod)
	if err != nil {
		setupLog.Error(err, "unable to create new metrics")
		os.Exit(1)
	}
	stats.Register()
	defer stats.StopPoll()

	sink, closeSink, err := newSink(useSyslog)
	if err != nil {
		setupLog.Error(err, "unable to connect to syslog")
		os.Exit(1)
	}
	defer closeSink()

	if names, err := interfaces.Names(); err != nil {
		setupLog.Error(err, "unable to list host interfaces")
	} else {
		setupLog.Info("Host interfaces", "names", names)
	}

	queue := pflog.NewQueue(ctrl.Log, logQueueLen)
	eng := engine.New(
		engine.WithLogger(ctrl.Log),
		engine.WithInterfaces(interfaces.System{}),
		engine.WithLogQueue(queue),
	)

	ctx := ctrl.SetupSignalHandler()
	reconciler := &controllers.PacketFilterConfigReconciler{
		Path:   configPath,
		Log:    ctrl.Log.WithName("controllers").WithName("PacketFilterConfig"),
		Syncer: syncer.GetSyncer(ctx, ctrl.Log, eng, stats, nil),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer utilruntime.HandleCrash()
		return reconciler.Run(ctx)
	})
	g.Go(func() error {
		defer utilruntime.HandleCrash()
		return eng.NewSweeper().Run(ctx)
	})
	g.Go(func() error {
		defer utilruntime.HandleCrash()
		return queue.Run(ctx, sink)
	})
	g.Go(func() error {
		return serveMetrics(ctx, metricsAddr)
	})
	if replayFile != "" {
		g.Go(func() error {
			defer utilruntime.HandleCrash()
			return runReplay(ctx, eng, replayFile, replayIf)
		})
	}

	setupLog.Info("starting packet filter daemon", "config", configPath)
	if err := g.Wait(); err != nil {
		setupLog.Error(err, "problem running packet filter daemon")
		os.Exit(1)
	}
}

func newSink(useSyslog bool) (pflog.Sink, func(), error) {
	logSink := &pflog.LogrSink{Log: ctrl.Log.WithName("pflog")}
	if !useSyslog {
		return logSink, func() {}, nil
	}
	s, err := pflog.NewSyslogSink("pflog")
	if err != nil {
		return nil, nil, err
	}
	return pflog.MultiSink{s, logSink}, func() { _ = s.Close() }, nil
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(ctrlmetrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	setupLog.Info("serving metrics", "address", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// runReplay waits for the first configuration to enable the filter, then
// feeds the capture through it.
func runReplay(ctx context.Context, eng *engine.Engine, path, ifname string) error {
	log := ctrl.Log.WithName("replay")
	for !eng.Status().Running() {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(100 * time.Millisecond):
		}
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	r := &replay.Replayer{Engine: eng, Log: log, Interface: ifname, Direction: filter.In}
	sum, err := r.Run(f)
	if err != nil {
		return err
	}
	logSummary(log, path, sum)
	return nil
}

func logSummary(log logr.Logger, path string, sum replay.Summary) {
	log.Info("replay finished", "file", path, "packets", sum.Packets, "passed", sum.Passed,
		"dropped", sum.Dropped, "skipped", sum.Skipped, "replies", sum.Replies, "reasons", sum.Reasons)
}
