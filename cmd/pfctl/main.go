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
	"fmt"
	"io"
	"net/netip"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	testingclock "k8s.io/utils/clock/testing"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/openshift/packet-filter/pkg/config"
	"github.com/openshift/packet-filter/pkg/engine"
	"github.com/openshift/packet-filter/pkg/filter"
	"github.com/openshift/packet-filter/pkg/pflog"
	"github.com/openshift/packet-filter/pkg/render"
	"github.com/openshift/packet-filter/pkg/replay"
	"github.com/openshift/packet-filter/pkg/syncer"
	"github.com/openshift/packet-filter/pkg/validation"
	"github.com/openshift/packet-filter/pkg/version"
)

var log = logr.Discard()

func main() {
	var verbose bool
	argparser := &cobra.Command{
		Use:           "pfctl",
		Short:         "Inspect and exercise packet filter configurations offline",
		Version:       version.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(*cobra.Command, []string) {
			log = zap.New(zap.UseDevMode(verbose), zap.WriteTo(os.Stderr))
		},
	}
	argparser.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log every filter decision")
	argparser.AddCommand(validateCmd(), renderCmd(), replayCmd(), checkCmd())

	if err := argparser.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: error: %v\n", argparser.Name(), err)
		os.Exit(1)
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a configuration file without loading it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			if err := validation.ValidatePacketFilterConfig(cfg); err != nil {
				return err
			}
			for _, w := range validation.Warnings(cfg) {
				fmt.Fprintf(cmd.OutOrStdout(), "warning: %s\n", w)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d rules, %d nat, %d binat, %d rdr)\n",
				args[0], len(cfg.Spec.Rules), len(cfg.Spec.NAT), len(cfg.Spec.BINAT), len(cfg.Spec.RDR))
			return nil
		},
	}
}

func renderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "render FILE",
		Short: "Print a configuration file in pf.conf syntax",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			t, err := render.FromConfig(cfg)
			if err != nil {
				return err
			}
			return render.Render(cmd.OutOrStdout(), t)
		},
	}
}

// offline is an engine loaded with a configuration file and driven by a
// fake clock.
type offline struct {
	eng   *engine.Engine
	clock *testingclock.FakeClock
	queue *pflog.Queue
}

func loadOffline(ctx context.Context, path string) (*offline, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	o := &offline{
		clock: testingclock.NewFakeClock(time.Unix(0, 0)),
		queue: pflog.NewQueue(log, pflog.DefaultQueueLen),
	}
	o.eng = engine.New(
		engine.WithLogger(log),
		engine.WithClock(o.clock),
		engine.WithLogQueue(o.queue),
	)
	if err := syncer.GetSyncer(ctx, log, o.eng, nil, nil).SyncConfig(cfg, false); err != nil {
		return nil, errors.Wrapf(err, "failed to load %s", path)
	}
	return o, nil
}

// runLog drains the packet log into sink until the returned function is
// called.
func (o *offline) runLog(sink pflog.Sink) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.queue.Run(ctx, sink)
	}()
	return func() {
		cancel()
		<-done
	}
}

func replayCmd() *cobra.Command {
	var (
		argPcap      string
		argInterface string
		argDirection string
		argLocal     []string
		argOut       string
		argLogPcap   string
		argStates    bool
	)
	subparser := &cobra.Command{
		Use:   "replay FILE",
		Short: "Run a pcap capture through a configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := filter.ParseDirection(argDirection)
			if err != nil {
				return errors.Wrap(err, "invalid --direction")
			}
			local := make([]netip.Prefix, 0, len(argLocal))
			for _, s := range argLocal {
				p, err := netip.ParsePrefix(s)
				if err != nil {
					return errors.Wrapf(err, "invalid --local=%q", s)
				}
				local = append(local, p)
			}
			o, err := loadOffline(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			var sink pflog.Sink = &pflog.LogrSink{Log: log.WithName("pflog")}
			if argLogPcap != "" {
				f, err := os.Create(argLogPcap)
				if err != nil {
					return err
				}
				defer f.Close()
				if sink, err = pflog.NewPcapSink(f); err != nil {
					return err
				}
			}
			stop := o.runLog(sink)
			defer stop()

			in, err := os.Open(argPcap)
			if err != nil {
				return err
			}
			defer in.Close()

			r := &replay.Replayer{
				Engine:    o.eng,
				Log:       log,
				Interface: argInterface,
				Direction: dir,
				Local:     local,
				Clock:     o.clock,
			}
			if argOut != "" {
				f, err := os.Create(argOut)
				if err != nil {
					return err
				}
				defer f.Close()
				r.Forward = pcapgo.NewWriter(f)
				if err := r.Forward.WriteFileHeader(65535, layers.LinkTypeRaw); err != nil {
					return err
				}
			}
			sum, err := r.Run(in)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), sum)
			if argStates {
				printStates(cmd.OutOrStdout(), o.eng)
			}
			return nil
		},
	}
	subparser.Flags().StringVar(&argPcap, "pcap", "", "Capture file to replay")
	subparser.Flags().StringVar(&argInterface, "interface", "", "Interface the packets arrive on")
	subparser.Flags().StringVar(&argDirection, "direction", "in", "Direction of packets not sourced from --local")
	subparser.Flags().StringSliceVar(&argLocal, "local", nil, "Prefixes of this host; packets sourced there go out")
	subparser.Flags().StringVar(&argOut, "out", "", "Write the passed packets to this pcap file")
	subparser.Flags().StringVar(&argLogPcap, "log-pcap", "", "Write logged packets to this pcap file instead of stderr")
	subparser.Flags().BoolVar(&argStates, "states", false, "Print the state table after the replay")
	_ = subparser.MarkFlagRequired("pcap")
	return subparser
}

func checkCmd() *cobra.Command {
	var p checkPacket
	var argDirection string
	subparser := &cobra.Command{
		Use:   "check FILE",
		Short: "Show the verdict on a single synthetic packet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := filter.ParseDirection(argDirection)
			if err != nil {
				return errors.Wrap(err, "invalid --direction")
			}
			data, err := p.build()
			if err != nil {
				return err
			}
			o, err := loadOffline(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			stop := o.runLog(&pflog.LogrSink{Log: log.WithName("pflog")})
			defer stop()

			res := o.eng.Test(dir, p.Interface, data)
			printResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
	subparser.Flags().StringVar(&p.Proto, "proto", "tcp", "Protocol: tcp, udp or icmp")
	subparser.Flags().StringVar(&p.From, "from", "", "Source address, with :port for tcp and udp")
	subparser.Flags().StringVar(&p.To, "to", "", "Destination address, with :port for tcp and udp")
	subparser.Flags().StringVar(&p.Flags, "flags", "S", "TCP flags set in the test packet")
	subparser.Flags().Uint8Var(&p.ICMPType, "icmp-type", 8, "ICMP type of the test packet")
	subparser.Flags().Uint8Var(&p.TTL, "ttl", 64, "TTL of the test packet")
	subparser.Flags().StringVar(&p.Interface, "interface", "", "Interface the packet crosses")
	subparser.Flags().StringVar(&argDirection, "direction", "in", "Direction: in or out")
	_ = subparser.MarkFlagRequired("from")
	_ = subparser.MarkFlagRequired("to")
	return subparser
}

func printSummary(w io.Writer, sum replay.Summary) {
	fmt.Fprintf(w, "packets: %d\npassed:  %d\ndropped: %d\nskipped: %d\nreplies: %d\n",
		sum.Packets, sum.Passed, sum.Dropped, sum.Skipped, sum.Replies)
	for reason, n := range sum.Reasons {
		fmt.Fprintf(w, "  %-12s %d\n", reason, n)
	}
}

func printStates(w io.Writer, eng *engine.Engine) {
	for _, s := range eng.States().List() {
		fmt.Fprintln(w, s.String())
	}
}

func printResult(w io.Writer, res engine.Result) {
	fmt.Fprintf(w, "verdict: %s\n", res.Action)
	if res.Rule != nil {
		fmt.Fprintf(w, "rule:    @%d %s\n", res.Rule.Nr, res.Rule)
	} else {
		fmt.Fprintln(w, "rule:    default policy")
	}
	fmt.Fprintf(w, "reason:  %s\n", res.Reason)
	if res.State != nil {
		fmt.Fprintf(w, "state:   %s\n", res.State)
	}
	if res.Reply != nil {
		fmt.Fprintf(w, "reply:   %d bytes\n", len(res.Reply))
	}
}
