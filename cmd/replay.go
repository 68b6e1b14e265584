package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/xpass/internal/clock"
	"firestige.xyz/xpass/internal/config"
	"firestige.xyz/xpass/internal/core"
	"firestige.xyz/xpass/internal/flow"
	"firestige.xyz/xpass/internal/log"
	"firestige.xyz/xpass/internal/metrics"
	"firestige.xyz/xpass/internal/pipeline"
	sinkpcap "firestige.xyz/xpass/internal/sink/pcap"
	sourcepcap "firestige.xyz/xpass/internal/source/pcap"
)

// Replay clock modes.
const (
	clockCapture   = "capture"
	clockMonotonic = "monotonic"
)

type replayOptions struct {
	In       string
	OutNIC   string
	OutLocal string
	Clock    string
}

var replayOpts replayOptions

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Run a capture through the dataplane",
	Long: `Read Ethernet frames from a pcap or pcapng capture, run them through
the dataplane and write both output gates to pcap files.

Frames whose IPv4 source lies in dataplane.local_prefixes enter from the
local stack; all others enter from the network. With --clock capture the
dataplane clock follows the capture timestamps and background tasks run
between frames on one goroutine. With --clock monotonic the workers run
on their own goroutines against the system clock.

Examples:
  xpass replay -c xpass.yaml --in trace.pcap
  xpass replay -c xpass.yaml --in trace.pcap --out-nic nic.pcap --out-local local.pcap --clock monotonic`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configFile)
		if err != nil {
			exitWithError("failed to load config", err)
		}
		if err := log.Init(cfg.Log); err != nil {
			exitWithError("failed to init logger", err)
		}
		defer log.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := runReplay(ctx, cfg, replayOpts, cmd.OutOrStdout()); err != nil {
			exitWithError("replay failed", err)
		}
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayOpts.In, "in", "", "input capture (required)")
	replayCmd.Flags().StringVar(&replayOpts.OutNIC, "out-nic", "nic.pcap", "capture of frames sent to the NIC")
	replayCmd.Flags().StringVar(&replayOpts.OutLocal, "out-local", "local.pcap", "capture of frames delivered to the local stack")
	replayCmd.Flags().StringVar(&replayOpts.Clock, "clock", clockCapture, "clock source: capture or monotonic")
	replayCmd.MarkFlagRequired("in")
}

// replayReport is printed as YAML when the replay ends.
type replayReport struct {
	Input struct {
		Read     uint64 `yaml:"read"`
		Filtered uint64 `yaml:"filtered"`
	} `yaml:"input"`
	Dataplane pipeline.Stats `yaml:"dataplane"`
	Output    struct {
		NIC   uint64 `yaml:"nic"`
		Local uint64 `yaml:"local"`
	} `yaml:"output"`
	Elapsed string `yaml:"elapsed"`
}

func runReplay(ctx context.Context, cfg *config.GlobalConfig, opts replayOptions, w io.Writer) error {
	if opts.Clock != clockCapture && opts.Clock != clockMonotonic {
		return fmt.Errorf("clock %q, want %s or %s: %w", opts.Clock, clockCapture, clockMonotonic, core.ErrConfigInvalid)
	}
	started := time.Now()

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Stop(shutdownCtx); err != nil {
				slog.Warn("metrics server stop failed", "error", err)
			}
		}()
	}

	alloc := core.NewPool(core.DefaultBufferSize, core.DefaultHeadroom)
	filter, err := sourcepcap.NewPortFilter(cfg.Replay.Ports)
	if err != nil {
		return err
	}
	src, err := sourcepcap.Open(opts.In, alloc, sourcepcap.WithFilter(filter))
	if err != nil {
		return err
	}
	defer src.Close()

	nic, err := sinkpcap.Create("nic", opts.OutNIC, alloc)
	if err != nil {
		return err
	}
	defer nic.Close()
	local, err := sinkpcap.Create("local", opts.OutLocal, alloc)
	if err != nil {
		return err
	}
	defer local.Close()

	// The capture clock starts at the first frame so flows created by it are
	// paced from capture time.
	var (
		first  *core.Frame
		manual *clock.Manual
		clk    clock.Clock = clock.Monotonic{}
	)
	if opts.Clock == clockCapture {
		first, err = src.Next()
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		manual = clock.NewManual(0)
		if first != nil {
			manual.Set(uint64(first.Timestamp.UnixNano()))
		}
		clk = manual
	}

	d, err := newDispatcher(cfg.Dataplane, clk, alloc, nic, local, opts.Clock == clockMonotonic)
	if err != nil {
		if first != nil {
			alloc.Free(first)
		}
		return err
	}
	if err := d.Start(ctx); err != nil {
		return err
	}

	classifier := pipeline.NewClassifier(cfg.Dataplane.LocalNets())
	slog.Info("replay starting", "in", opts.In, "clock", opts.Clock,
		"workers", len(d.Pipelines()), "ports", filter.Ports())

	if opts.Clock == clockCapture {
		err = replayCaptureClock(ctx, src, d, classifier, manual, first)
	} else {
		err = replayMonotonic(ctx, src, d, classifier, alloc, cfg.Dataplane.BatchSize)
	}
	d.Close()

	if cerr := nic.Close(); err == nil {
		err = cerr
	}
	if cerr := local.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	var report replayReport
	report.Input.Read = src.Read()
	report.Input.Filtered = src.Filtered()
	report.Dataplane = d.Stats()
	report.Output.NIC = nic.Written()
	report.Output.Local = local.Written()
	report.Elapsed = time.Since(started).Round(time.Microsecond).String()

	slog.Info("replay finished", "read", report.Input.Read,
		"to_nic", report.Output.NIC, "to_local", report.Output.Local)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return enc.Close()
}

func newDispatcher(dp config.DataplaneConfig, clk clock.Clock, alloc core.Allocator, nic, local core.Sink, async bool) (*pipeline.Dispatcher, error) {
	workers := make([]*pipeline.Pipeline, 0, dp.Workers)
	for i := 0; i < dp.Workers; i++ {
		p, err := pipeline.NewBuilder().
			WithID(i).
			WithClock(clk).
			WithAllocator(alloc).
			WithSinks(nic, local).
			WithDataplane(dp).
			Build()
		if err != nil {
			return nil, err
		}
		workers = append(workers, p)
	}
	return pipeline.NewDispatcher(workers, pipeline.NewDispatchStrategy("flow-hash"), async)
}

// replayCaptureClock moves the clock to each frame's capture time and runs
// the background tasks before handing the frame over.
func replayCaptureClock(ctx context.Context, src *sourcepcap.Source, d *pipeline.Dispatcher,
	classifier *pipeline.Classifier, clk *clock.Manual, f *core.Frame) error {
	for f != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
		clk.Set(uint64(f.Timestamp.UnixNano()))
		d.RunBackground(clk.NowNano())
		if err := d.Dispatch(classifier.Gate(f.Data()), []*core.Frame{f}); err != nil {
			return err
		}

		var err error
		f, err = src.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// replayMonotonic reads batches and hands runs of frames with the same
// gate to the worker goroutines. Frames not handed over when a dispatch
// fails are freed.
func replayMonotonic(ctx context.Context, src *sourcepcap.Source, d *pipeline.Dispatcher,
	classifier *pipeline.Classifier, alloc core.Allocator, batchSize int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		frames, err := src.NextBatch(batchSize)
		if errors.Is(err, io.EOF) {
			return nil
		}

		var run []*core.Frame
		var gate flow.InputGate
		for i, f := range frames {
			g := classifier.Gate(f.Data())
			if len(run) > 0 && g != gate {
				if derr := d.Dispatch(gate, run); derr != nil {
					freeFrames(alloc, frames[i:])
					return derr
				}
				run = nil
			}
			gate = g
			run = append(run, f)
		}
		if len(run) > 0 {
			if derr := d.Dispatch(gate, run); derr != nil {
				return derr
			}
		}
		if err != nil {
			return err
		}
	}
}

func freeFrames(alloc core.Allocator, frames []*core.Frame) {
	for _, f := range frames {
		alloc.Free(f)
	}
}
