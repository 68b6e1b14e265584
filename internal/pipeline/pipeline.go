// Package pipeline wires the dataplane stages of one worker together.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"firestige.xyz/xpass/internal/clock"
	"firestige.xyz/xpass/internal/core"
	"firestige.xyz/xpass/internal/flow"
	"firestige.xyz/xpass/internal/reassembly"
	"firestige.xyz/xpass/internal/segmentation"
)

// Default worker settings.
const (
	DefaultQueueSize    = 1024
	DefaultTaskInterval = 50 * time.Microsecond
)

// ErrStopped is returned by Submit once the pipeline has stopped.
var ErrStopped = errors.New("xpass: pipeline stopped")

// Pipeline is one worker's chain of stages:
//
//	from local:   segmentation -> flow -> NIC sink
//	from network: flow -> reassembly -> local sink
//
// Handle, RunBackground and Drain must be called from one goroutine. Start
// runs that goroutine on behalf of the caller, who then feeds it with Submit.
type Pipeline struct {
	id      int
	clock   clock.Clock
	alloc   core.Allocator
	tso     *segmentation.Engine
	flow    *flow.Engine
	lro     *reassembly.Engine
	metrics *Metrics

	taskInterval time.Duration
	queueSize    int

	// Runtime state
	mu      sync.Mutex
	input   chan job
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type job struct {
	gate   flow.InputGate
	frames []*core.Frame
}

// Config contains pipeline configuration.
type Config struct {
	ID      int
	Clock   clock.Clock
	Alloc   core.Allocator
	ToNIC   core.Sink
	ToLocal core.Sink
	Handler flow.CreditHandler

	MTU               int
	BatchSize         int
	FlowTableCapacity int
	MaxAggregate      int
	FlushTimeout      time.Duration
	Pacing            flow.PacingConfig

	TaskInterval time.Duration // background task cadence in async mode
	QueueSize    int           // submitted batches buffered in async mode
}

// New builds the stages of one worker.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.Monotonic{}
	}
	if cfg.Alloc == nil {
		cfg.Alloc = core.NewPool(core.DefaultBufferSize, core.DefaultHeadroom)
	}
	if cfg.ToNIC == nil || cfg.ToLocal == nil {
		return nil, fmt.Errorf("pipeline %d needs both output sinks: %w", cfg.ID, core.ErrConfigInvalid)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = core.DefaultBatchSize
	}
	if cfg.TaskInterval <= 0 {
		cfg.TaskInterval = DefaultTaskInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	p := &Pipeline{
		id:           cfg.ID,
		clock:        cfg.Clock,
		alloc:        cfg.Alloc,
		metrics:      NewMetrics(cfg.ID),
		taskInterval: cfg.TaskInterval,
		queueSize:    cfg.QueueSize,
	}

	toNIC := countingSink{counter: &p.metrics.ToNIC, next: cfg.ToNIC}
	toLocal := countingSink{counter: &p.metrics.ToLocal, next: cfg.ToLocal}

	var err error
	p.lro, err = reassembly.New(reassembly.Config{
		MaxAggregate: cfg.MaxAggregate,
		FlushTimeout: cfg.FlushTimeout,
		BatchSize:    cfg.BatchSize,
	}, cfg.Clock, cfg.Alloc, toLocal)
	if err != nil {
		return nil, fmt.Errorf("pipeline %d: %w", cfg.ID, err)
	}

	var opts []flow.Option
	if cfg.Handler != nil {
		opts = append(opts, flow.WithCreditHandler(cfg.Handler))
	}
	p.flow, err = flow.NewEngine(flow.Config{
		TableCapacity: cfg.FlowTableCapacity,
		BatchSize:     cfg.BatchSize,
		Pacing:        cfg.Pacing,
	}, cfg.Clock, cfg.Alloc, toNIC, p.lro, opts...)
	if err != nil {
		return nil, fmt.Errorf("pipeline %d: %w", cfg.ID, err)
	}

	p.tso, err = segmentation.New(segmentation.Config{
		MTU:       cfg.MTU,
		BatchSize: cfg.BatchSize,
	}, cfg.Clock, cfg.Alloc, p.flow.FromLocal())
	if err != nil {
		return nil, fmt.Errorf("pipeline %d: %w", cfg.ID, err)
	}
	return p, nil
}

// ID returns the pipeline ID.
func (p *Pipeline) ID() int { return p.id }

// Flow returns the flow-state stage.
func (p *Pipeline) Flow() *flow.Engine { return p.flow }

// Handle runs a batch through the stages for its gate. The pipeline owns
// the frames from here on.
func (p *Pipeline) Handle(gate flow.InputGate, frames []*core.Frame) {
	if len(frames) == 0 {
		return
	}
	switch gate {
	case flow.GateFromLocal:
		p.metrics.FromLocal.Add(uint64(len(frames)))
		p.tso.Deliver(frames)
	case flow.GateFromNetwork:
		p.metrics.FromNetwork.Add(uint64(len(frames)))
		p.flow.ProcessBatch(gate, frames)
	default:
		// the flow stage logs and frees unknown gates
		p.flow.ProcessBatch(gate, frames)
	}
}

// RunBackground runs the periodic tasks: aggregates older than the flush
// timeout are flushed and flows due on the timing wheel are handed to the
// credit handler.
func (p *Pipeline) RunBackground(now uint64) {
	st := p.lro.RunTask(now)
	p.metrics.TimeoutFlushes.Add(uint64(st.Flows))
	p.metrics.TimeoutBytes.Add(st.Bytes)
	p.metrics.CreditsDue.Add(uint64(p.flow.RunCreditTask(now)))
	p.metrics.BackgroundRuns.Add(1)
}

// Drain flushes every held aggregate.
func (p *Pipeline) Drain() {
	st := p.lro.Drain()
	p.metrics.DrainFlushes.Add(uint64(st.Flows))
}

// Start runs the pipeline on its own goroutine. Batches are fed with Submit
// and the background tasks run every TaskInterval.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("pipeline %d already started", p.id)
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.input = make(chan job, p.queueSize)
	p.running = true

	slog.Info("pipeline starting", "pipeline_id", p.id, "task_interval", p.taskInterval)
	p.wg.Add(1)
	go p.processLoop(ctx, p.input)
	return nil
}

// Submit queues a batch for the pipeline goroutine. It blocks while the
// queue is full.
func (p *Pipeline) Submit(gate flow.InputGate, frames []*core.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return ErrStopped
	}
	p.input <- job{gate: gate, frames: frames}
	return nil
}

// Stop processes everything already submitted, drains held aggregates and
// waits for the goroutine to exit.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.input)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
	slog.Info("pipeline stopped", "pipeline_id", p.id)
}

// processLoop is the main processing loop.
func (p *Pipeline) processLoop(ctx context.Context, input <-chan job) {
	defer p.wg.Done()
	defer p.Drain()

	ticker := time.NewTicker(p.taskInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// frames still queued are released unprocessed
			for j := range input {
				for _, f := range j.frames {
					p.alloc.Free(f)
				}
			}
			return

		case j, ok := <-input:
			if !ok {
				return
			}
			p.Handle(j.gate, j.frames)

		case <-ticker.C:
			p.RunBackground(p.clock.NowNano())
		}
	}
}

// Stats returns pipeline statistics. It may be called while the pipeline
// goroutine is running.
func (p *Pipeline) Stats() Stats {
	return Stats{
		FromLocal:      p.metrics.FromLocal.Load(),
		FromNetwork:    p.metrics.FromNetwork.Load(),
		ToNIC:          p.metrics.ToNIC.Load(),
		ToLocal:        p.metrics.ToLocal.Load(),
		TimeoutFlushes: p.metrics.TimeoutFlushes.Load(),
		TimeoutBytes:   p.metrics.TimeoutBytes.Load(),
		DrainFlushes:   p.metrics.DrainFlushes.Load(),
		CreditsDue:     p.metrics.CreditsDue.Load(),
		BackgroundRuns: p.metrics.BackgroundRuns.Load(),
		Flows:          p.flow.Flows(),
	}
}
