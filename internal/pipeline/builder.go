package pipeline

import (
	"time"

	"firestige.xyz/xpass/internal/clock"
	"firestige.xyz/xpass/internal/config"
	"firestige.xyz/xpass/internal/core"
	"firestige.xyz/xpass/internal/flow"
)

// Builder provides a fluent interface for building pipelines.
// This is an alternative to using Config directly.
type Builder struct {
	config Config
}

// NewBuilder creates a new pipeline builder.
func NewBuilder() *Builder {
	return &Builder{
		config: Config{
			BatchSize:    core.DefaultBatchSize,
			QueueSize:    DefaultQueueSize,
			TaskInterval: DefaultTaskInterval,
		},
	}
}

// WithID sets the pipeline ID.
func (b *Builder) WithID(id int) *Builder {
	b.config.ID = id
	return b
}

// WithClock sets the time source.
func (b *Builder) WithClock(c clock.Clock) *Builder {
	b.config.Clock = c
	return b
}

// WithAllocator sets the frame allocator shared by all stages.
func (b *Builder) WithAllocator(a core.Allocator) *Builder {
	b.config.Alloc = a
	return b
}

// WithSinks sets the NIC and local outputs.
func (b *Builder) WithSinks(toNIC, toLocal core.Sink) *Builder {
	b.config.ToNIC = toNIC
	b.config.ToLocal = toLocal
	return b
}

// WithCreditHandler sets the credit hooks of the flow stage.
func (b *Builder) WithCreditHandler(h flow.CreditHandler) *Builder {
	b.config.Handler = h
	return b
}

// WithMTU sets the segmentation frame size.
func (b *Builder) WithMTU(mtu int) *Builder {
	b.config.MTU = mtu
	return b
}

// WithBatchSize sets the batch size of every stage output.
func (b *Builder) WithBatchSize(size int) *Builder {
	b.config.BatchSize = size
	return b
}

// WithFlowTableCapacity sets the flow table size.
func (b *Builder) WithFlowTableCapacity(n int) *Builder {
	b.config.FlowTableCapacity = n
	return b
}

// WithReassembly sets the aggregate size cap and flush timeout.
func (b *Builder) WithReassembly(maxAggregate int, flushTimeout time.Duration) *Builder {
	b.config.MaxAggregate = maxAggregate
	b.config.FlushTimeout = flushTimeout
	return b
}

// WithPacing sets the token bucket parameters of new flows.
func (b *Builder) WithPacing(p flow.PacingConfig) *Builder {
	b.config.Pacing = p
	return b
}

// WithTaskInterval sets the background task period of async mode.
func (b *Builder) WithTaskInterval(d time.Duration) *Builder {
	b.config.TaskInterval = d
	return b
}

// WithQueueSize sets the submit queue length of async mode.
func (b *Builder) WithQueueSize(n int) *Builder {
	b.config.QueueSize = n
	return b
}

// WithDataplane copies every stage setting from a validated config.
func (b *Builder) WithDataplane(dp config.DataplaneConfig) *Builder {
	b.config.MTU = dp.MTU
	b.config.BatchSize = dp.BatchSize
	b.config.FlowTableCapacity = dp.FlowTableCapacity
	b.config.MaxAggregate = dp.Reassembly.MaxAggregate
	b.config.FlushTimeout = dp.Reassembly.FlushTimeout
	b.config.Pacing = flow.PacingConfig{
		RefillInterval: uint64(dp.Pacing.RefillInterval),
		Burst:          uint32(dp.Pacing.BurstBytes),
	}
	b.config.TaskInterval = dp.TaskInterval
	b.config.QueueSize = dp.QueueSize
	return b
}

// Build creates the pipeline.
func (b *Builder) Build() (*Pipeline, error) {
	return New(b.config)
}
