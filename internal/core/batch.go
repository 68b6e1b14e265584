package core

// DefaultBatchSize bounds the number of frames a stage hands downstream at once.
const DefaultBatchSize = 32

// Sink receives an ordered batch of frames and takes ownership of every
// frame in it. Sinks must not retain the slice itself.
type Sink interface {
	Deliver(frames []*Frame)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(frames []*Frame)

func (fn SinkFunc) Deliver(frames []*Frame) { fn(frames) }

// Batch collects output frames and hands them to the next stage. A full batch
// is delivered immediately.
type Batch struct {
	frames []*Frame
	next   Sink
}

// NewBatch creates an output batch bound to next.
func NewBatch(size int, next Sink) *Batch {
	if size <= 0 {
		size = DefaultBatchSize
	}
	return &Batch{
		frames: make([]*Frame, 0, size),
		next:   next,
	}
}

// Push appends a frame, delivering the batch when it becomes full.
func (b *Batch) Push(f *Frame) {
	b.frames = append(b.frames, f)
	if len(b.frames) == cap(b.frames) {
		b.Flush()
	}
}

// Flush delivers any pending frames.
func (b *Batch) Flush() {
	if len(b.frames) == 0 {
		return
	}
	b.next.Deliver(b.frames)
	clear(b.frames)
	b.frames = b.frames[:0]
}

// Len returns the number of pending frames.
func (b *Batch) Len() int { return len(b.frames) }
