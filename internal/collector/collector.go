// Package collector accumulates byte chunks into fixed-size samples and
// dispatches each sample to a SampleSink. Samples are dispatched when full,
// and partial samples of at least the configured minimum are flushed after a
// periodic interval.
package collector

import (
	"context"
	"log"
	"sync"
	"time"

	"randomness-sts/internal/clock"
	"randomness-sts/internal/metrics"
)

// Dispatch triggers recorded on samples and in metrics.
const (
	TriggerFull     = "full"
	TriggerInterval = "flush"
	TriggerClose    = "close"
)

const closeTimeout = 5 * time.Second

// Sample is one unit of assessment.
type Sample struct {
	Data        []byte
	Sequence    uint64
	Trigger     string
	CollectedAt time.Time
}

// SampleSink consumes dispatched samples. Samples arrive one at a time in
// sequence order.
type SampleSink interface {
	AssessSample(ctx context.Context, sample Sample) error
}

// SinkFunc adapts a function to SampleSink.
type SinkFunc func(ctx context.Context, sample Sample) error

// AssessSample calls f.
func (f SinkFunc) AssessSample(ctx context.Context, sample Sample) error {
	return f(ctx, sample)
}

// Option applies an optional configuration to a SampleCollector during
// construction.
type Option func(*SampleCollector)

// WithClock injects a custom clock for deterministic flush timing in tests.
func WithClock(clockSource clock.Clock) Option {
	return func(c *SampleCollector) {
		c.clockSource = clockSource
	}
}

// WithQueueSize sets how many dispatched samples may wait for the sink.
// Beyond that, Add and Flush block until the sink catches up, which in turn
// holds back the MQTT message callback. The collector lock is not held while
// they wait, so Pending and Dispatched stay responsive.
func WithQueueSize(n int) Option {
	return func(c *SampleCollector) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// SampleCollector buffers chunks and dispatches them as samples of exactly
// sampleBytes, except for interval and close flushes. A single-goroutine send
// loop preserves dispatch ordering. All methods are safe for concurrent use.
type SampleCollector struct {
	buf           []byte
	sampleBytes   int
	minBytes      int
	flushInterval time.Duration
	sink          SampleSink
	clockSource   clock.Clock
	queueSize     int

	mu       sync.Mutex
	closed   bool
	sequence uint64
	dropped  uint64
	ready    []Sample

	// enqueueMu serializes handoff to sendQueue so samples keep sequence order.
	enqueueMu sync.Mutex

	sendQueue  chan Sample
	sendWG     sync.WaitGroup
	flushWG    sync.WaitGroup
	closeOnce  sync.Once
	ctx        context.Context
	cancel     context.CancelFunc
	dispatched uint64
}

// New creates a SampleCollector and starts its send loop and, when
// flushInterval is positive, its auto-flush loop. Call Close to stop both.
// minBytes is clamped to [1, sampleBytes].
func New(sampleBytes, minBytes int, flushInterval time.Duration, sink SampleSink, opts ...Option) *SampleCollector {
	if sampleBytes < 1 {
		sampleBytes = 1
	}
	if minBytes < 1 {
		minBytes = 1
	}
	if minBytes > sampleBytes {
		minBytes = sampleBytes
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &SampleCollector{
		buf:           make([]byte, 0, sampleBytes),
		sampleBytes:   sampleBytes,
		minBytes:      minBytes,
		flushInterval: flushInterval,
		sink:          sink,
		clockSource:   clock.RealClock{},
		queueSize:     2,
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.clockSource == nil {
		c.clockSource = clock.RealClock{}
	}

	metrics.SetCollectorSampleSize(sampleBytes)
	metrics.SetCollectorPendingBytes(0)

	c.sendQueue = make(chan Sample, c.queueSize)
	c.sendWG.Add(1)
	go c.runSendLoop()

	if flushInterval > 0 {
		c.flushWG.Add(1)
		go c.autoFlush()
	}
	return c
}

// Add appends chunk to the pending buffer, dispatching a sample each time the
// buffer reaches the sample size. A chunk may complete several samples.
// Chunks added after Close are dropped.
func (c *SampleCollector) Add(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.dropped += uint64(len(chunk))
		c.mu.Unlock()
		metrics.RecordPayloadDropped("collector_closed")
		return
	}

	for len(chunk) > 0 {
		room := c.sampleBytes - len(c.buf)
		if room > len(chunk) {
			room = len(chunk)
		}
		c.buf = append(c.buf, chunk[:room]...)
		chunk = chunk[room:]
		if len(c.buf) == c.sampleBytes {
			c.dispatch(TriggerFull)
		}
	}
	metrics.SetCollectorPendingBytes(len(c.buf))
	c.mu.Unlock()

	c.enqueueReady()
}

// Flush dispatches the pending bytes as a partial sample when at least
// minBytes are buffered. It reports whether a sample was dispatched.
func (c *SampleCollector) Flush() bool {
	c.mu.Lock()
	flushed := !c.closed && c.flushLocked(TriggerInterval)
	c.mu.Unlock()

	c.enqueueReady()
	return flushed
}

// Pending returns the number of buffered bytes.
func (c *SampleCollector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

// Dispatched returns the number of samples handed to the send loop.
func (c *SampleCollector) Dispatched() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dispatched
}

// Dropped returns the number of bytes discarded, either added after Close or
// left below the minimum at Close.
func (c *SampleCollector) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// flushLocked dispatches a partial sample. The caller must hold c.mu.
func (c *SampleCollector) flushLocked(trigger string) bool {
	if len(c.buf) < c.minBytes {
		return false
	}
	c.dispatch(trigger)
	metrics.SetCollectorPendingBytes(0)
	return true
}

// dispatch copies the buffer into a sample and appends it to c.ready. The
// caller must hold c.mu and call enqueueReady after releasing it.
func (c *SampleCollector) dispatch(trigger string) {
	data := make([]byte, len(c.buf))
	copy(data, c.buf)
	c.buf = c.buf[:0]
	c.sequence++
	c.dispatched++

	c.ready = append(c.ready, Sample{
		Data:        data,
		Sequence:    c.sequence,
		Trigger:     trigger,
		CollectedAt: c.clockSource.Now(),
	})
}

// enqueueReady moves ready samples to the send loop, oldest first. It blocks
// while the queue is full. c.mu must not be held.
func (c *SampleCollector) enqueueReady() {
	c.enqueueMu.Lock()
	defer c.enqueueMu.Unlock()

	for {
		c.mu.Lock()
		if len(c.ready) == 0 {
			c.mu.Unlock()
			return
		}
		sample := c.ready[0]
		c.ready[0] = Sample{}
		c.ready = c.ready[1:]
		c.mu.Unlock()

		c.sendQueue <- sample
	}
}

// autoFlush periodically flushes partial samples so that low-throughput
// periods do not leave bits buffered indefinitely.
func (c *SampleCollector) autoFlush() {
	defer c.flushWG.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.clockSource.After(c.flushInterval):
			c.mu.Lock()
			if !c.closed && c.flushLocked(TriggerInterval) {
				log.Printf("collector: flushed partial sample %d", c.sequence)
			}
			c.mu.Unlock()
			c.enqueueReady()
		}
	}
}

// Close stops the auto-flush loop, dispatches the remaining bytes when they
// reach minBytes, and waits up to five seconds for the sink to drain. It is
// safe to call more than once.
func (c *SampleCollector) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.flushWG.Wait()

		c.mu.Lock()
		if !c.flushLocked(TriggerClose) && len(c.buf) > 0 {
			log.Printf("collector: discarding %d trailing bytes below minimum %d", len(c.buf), c.minBytes)
			c.dropped += uint64(len(c.buf))
			metrics.RecordPayloadDropped("below_minimum")
			c.buf = c.buf[:0]
			metrics.SetCollectorPendingBytes(0)
		}
		c.closed = true
		c.mu.Unlock()

		// No sample becomes ready once closed is set.
		c.enqueueReady()
		c.enqueueMu.Lock()
		close(c.sendQueue)
		c.enqueueMu.Unlock()

		done := make(chan struct{})
		go func() {
			c.sendWG.Wait()
			close(done)
		}()

		timer := time.NewTimer(closeTimeout)
		defer timer.Stop()
		select {
		case <-done:
			log.Println("collector: all samples dispatched")
		case <-timer.C:
			log.Println("collector: timeout waiting for sink")
		}
	})
}

func (c *SampleCollector) runSendLoop() {
	defer c.sendWG.Done()
	for sample := range c.sendQueue {
		if c.sink == nil {
			continue
		}
		start := c.clockSource.Now()
		if err := c.sink.AssessSample(context.Background(), sample); err != nil {
			log.Printf("collector: sample %d (%d bytes) failed: %v", sample.Sequence, len(sample.Data), err)
		}
		metrics.RecordCollectorDispatch(sample.Trigger, clock.Since(c.clockSource, start))
	}
}
