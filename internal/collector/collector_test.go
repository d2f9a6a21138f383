package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"randomness-sts/internal/clock"
	"randomness-sts/internal/metrics"
	"randomness-sts/testutil"
)

type recordingSink struct {
	mu      sync.Mutex
	samples []Sample
	errFn   func(uint64) error
}

func (s *recordingSink) AssessSample(_ context.Context, sample Sample) error {
	s.mu.Lock()
	s.samples = append(s.samples, sample)
	errFn := s.errFn
	s.mu.Unlock()

	if errFn != nil {
		return errFn(sample.Sequence)
	}
	return nil
}

func (s *recordingSink) snapshot() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sample, len(s.samples))
	copy(out, s.samples)
	return out
}

func (s *recordingSink) await(t *testing.T, expected int) []Sample {
	t.Helper()
	samples, err := testutil.WaitForCondition(context.Background(), func() ([]Sample, bool) {
		got := s.snapshot()
		return got, len(got) >= expected
	})
	if err != nil {
		t.Fatalf("timeout waiting for %d samples: %v", expected, err)
	}
	return samples
}

func TestCollector_DispatchesFullSamplesAcrossChunks(t *testing.T) {
	testutil.ResetRegistryForTest(t)

	sink := &recordingSink{}
	c := New(4, 1, 0, sink)
	t.Cleanup(c.Close)

	c.Add([]byte{1, 2, 3})
	c.Add([]byte{4, 5, 6, 7, 8, 9})

	samples := sink.await(t, 2)
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}
	if string(samples[0].Data) != string([]byte{1, 2, 3, 4}) || string(samples[1].Data) != string([]byte{5, 6, 7, 8}) {
		t.Fatalf("unexpected sample data: %v / %v", samples[0].Data, samples[1].Data)
	}
	for i, s := range samples {
		if s.Sequence != uint64(i+1) || s.Trigger != TriggerFull {
			t.Fatalf("sample %d: sequence=%d trigger=%s", i, s.Sequence, s.Trigger)
		}
	}
	if got := c.Pending(); got != 1 {
		t.Fatalf("expected 1 pending byte, got %d", got)
	}
	if got := promtestutil.ToFloat64(metrics.CollectorPendingBytes); got != 1 {
		t.Fatalf("pending bytes gauge = %v, want 1", got)
	}
	if got := promtestutil.ToFloat64(metrics.CollectorSampleSize); got != 4 {
		t.Fatalf("sample size gauge = %v, want 4", got)
	}
}

func TestCollector_SamplesDoNotAliasInput(t *testing.T) {
	testutil.ResetRegistryForTest(t)

	sink := &recordingSink{}
	c := New(2, 1, 0, sink)

	chunk := []byte{0xAA, 0xBB}
	c.Add(chunk)
	chunk[0] = 0
	c.Close()

	samples := sink.snapshot()
	if len(samples) != 1 || samples[0].Data[0] != 0xAA {
		t.Fatalf("sample aliased caller buffer: %v", samples)
	}
}

func TestCollector_IntervalFlushHonorsMinimum(t *testing.T) {
	testutil.ResetRegistryForTest(t)

	clk := clock.NewFakeClock()
	sink := &recordingSink{}
	c := New(10, 3, time.Hour, sink, WithClock(clk))
	t.Cleanup(c.Close)

	c.Add([]byte{1, 2})
	testutil.WaitUntil(t, "flush loop parked", func() bool { return clk.Waiters() == 1 })
	clk.Fire()
	testutil.WaitUntil(t, "flush loop re-parked", func() bool { return clk.Waiters() == 1 })
	if got := c.Dispatched(); got != 0 {
		t.Fatalf("partial sample below minimum must stay buffered, dispatched %d", got)
	}

	c.Add([]byte{3, 4})
	clk.Fire()

	samples := sink.await(t, 1)
	if samples[0].Trigger != TriggerInterval || len(samples[0].Data) != 4 {
		t.Fatalf("unexpected interval sample: %+v", samples[0])
	}
	if got := c.Pending(); got != 0 {
		t.Fatalf("expected buffer drained, %d pending", got)
	}
}

func TestCollector_ManualFlush(t *testing.T) {
	testutil.ResetRegistryForTest(t)

	sink := &recordingSink{}
	c := New(8, 4, 0, sink)
	t.Cleanup(c.Close)

	c.Add([]byte{1, 2, 3})
	if c.Flush() {
		t.Fatal("Flush below minimum should not dispatch")
	}
	c.Add([]byte{4})
	if !c.Flush() {
		t.Fatal("Flush at minimum should dispatch")
	}
	samples := sink.await(t, 1)
	if len(samples[0].Data) != 4 {
		t.Fatalf("expected 4-byte sample, got %d", len(samples[0].Data))
	}
}

func TestCollector_CloseFlushesOrDiscards(t *testing.T) {
	testutil.ResetRegistryForTest(t)

	sink := &recordingSink{}
	c := New(8, 3, 0, sink)
	c.Add([]byte{1, 2, 3})
	c.Close()

	samples := sink.snapshot()
	if len(samples) != 1 || samples[0].Trigger != TriggerClose {
		t.Fatalf("expected close sample, got %+v", samples)
	}

	short := New(8, 3, 0, sink)
	short.Add([]byte{9})
	short.Close()
	short.Close()

	if got := short.Dropped(); got != 1 {
		t.Fatalf("expected trailing byte dropped, got %d", got)
	}
	short.Add([]byte{1, 2})
	if got := short.Dropped(); got != 3 {
		t.Fatalf("expected bytes added after close dropped, got %d", got)
	}
	if got := promtestutil.ToFloat64(metrics.MQTTPayloadsDropped.WithLabelValues("collector_closed")); got != 1 {
		t.Fatalf("collector_closed drops = %v, want 1", got)
	}
	if got := promtestutil.ToFloat64(metrics.MQTTPayloadsDropped.WithLabelValues("below_minimum")); got != 1 {
		t.Fatalf("below_minimum drops = %v, want 1", got)
	}
	if len(sink.snapshot()) != 1 {
		t.Fatal("no sample expected from the short collector")
	}
}

func TestCollector_SinkErrorDoesNotResetSequence(t *testing.T) {
	testutil.ResetRegistryForTest(t)

	sink := &recordingSink{errFn: func(seq uint64) error {
		if seq == 1 {
			return errors.New("battery failed")
		}
		return nil
	}}
	c := New(2, 1, 0, sink)
	t.Cleanup(c.Close)

	c.Add([]byte{1, 2, 3, 4})
	samples := sink.await(t, 2)
	if samples[0].Sequence != 1 || samples[1].Sequence != 2 {
		t.Fatalf("unexpected sequences %d, %d", samples[0].Sequence, samples[1].Sequence)
	}
}

func TestCollector_ConcurrentAddPreservesOrder(t *testing.T) {
	testutil.ResetRegistryForTest(t)

	sink := &recordingSink{}
	c := New(100, 1, 0, sink, WithQueueSize(4))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			chunk := make([]byte, 10)
			for i := 0; i < 100; i++ {
				c.Add(chunk)
			}
		}()
	}
	wg.Wait()
	c.Close()

	samples := sink.snapshot()
	if len(samples) != 80 {
		t.Fatalf("expected 80 samples, got %d", len(samples))
	}
	for i, s := range samples {
		if s.Sequence != uint64(i+1) {
			t.Fatalf("sample %d has sequence %d", i, s.Sequence)
		}
		if len(s.Data) != 100 {
			t.Fatalf("sample %d has %d bytes", i, len(s.Data))
		}
	}
	if got := promtestutil.ToFloat64(metrics.CollectorSamples.WithLabelValues(TriggerFull)); got != 80 {
		t.Fatalf("full samples metric = %v, want 80", got)
	}
}

func TestCollector_FullQueueDoesNotHoldLock(t *testing.T) {
	testutil.ResetRegistryForTest(t)

	entered := make(chan uint64, 4)
	release := make(chan struct{})
	var (
		mu    sync.Mutex
		order []uint64
	)
	sink := SinkFunc(func(_ context.Context, s Sample) error {
		entered <- s.Sequence
		<-release
		mu.Lock()
		order = append(order, s.Sequence)
		mu.Unlock()
		return nil
	})
	c := New(4, 4, 0, sink, WithQueueSize(1))

	c.Add([]byte{1, 2, 3, 4})
	if seq := <-entered; seq != 1 {
		t.Fatalf("first sample in sink = %d, want 1", seq)
	}
	c.Add([]byte{5, 6, 7, 8})

	blocked := make(chan struct{})
	go func() {
		defer close(blocked)
		c.Add([]byte{9, 10, 11, 12, 13})
	}()

	// Dispatched and Pending take the collector lock; they must not wait on
	// the sink while the third sample is stuck behind a full queue.
	testutil.WaitUntil(t, "third sample dispatched", func() bool {
		return c.Dispatched() == 3 && c.Pending() == 1
	})
	select {
	case <-blocked:
		t.Fatal("Add returned while the queue was full")
	default:
	}

	close(release)
	select {
	case <-blocked:
	case <-time.After(testutil.DefaultWaitTimeout):
		t.Fatal("Add still blocked after the sink drained")
	}
	c.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("sink order = %v, want [1 2 3]", order)
	}
	if got := c.Dropped(); got != 1 {
		t.Fatalf("dropped = %d, want the 1 trailing byte", got)
	}
}

func TestSinkFunc(t *testing.T) {
	t.Parallel()

	var got Sample
	sink := SinkFunc(func(_ context.Context, s Sample) error {
		got = s
		return nil
	})
	if err := sink.AssessSample(context.Background(), Sample{Sequence: 7}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Sequence != 7 {
		t.Fatalf("SinkFunc did not forward sample, got %+v", got)
	}
}
