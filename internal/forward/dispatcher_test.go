package forward

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mqtt-http-bridge/config"
	"mqtt-http-bridge/internal/broker"
	"mqtt-http-bridge/internal/logger"
	"mqtt-http-bridge/internal/metrics"
)

// recordingProcessor remembers payloads in processing order and can block
// until released.
type recordingProcessor struct {
	mu       sync.Mutex
	payloads []string

	gate    chan struct{}
	active  atomic.Int32
	peak    atomic.Int32
	delay   time.Duration
	ctxErrs atomic.Int32
}

func (p *recordingProcessor) Process(ctx context.Context, topic string, payload []byte) Result {
	n := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
		}
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if ctx.Err() != nil {
		p.ctxErrs.Add(1)
	}

	p.mu.Lock()
	p.payloads = append(p.payloads, string(payload))
	p.mu.Unlock()
	return Result{Outcome: Delivered}
}

func (p *recordingProcessor) processed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.payloads...)
}

func message(i int) broker.Message {
	return broker.Message{Topic: "TGR2568/66", Payload: []byte(fmt.Sprintf(`{"seq":%d}`, i))}
}

func TestDispatcherPreservesOrder(t *testing.T) {
	proc := &recordingProcessor{}
	d := NewDispatcher(proc, config.ProcConfig{Workers: 1, QueueSize: 4}, nil, logger.NewNop())

	var want []string
	for i := 0; i < 50; i++ {
		msg := message(i)
		want = append(want, string(msg.Payload))
		require.NoError(t, d.Submit(msg))
	}

	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, want, proc.processed())
	assert.Equal(t, int32(1), proc.peak.Load())
}

func TestDispatcherDefaults(t *testing.T) {
	d := NewDispatcher(&recordingProcessor{}, config.ProcConfig{}, nil, logger.NewNop())
	defer d.Close(context.Background())

	assert.Equal(t, 1, d.workers)
	assert.Equal(t, 1000, cap(d.jobs))
}

func TestDispatcherWorkerLimit(t *testing.T) {
	proc := &recordingProcessor{delay: 20 * time.Millisecond}
	d := NewDispatcher(proc, config.ProcConfig{Workers: 3, QueueSize: 100}, nil, logger.NewNop())

	for i := 0; i < 12; i++ {
		require.NoError(t, d.Submit(message(i)))
	}
	require.NoError(t, d.Close(context.Background()))

	assert.Len(t, proc.processed(), 12)
	assert.LessOrEqual(t, proc.peak.Load(), int32(3))
}

func TestDispatcherSubmitBlocksWhenFull(t *testing.T) {
	proc := &recordingProcessor{gate: make(chan struct{})}
	d := NewDispatcher(proc, config.ProcConfig{Workers: 1, QueueSize: 1}, nil, logger.NewNop())

	// first is taken by the worker, second fills the queue
	require.NoError(t, d.Submit(message(0)))
	assert.Eventually(t, func() bool { return proc.active.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, d.Submit(message(1)))

	submitted := make(chan error, 1)
	go func() { submitted <- d.Submit(message(2)) }()

	select {
	case <-submitted:
		t.Fatal("Submit should block while the queue is full")
	case <-time.After(50 * time.Millisecond):
	}

	close(proc.gate)
	require.NoError(t, <-submitted)
	require.NoError(t, d.Close(context.Background()))
	assert.Len(t, proc.processed(), 3)
}

func TestDispatcherSubmitAfterClose(t *testing.T) {
	d := NewDispatcher(&recordingProcessor{}, config.ProcConfig{Workers: 1, QueueSize: 1}, nil, logger.NewNop())
	require.NoError(t, d.Close(context.Background()))
	require.NoError(t, d.Close(context.Background()))

	assert.ErrorIs(t, d.Submit(message(0)), ErrDispatcherClosed)

	log, logs := newObservedForwardLogger()
	d.logger = log
	d.Handle(message(1))
	assert.Equal(t, 1, logs.FilterMessageSnippet("dropping message").Len())
}

func TestDispatcherCloseReleasesBlockedSubmit(t *testing.T) {
	proc := &recordingProcessor{gate: make(chan struct{})}
	d := NewDispatcher(proc, config.ProcConfig{Workers: 1, QueueSize: 1}, nil, logger.NewNop())

	require.NoError(t, d.Submit(message(0)))
	assert.Eventually(t, func() bool { return proc.active.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, d.Submit(message(1)))

	submitted := make(chan error, 1)
	go func() { submitted <- d.Submit(message(2)) }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, d.Close(ctx))

	select {
	case err := <-submitted:
		assert.ErrorIs(t, err, ErrDispatcherClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked Submit was not released by Close")
	}
}

func TestDispatcherCloseIsBounded(t *testing.T) {
	proc := &recordingProcessor{gate: make(chan struct{})}
	d := NewDispatcher(proc, config.ProcConfig{Workers: 1, QueueSize: 10}, nil, logger.NewNop())

	for i := 0; i < 3; i++ {
		require.NoError(t, d.Submit(message(i)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := d.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	// cancelled workers settle the remaining queue promptly
	assert.Eventually(t, func() bool { return len(proc.processed()) == 3 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), proc.ctxErrs.Load())
}

func TestDispatcherQueueDepthGauge(t *testing.T) {
	m, err := metrics.NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	proc := &recordingProcessor{gate: make(chan struct{})}
	d := NewDispatcher(proc, config.ProcConfig{Workers: 1, QueueSize: 10}, m, logger.NewNop())

	require.NoError(t, d.Submit(message(0)))
	assert.Eventually(t, func() bool { return proc.active.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, d.Submit(message(1)))
	require.NoError(t, d.Submit(message(2)))

	assert.Equal(t, 2, d.Pending())
	assert.Equal(t, float64(2), m.QueueDepth())

	close(proc.gate)
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, float64(0), m.QueueDepth())
}

func TestDispatcherWithProcessor(t *testing.T) {
	api := newEndpoint(t, http.StatusOK, `{"ok":true}`, 0)
	f := setupProcessor(t, api.URL, time.Second)
	d := NewDispatcher(f.processor, config.ProcConfig{Workers: 1, QueueSize: 8}, f.metrics, logger.NewNop())

	d.Handle(broker.Message{Topic: "t", Payload: []byte(`{"seq":0}`)})
	d.Handle(broker.Message{Topic: "t", Payload: []byte(`garbage`)})
	d.Handle(broker.Message{Topic: "t", Payload: []byte(`{"seq":2}`)})
	require.NoError(t, d.Close(context.Background()))

	snap := f.stats.Snapshot()
	assert.Equal(t, uint64(3), snap.Received)
	assert.Equal(t, uint64(2), snap.Sent)
	assert.Equal(t, uint64(1), snap.Failed)

	reqs := api.captured()
	require.Len(t, reqs, 2)
	assert.JSONEq(t, `{"seq":0}`, string(reqs[0].body))
	assert.JSONEq(t, `{"seq":2}`, string(reqs[1].body))
}
