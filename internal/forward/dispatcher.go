package forward

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"mqtt-http-bridge/config"
	"mqtt-http-bridge/internal/broker"
	"mqtt-http-bridge/internal/logger"
	"mqtt-http-bridge/internal/metrics"
)

var ErrDispatcherClosed = errors.New("dispatcher closed")

// Dispatcher queues broker messages for the processor. With one worker
// messages are forwarded strictly in arrival order; more workers bound the
// number of concurrent forwards. A full queue blocks Submit.
type Dispatcher struct {
	processor MessageProcessor
	logger    *logger.Logger
	metrics   *metrics.Metrics
	workers   int

	jobs chan broker.Message
	quit chan struct{}
	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewDispatcher creates a dispatcher and starts its workers
func NewDispatcher(proc MessageProcessor, cfg config.ProcConfig, m *metrics.Metrics, log *logger.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		processor: proc,
		logger:    log.With("component", "dispatcher"),
		metrics:   m,
		workers:   cfg.Workers,
		jobs:      make(chan broker.Message, cfg.QueueSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}

	d.startWorkers()
	return d
}

// Submit queues msg, blocking while the queue is full.
func (d *Dispatcher) Submit(msg broker.Message) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrDispatcherClosed
	}

	select {
	case d.jobs <- msg:
		d.updateDepth()
		return nil
	case <-d.quit:
		return ErrDispatcherClosed
	}
}

// Handle is the broker.MessageHandler for the dispatcher.
func (d *Dispatcher) Handle(msg broker.Message) {
	if err := d.Submit(msg); err != nil {
		d.logger.Warn("dropping message, dispatcher closed",
			"topic", msg.Topic,
			"bytes", len(msg.Payload))
	}
}

// Close stops intake and waits for queued messages to be processed. If ctx
// ends first, in-flight forwards are cancelled and the remaining queue is
// settled as failures in the background.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		close(d.quit)

		d.mu.Lock()
		d.closed = true
		close(d.jobs)
		d.mu.Unlock()

		go func() {
			d.wg.Wait()
			d.cancel()
			close(d.done)
		}()
	})

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		d.cancel()
		d.logger.Warn("dispatcher drain interrupted, cancelling in-flight forwards",
			"pending", d.Pending())
		return fmt.Errorf("waiting for dispatcher drain: %w", ctx.Err())
	}
}

// Pending returns the number of queued messages.
func (d *Dispatcher) Pending() int {
	return len(d.jobs)
}

// Internal worker pool functions
func (d *Dispatcher) startWorkers() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for msg := range d.jobs {
		d.updateDepth()
		d.processor.Process(d.ctx, msg.Topic, msg.Payload)
	}
}

func (d *Dispatcher) updateDepth() {
	if d.metrics != nil {
		d.metrics.SetQueueDepth(float64(len(d.jobs)))
	}
}
