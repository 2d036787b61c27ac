// Package shutdown turns termination signals into a single, bounded teardown
// of the bridge.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"mqtt-http-bridge/internal/logger"
	"mqtt-http-bridge/internal/metrics"
	"mqtt-http-bridge/internal/stats"
)

const defaultTimeout = 5 * time.Second

// Step is one teardown action. Fn should return once ctx ends.
type Step struct {
	Name string
	Fn   func(ctx context.Context) error
}

type reportField struct {
	name  string
	value func() interface{}
}

// Coordinator runs the teardown steps exactly once, on the first signal or
// explicit Shutdown call, and reports the final counters.
type Coordinator struct {
	logger  *logger.Logger
	stats   *stats.Tracker
	metrics *metrics.Metrics
	timeout time.Duration
	steps   []Step
	extras  []reportField

	started atomic.Bool
	done    chan struct{}
}

// NewCoordinator creates a coordinator. A non-positive timeout falls back
// to five seconds.
func NewCoordinator(log *logger.Logger, st *stats.Tracker, m *metrics.Metrics, timeout time.Duration, steps ...Step) *Coordinator {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Coordinator{
		logger:  log.With("component", "shutdown"),
		stats:   st,
		metrics: m,
		timeout: timeout,
		steps:   steps,
		done:    make(chan struct{}),
	}
}

// AddReportField adds a value read at shutdown to the final report. It must
// be called before Run or Shutdown.
func (c *Coordinator) AddReportField(name string, value func() interface{}) {
	c.extras = append(c.extras, reportField{name: name, value: value})
}

// Run blocks until a termination signal has been handled or ctx ends, and
// returns the process exit code. A clean stop always exits 0, even when a
// teardown step missed the deadline.
func (c *Coordinator) Run(ctx context.Context) int {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	return c.Listen(ctx, sigs)
}

// Listen is Run with the signal source supplied by the caller.
func (c *Coordinator) Listen(ctx context.Context, sigs <-chan os.Signal) int {
	for {
		select {
		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				c.logger.Info("received SIGHUP, flushing logs")
				_ = c.logger.Sync()
			default:
				// Further signals keep being drained while the teardown runs.
				go c.Shutdown(sig.String())
			}
		case <-ctx.Done():
			go c.Shutdown("context cancelled")
			<-c.done
			return 0
		case <-c.done:
			return 0
		}
	}
}

// Shutdown performs the teardown. Only the first call does any work; later
// calls are logged and return immediately.
func (c *Coordinator) Shutdown(reason string) {
	if !c.started.CompareAndSwap(false, true) {
		c.logger.Info("shutdown already in progress", "trigger", reason)
		return
	}
	defer close(c.done)

	c.logger.Info("shutting down", "trigger", reason, "timeout", c.timeout)
	c.report()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	for _, step := range c.steps {
		if err := c.runStep(ctx, step); err != nil {
			c.logger.Error("shutdown step failed", "step", step.Name, "error", err)
			continue
		}
		c.logger.Info("shutdown step completed", "step", step.Name)
	}

	c.logger.Info("shutdown complete")
}

// runStep waits for step or for ctx, whichever ends first, so a step that
// ignores its context cannot hold up the rest.
func (c *Coordinator) runStep(ctx context.Context, step Step) error {
	if ctx.Err() != nil {
		return fmt.Errorf("skipped: %w", ctx.Err())
	}

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("panic: %v", r)
			}
		}()
		errCh <- step.Fn(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return fmt.Errorf("deadline reached: %w", ctx.Err())
	}
}

func (c *Coordinator) report() {
	if c.stats == nil {
		return
	}
	snap := c.stats.Snapshot()

	fields := append(snap.Fields(),
		"inFlight", snap.InFlight(),
		"uptime", snap.Uptime.Round(time.Second).String())
	if c.metrics != nil {
		fields = append(fields,
			"outcomes", c.metrics.OutcomeCounts(),
			"reconnects", c.metrics.Reconnects(),
			"mqttConnected", c.metrics.ConnectionStatus() == 1,
			"queueDepth", c.metrics.QueueDepth())
	}
	for _, f := range c.extras {
		fields = append(fields, f.name, f.value())
	}

	c.logger.Info("final bridge stats", fields...)
}
