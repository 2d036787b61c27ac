package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
	"unicode/utf8"

	"mqtt-http-bridge/config"
	"mqtt-http-bridge/internal/logger"
	"mqtt-http-bridge/internal/metrics"
	"mqtt-http-bridge/internal/stats"
)

// maxResponseBody caps how much of a response is kept for the result and logs.
const maxResponseBody = 64 << 10

// MessageProcessor handles one message to a terminal Result.
type MessageProcessor interface {
	Process(ctx context.Context, topic string, payload []byte) Result
}

// Processor decodes a broker payload, POSTs it to the API endpoint and
// records the outcome. It never retries.
type Processor struct {
	endpoint string
	timeout  time.Duration
	client   *http.Client
	stats    *stats.Tracker
	metrics  *metrics.Metrics
	logger   *logger.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Processor) {
		if c != nil {
			p.client = c
		}
	}
}

// newHTTPClient returns a client that hands redirects back as responses.
// Following one would resend the payload as a body-less GET.
func newHTTPClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// NewProcessor creates a new processor
func NewProcessor(cfg *config.APIConfig, st *stats.Tracker, m *metrics.Metrics, log *logger.Logger, opts ...Option) (*Processor, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, fmt.Errorf("api endpoint is required")
	}
	if st == nil {
		return nil, fmt.Errorf("stats tracker is required")
	}
	if cfg.Timeout() <= 0 {
		return nil, fmt.Errorf("api timeout must be positive")
	}

	p := &Processor{
		endpoint: cfg.URL,
		timeout:  cfg.Timeout(),
		client:   newHTTPClient(),
		stats:    st,
		metrics:  m,
		logger:   log.With("component", "forward"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Process handles a single message. received is bumped on entry and
// exactly one of sent or failed before returning; one stats line is logged
// on every path.
func (p *Processor) Process(ctx context.Context, topic string, payload []byte) (result Result) {
	seq := p.stats.RecordReceived()

	defer func() {
		if r := recover(); r != nil {
			result = Result{Outcome: Internal, Err: fmt.Errorf("panic while forwarding: %v", r)}
		}
		p.settle(topic, result)
	}()

	value, err := decodePayload(payload)
	if err != nil {
		return Result{Outcome: Malformed, RawPayload: payload, Err: err}
	}
	p.logger.Debug("forwarding message", "seq", seq, "topic", topic, "data", value)

	return p.forward(ctx, value)
}

// decodePayload parses payload as a single UTF-8 JSON value. Numbers are
// kept as json.Number so re-encoding does not lose precision.
func decodePayload(payload []byte) (any, error) {
	if !utf8.Valid(payload) {
		return nil, errors.New("payload is not valid UTF-8")
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("invalid JSON: unexpected data after value")
	}
	return value, nil
}

func (p *Processor) forward(ctx context.Context, value any) Result {
	body, err := json.Marshal(value)
	if err != nil {
		return Result{Outcome: Internal, Err: fmt.Errorf("failed to encode payload: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{Outcome: Internal, Err: fmt.Errorf("failed to build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	if p.metrics != nil {
		p.metrics.ObserveForwardDuration(time.Since(start).Seconds())
	}
	if err != nil {
		return Result{Outcome: Unreachable, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Result{Outcome: Internal, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Result{Outcome: Delivered, StatusCode: resp.StatusCode, Body: respBody}
	}
	return Result{Outcome: Rejected, StatusCode: resp.StatusCode, Body: respBody}
}

// settle records the result and writes the outcome and stats log lines.
func (p *Processor) settle(topic string, result Result) {
	if result.OK() {
		p.stats.RecordSent()
	} else {
		p.stats.RecordFailed()
	}
	if p.metrics != nil {
		p.metrics.IncOutcome(result.Outcome.String())
	}

	outcome := result.Outcome.String()
	switch result.Outcome {
	case Delivered:
		p.logger.Info("message forwarded",
			"outcome", outcome,
			"topic", topic,
			"status", result.StatusCode,
			"response", string(result.Body))
	case Rejected:
		p.logger.Error("endpoint rejected message",
			"outcome", outcome,
			"topic", topic,
			"status", result.StatusCode,
			"response", string(result.Body))
	case Unreachable:
		p.logger.Error("no response from endpoint",
			"outcome", outcome,
			"topic", topic,
			"endpoint", p.endpoint,
			"timeout", isTimeout(result.Err),
			"error", result.Err)
	case Malformed:
		p.logger.Error("invalid JSON payload, message skipped",
			"outcome", outcome,
			"topic", topic,
			"rawPayload", string(result.RawPayload),
			"error", result.Err)
	default:
		p.logger.Error("failed to forward message",
			"outcome", outcome,
			"topic", topic,
			"error", result.Err)
	}

	p.logger.Info("bridge stats", p.stats.Snapshot().Fields()...)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
