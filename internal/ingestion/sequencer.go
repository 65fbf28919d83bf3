package ingestion

import (
	"context"
	"errors"
	"time"

	"CreditLedger/internal/core"
	"CreditLedger/internal/event"
	"CreditLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Sources label where a call entered the ledger.
const (
	SourceNATS = "nats"
	SourceGRPC = "grpc"
)

// ErrSequencerStopped is returned to submitters once Run has exited.
var ErrSequencerStopped = errors.New("sequencer stopped")

// Sequencer is the single goroutine that owns the core. NATS messages,
// gRPC submissions and reads of live core state are all serialized here.
type Sequencer struct {
	core     *core.DeterministicCore
	raw      <-chan RawEvent
	requests chan request
	done     chan struct{}
	metrics  *observability.Metrics
	log      zerolog.Logger
}

type request struct {
	call     event.Call
	read     func(*core.DeterministicCore)
	source   string
	received time.Time
	reply    chan result
}

type result struct {
	receipt *core.Receipt
	err     error
}

// NewSequencer wraps c. raw may be nil when NATS ingestion is disabled.
func NewSequencer(c *core.DeterministicCore, raw <-chan RawEvent, metrics *observability.Metrics, log zerolog.Logger) *Sequencer {
	return &Sequencer{
		core:     c,
		raw:      raw,
		requests: make(chan request),
		done:     make(chan struct{}),
		metrics:  metrics,
		log:      log,
	}
}

// Run processes until ctx is cancelled.
func (s *Sequencer) Run(ctx context.Context) error {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-s.raw:
			if !ok {
				s.raw = nil
				continue
			}
			s.handleRaw(raw)

		case req := <-s.requests:
			if req.read != nil {
				req.read(s.core)
				close(req.reply)
				continue
			}
			receipt, err := s.apply(req.call, req.source, req.received)
			req.reply <- result{receipt: receipt, err: err}
		}
	}
}

// Submit applies call and waits for its receipt.
func (s *Sequencer) Submit(ctx context.Context, call event.Call, source string) (*core.Receipt, error) {
	req := request{call: call, source: source, received: time.Now(), reply: make(chan result, 1)}
	if err := s.send(ctx, req); err != nil {
		return nil, err
	}
	select {
	case res := <-req.reply:
		return res.receipt, res.err
	case <-s.done:
		return nil, ErrSequencerStopped
	}
}

// Read runs fn on the sequencer goroutine. fn must not retain the core.
func (s *Sequencer) Read(ctx context.Context, fn func(*core.DeterministicCore)) error {
	req := request{read: fn, reply: make(chan result)}
	if err := s.send(ctx, req); err != nil {
		return err
	}
	select {
	case <-req.reply:
		return nil
	case <-s.done:
		return ErrSequencerStopped
	}
}

func (s *Sequencer) send(ctx context.Context, req request) error {
	select {
	case s.requests <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSequencerStopped
	}
}

func (s *Sequencer) handleRaw(raw RawEvent) {
	call, err := ParseRawEvent(raw)
	if err != nil {
		if s.metrics != nil {
			s.metrics.IngestParseErrors.WithLabelValues(SourceNATS).Inc()
		}
		s.log.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping undecodable call")
		raw.term()
		return
	}

	_, err = s.apply(call, SourceNATS, raw.Timestamp)
	if errors.Is(err, core.ErrSequenceGap) {
		// An earlier call from the same caller is still in flight.
		raw.nak()
		return
	}
	raw.ack()
}

func (s *Sequencer) apply(call event.Call, source string, received time.Time) (*core.Receipt, error) {
	ct := call.CallType().String()
	if s.metrics != nil {
		s.metrics.IngestMessages.WithLabelValues(source, ct).Inc()
	}

	receipt, err := s.core.ProcessCall(call)
	if err != nil {
		s.log.Info().Err(err).
			Str("call_type", ct).
			Str("key", call.IdempotencyKey()).
			Str("category", core.Category(err).String()).
			Msg("call rejected")
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.IngestToApply.WithLabelValues(ct).Observe(time.Since(received).Seconds())
	}
	if receipt.Duplicate {
		s.log.Debug().Str("call_type", ct).Str("key", call.IdempotencyKey()).Msg("duplicate call")
	}
	return receipt, nil
}
