package ingestion

import (
	"context"
	"errors"
	"fmt"

	"CreditLedger/internal/core"
	"CreditLedger/internal/event"
	"CreditLedger/internal/observability"
)

var (
	ErrUnknownCallType = errors.New("unknown call type")
	ErrMalformedCall   = errors.New("malformed call")
)

// GRPCIngestService is the synchronous submission path. Unlike NATS it
// returns the receipt, so callers learn the position id or the rejection.
type GRPCIngestService struct {
	seq     *Sequencer
	metrics *observability.Metrics
}

func NewGRPCIngestService(seq *Sequencer, metrics *observability.Metrics) *GRPCIngestService {
	return &GRPCIngestService{seq: seq, metrics: metrics}
}

// Submit decodes payload as the named call type and applies it.
func (s *GRPCIngestService) Submit(ctx context.Context, callType string, payload []byte) (*core.Receipt, error) {
	ct := event.ParseCallType(callType)
	if ct == event.CallTypeUnknown {
		s.parseError()
		return nil, fmt.Errorf("%w: %q", ErrUnknownCallType, callType)
	}
	if len(payload) == 0 {
		s.parseError()
		return nil, fmt.Errorf("%w: %s", ErrEmptyPayload, ct)
	}
	call, err := event.Decode(ct, payload)
	if err != nil {
		s.parseError()
		return nil, fmt.Errorf("%w: %v", ErrMalformedCall, err)
	}
	return s.SubmitCall(ctx, call)
}

// SubmitCall applies an already typed call.
func (s *GRPCIngestService) SubmitCall(ctx context.Context, call event.Call) (*core.Receipt, error) {
	return s.seq.Submit(ctx, call, SourceGRPC)
}

func (s *GRPCIngestService) parseError() {
	if s.metrics != nil {
		s.metrics.IngestParseErrors.WithLabelValues(SourceGRPC).Inc()
	}
}
