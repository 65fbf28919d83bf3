package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"CreditLedger/internal/core"
	"CreditLedger/internal/event"
	"CreditLedger/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	EventStream        = "CREDIT_EVENTS"
	EventSubjectPrefix = "credit.events."
)

// OutboundPublisher publishes the domain events of applied calls. Delivery
// is best effort; the event log remains the source of truth.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	log       zerolog.Logger
}

// PublishableEvent is the outbound message body.
type PublishableEvent struct {
	Sequence       int64             `json:"sequence"`
	CallType       string            `json:"call_type"`
	IdempotencyKey string            `json:"idempotency_key"`
	Event          event.DomainEvent `json:"event"`
	StateHash      common.Hash       `json:"state_hash"`
	Timestamp      time.Time         `json:"timestamp"`
}

// OutboundMessage is one JetStream publish. MsgID makes republishing the
// same output after a restart a no-op within the stream's dedup window.
type OutboundMessage struct {
	Subject string
	MsgID   string
	Data    []byte
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		log:       log,
	}
}

// Messages renders the outbound messages for one applied call, subject
// credit.events.<type>.
func Messages(out core.CoreOutput) ([]OutboundMessage, error) {
	env := out.Envelope
	msgs := make([]OutboundMessage, 0, len(out.Events))
	for i, evt := range out.Events {
		data, err := json.Marshal(PublishableEvent{
			Sequence:       env.Sequence,
			CallType:       env.CallType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Event:          evt,
			StateHash:      env.StateHash,
			Timestamp:      env.Timestamp,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal event: %w", err)
		}
		msgs = append(msgs, OutboundMessage{
			Subject: EventSubjectPrefix + string(evt.Type),
			MsgID:   fmt.Sprintf("%d-%d", env.Sequence, i),
			Data:    data,
		})
	}
	return msgs, nil
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, out); err != nil {
				op.log.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.CoreOutput) error {
	msgs, err := Messages(out)
	if err != nil {
		return err
	}
	for i, msg := range msgs {
		if _, err := op.js.Publish(ctx, msg.Subject, msg.Data, jetstream.WithMsgID(msg.MsgID)); err != nil {
			return fmt.Errorf("publish %s: %w", msg.Subject, err)
		}
		if op.metrics != nil {
			op.metrics.PublishedEvents.WithLabelValues(string(out.Events[i].Type)).Inc()
		}
	}
	return nil
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       EventStream,
		Subjects:   []string{EventSubjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Info().Str("stream", EventStream).Msg("ensured outbound stream")
	return nil
}
