// Package requeue consumes requeue requests for failed papers from Kafka
// and hands them to the orchestrator.
package requeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/helixir/paper-pipeline-service/internal/dispatch"
	"github.com/helixir/paper-pipeline-service/internal/domain"
	"github.com/helixir/paper-pipeline-service/internal/observability"
)

// Message outcomes recorded in metrics.
const (
	OutcomeRequeued = "requeued"
	OutcomeInvalid  = "invalid"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Request asks for a failed paper to be processed again.
type Request struct {
	PaperID string `json:"paper_id"`
	Reason  string `json:"reason"`
}

// Requeuer restarts processing of a failed paper.
type Requeuer interface {
	Requeue(ctx context.Context, paperID, reason string) (*dispatch.ChainHandle, error)
}

// MessageReader is the part of *kafka.Reader used by the listener.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Config holds configuration for the requeue listener.
type Config struct {
	// Brokers is the list of Kafka broker addresses.
	Brokers []string
	// Topic is the Kafka topic carrying requeue requests.
	Topic string
	// GroupID is the consumer group ID.
	GroupID string
}

// NewReader creates the Kafka reader for cfg.
func NewReader(cfg Config) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  3 * time.Second,
	})
}

// Listener consumes requeue requests.
type Listener struct {
	reader   MessageReader
	requeuer Requeuer
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

// NewListener creates a requeue listener. metrics may be nil.
func NewListener(reader MessageReader, requeuer Requeuer, metrics *observability.Metrics, logger zerolog.Logger) *Listener {
	return &Listener{
		reader:   reader,
		requeuer: requeuer,
		metrics:  metrics,
		logger:   logger.With().Str("component", "requeue_listener").Logger(),
	}
}

// Run reads messages until ctx is canceled.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info().Msg("starting requeue listener")

	for {
		msg, err := l.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Info().Msg("requeue listener stopped via context cancellation")
				return ctx.Err()
			}
			l.logger.Error().Err(err).Msg("failed to read message from Kafka")
			continue
		}

		l.logger.Debug().
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("received requeue request")

		outcome := l.handle(ctx, msg)
		l.metrics.RecordRequeueMessage(outcome)
	}
}

func (l *Listener) handle(ctx context.Context, msg kafka.Message) string {
	req, err := decodeRequest(msg)
	if err != nil {
		l.logger.Error().Err(err).
			Str("raw_value", string(msg.Value)).
			Msg("failed to decode requeue request")
		return OutcomeInvalid
	}

	logger := l.logger.With().Str("paper_id", req.PaperID).Logger()
	if _, err := l.requeuer.Requeue(ctx, req.PaperID, req.Reason); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNotFound) {
			logger.Warn().Err(err).Msg("requeue request rejected")
			return OutcomeRejected
		}
		logger.Error().Err(err).Msg("failed to requeue paper")
		return OutcomeError
	}

	logger.Info().Str("reason", req.Reason).Msg("paper requeued")
	return OutcomeRequeued
}

// decodeRequest reads a request from the message value. A message without
// a paper id in its value falls back to the message key.
func decodeRequest(msg kafka.Message) (Request, error) {
	var req Request
	if len(msg.Value) > 0 {
		if err := json.Unmarshal(msg.Value, &req); err != nil {
			return Request{}, fmt.Errorf("unmarshal requeue request: %w", err)
		}
	}
	if req.PaperID == "" {
		req.PaperID = string(msg.Key)
	}
	if req.PaperID == "" {
		return Request{}, domain.NewValidationError("paper_id", "is required")
	}
	if req.Reason == "" {
		req.Reason = "requeued via kafka"
	}
	return req, nil
}

// Close closes the Kafka reader.
func (l *Listener) Close() error {
	l.logger.Info().Msg("closing requeue listener")
	return l.reader.Close()
}
