// Package report publishes per-host run outcomes to a Kafka topic so
// downstream tooling can audit fan-out executions.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/gofanout/fanout/internal/executor"
	"github.com/gofanout/fanout/internal/lg"
)

type messageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Record is the wire form of one target's outcome.
type Record struct {
	RunUID uuid.UUID `json:"run_uid"`
	Task   string    `json:"task"`
	Host   string    `json:"host"`
	User   string    `json:"user,omitempty"`
	Port   int       `json:"port,omitempty"`
	OK     bool      `json:"ok"`
	Error  string    `json:"error,omitempty"`
	Time   time.Time `json:"time"`
}

// Publisher writes one Record per per-host outcome.
type Publisher struct {
	writer messageWriter
	topic  string
	lg     lg.Logger
}

func NewPublisher(brokers []string, topic string, logger lg.Logger) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			Async:                  false,
			AllowAutoTopicCreation: true,
		},
		topic: topic,
		lg:    logger,
	}
}

// Publish emits the whole batch under a single run UUID, one message
// per target, keyed by the run so a consumer can group a fan-out back
// together.
func (p *Publisher) Publish(ctx context.Context, taskName string, results executor.Results) error {
	runUID := uuid.New()
	now := time.Now()

	messages := make([]kafka.Message, 0, len(results))
	for _, r := range results {
		rec := Record{
			RunUID: runUID,
			Task:   taskName,
			Host:   r.Host,
			User:   r.User,
			Port:   r.Port,
			OK:     r.Ok(),
			Time:   now,
		}
		if r.Err != nil {
			rec.Error = r.Err.Error()
		}
		value, err := json.Marshal(rec)
		if err != nil {
			p.lg.Error("Failed to marshal outcome record", lg.Err(err))
			return fmt.Errorf("marshal outcome record: %w", err)
		}
		messages = append(messages, kafka.Message{
			Key:   runUID[:],
			Value: value,
			Time:  now,
		})
	}

	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		if errors.Is(err, kafka.UnknownTopicOrPartition) {
			p.lg.Error("Kafka topic does not exist",
				lg.String("topic", p.topic),
				lg.String("action", "Create the topic manually or enable auto-creation"))
		}
		return fmt.Errorf("publish run report: %w", err)
	}

	p.lg.Info("published run report",
		lg.String("run_uid", runUID.String()),
		lg.String("task", taskName),
		lg.Int("records", len(messages)))
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
