package progress

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bminty/bminty/internal/config"
)

const kafkaWriteTimeout = 5 * time.Second

// KafkaSink publishes job progress events as JSON messages keyed by job id,
// for consumers outside the importing process (dashboards, the HTTP layer of
// another node). Publishing is best-effort: a broker outage degrades progress
// visibility, never import correctness, so write errors are logged and
// dropped.
type KafkaSink struct {
	writer *kafka.Writer
	jobID  string
	logger *slog.Logger
}

// kafkaEvent is the wire form of a progress event.
type kafkaEvent struct {
	JobID string `json:"jobId"`
	Event Event  `json:"event"`
	At    string `json:"at"`
}

// NewKafkaSink creates a sink publishing to the given topic. Brokers and
// topic fall back to KAFKA_BROKERS / KAFKA_PROGRESS_TOPIC when empty.
func NewKafkaSink(brokers []string, topic, jobID string, logger *slog.Logger) *KafkaSink {
	if len(brokers) == 0 {
		brokers = config.ParseCommaSeparatedList(config.GetEnvStr("KAFKA_BROKERS", "localhost:9092"))
	}

	if topic == "" {
		topic = config.GetEnvStr("KAFKA_PROGRESS_TOPIC", "bminty.import.progress")
	}

	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
		jobID:  jobID,
		logger: logger,
	}
}

// Report implements Sink.
func (k *KafkaSink) Report(event Event) {
	payload, err := json.Marshal(kafkaEvent{
		JobID: k.jobID,
		Event: event,
		At:    time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		k.logger.Warn("failed to encode progress event", slog.String("error", err.Error()))

		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), kafkaWriteTimeout)
	defer cancel()

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(k.jobID),
		Value: payload,
	})
	if err != nil {
		k.logger.Warn("failed to publish progress event",
			slog.String("jobId", k.jobID),
			slog.String("phase", event.Phase),
			slog.String("error", err.Error()))
	}
}

// Close flushes and closes the underlying writer.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

var _ Sink = (*KafkaSink)(nil)
