// Package stream mirrors detected signals and measured outcomes onto Kafka
// topics for downstream consumers (alerting, dashboards, research exports).
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"fpf-engine/internal/detector"
	"fpf-engine/internal/events"
	"fpf-engine/internal/outcome"
)

// Config holds the Kafka connection and topic settings.
type Config struct {
	Brokers      []string `json:"brokers"`
	SignalTopic  string   `json:"signal_topic"`
	OutcomeTopic string   `json:"outcome_topic"`
	Enabled      bool     `json:"enabled"`
}

// Publisher forwards bus events to Kafka. Messages are keyed by
// symbol|timeframe so one instrument's signals land in order on one
// partition.
type Publisher struct {
	writer       *kafka.Writer
	signalTopic  string
	outcomeTopic string
	logger       zerolog.Logger
}

// NewPublisher builds the writer and subscribes it to signal.detected and
// signal.outcome.
func NewPublisher(cfg Config, bus *events.Bus, logger zerolog.Logger) (*Publisher, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("kafka is not enabled in configuration")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}
	signalTopic := cfg.SignalTopic
	if signalTopic == "" {
		signalTopic = "fpf.signals"
	}
	outcomeTopic := cfg.OutcomeTopic
	if outcomeTopic == "" {
		outcomeTopic = "fpf.outcomes"
	}

	p := &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  3,
			WriteTimeout: 10 * time.Second,
			ReadTimeout:  10 * time.Second,
			BatchTimeout: 200 * time.Millisecond,
		},
		signalTopic:  signalTopic,
		outcomeTopic: outcomeTopic,
		logger:       logger.With().Str("component", "KafkaPublisher").Logger(),
	}

	if bus != nil {
		bus.Subscribe(events.TopicSignalDetected, func(payload interface{}) {
			switch sig := payload.(type) {
			case detector.Signal:
				p.publishSignal(sig)
			case *detector.Signal:
				if sig != nil {
					p.publishSignal(*sig)
				}
			}
		})
		bus.Subscribe(events.TopicSignalOutcome, func(payload interface{}) {
			switch res := payload.(type) {
			case outcome.Result:
				p.publishOutcome(res)
			case *outcome.Result:
				if res != nil {
					p.publishOutcome(*res)
				}
			}
		})
	}
	return p, nil
}

func (p *Publisher) publishSignal(sig detector.Signal) {
	// Setup previews stay on the internal bus; only final signals leave the
	// process.
	if sig.Direction != "long" && sig.Direction != "short" {
		return
	}
	p.write(p.signalTopic, messageKey(sig.Symbol, sig.TF), sig)
}

func (p *Publisher) publishOutcome(res outcome.Result) {
	p.write(p.outcomeTopic, messageKey(res.Symbol, res.TF), res)
}

func messageKey(symbol, tf string) []byte {
	return []byte(symbol + "|" + tf)
}

func (p *Publisher) write(topic string, key []byte, value interface{}) {
	data, err := json.Marshal(value)
	if err != nil {
		p.logger.Error().Err(err).Str("topic", topic).Msg("Marshal failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   key,
		Value: data,
		Time:  time.Now(),
	})
	if err != nil {
		p.logger.Error().Err(err).Str("topic", topic).Msg("Kafka write failed")
		return
	}
	p.logger.Debug().Str("topic", topic).Int("bytes", len(data)).Msg("Published")
}

// Close flushes and releases the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
