package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/fystack/orion/pkg/logger"
)

var ErrPublisherClosed = errors.New("messaging: publisher closed")

// Publisher sends one message to a subject. IdempotentKey deduplicates
// republished messages inside the stream's duplicate window.
type Publisher interface {
	Publish(ctx context.Context, topic string, message []byte, options *PublishOptions) error
}

type PublishOptions struct {
	IdempotentKey string
}

type jetStreamPublisher struct {
	stream string
	js     jetstream.JetStream
}

// NewJetStreamPublisher ensures the stream exists and returns a publisher
// bound to it.
func NewJetStreamPublisher(ctx context.Context, streamName string, subjects []string, nc *nats.Conn) (Publisher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	if stream, err := js.Stream(ctx, streamName); err == nil {
		info, _ := stream.Info(ctx)
		logger.Debug("Stream found", "info", info)
	} else {
		logger.Warn("Stream not found, creating new stream", "stream", streamName)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        streamName,
		Description: "Propagation reports for " + streamName,
		Subjects:    subjects,
		MaxBytes:    10_485_760,
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.LimitsPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create jetstream stream %s: %w", streamName, err)
	}
	logger.Info("JetStream publisher ready", "stream", streamName, "subjects", subjects)

	return &jetStreamPublisher{stream: streamName, js: js}, nil
}

func (p *jetStreamPublisher) Publish(ctx context.Context, topic string, message []byte, options *PublishOptions) error {
	header := nats.Header{}
	if options != nil && options.IdempotentKey != "" {
		header.Add("Nats-Msg-Id", options.IdempotentKey)
	}

	_, err := p.js.PublishMsg(ctx, &nats.Msg{
		Subject: topic,
		Data:    message,
		Header:  header,
	})
	if err != nil {
		logger.Error("Failed to publish message to JetStream", err, "topic", topic, "stream", p.stream)
		return fmt.Errorf("error publishing message: %w", err)
	}
	return nil
}
