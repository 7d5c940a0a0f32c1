package stores

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"

	"github.com/treza-labs/enclave-orchestrator/pkg/engine"
)

// Feed topics.
const (
	// TopicRequestChanges carries engine.ChangeEvent payloads for every
	// insert/modify on the request table.
	TopicRequestChanges = "enclave.requests.changes"

	// TopicFailures carries engine.FailureReport payloads published by the
	// feed-backed error notifier.
	TopicFailures = "enclave.errors"
)

// Feed is the in-process change-notification bus. It wraps a watermill
// gochannel pub/sub: publishing blocks until the subscriber acks, and a
// nack causes redelivery, which gives the dispatcher the same
// fail-the-notification-to-redeliver contract a managed stream offers.
type Feed struct {
	pubsub *gochannel.GoChannel
}

// NewFeed creates a change feed with the given subscriber buffer size.
func NewFeed(bufferSize int, logger zerolog.Logger) *Feed {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Feed{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: int64(bufferSize),
			},
			newWatermillLogger(logger),
		),
	}
}

// PublishChange emits one change event on the request-changes topic.
func (f *Feed) PublishChange(event engine.ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := f.pubsub.Publish(TopicRequestChanges, msg); err != nil {
		return fmt.Errorf("failed to publish change event: %w", err)
	}
	return nil
}

// PublishFailure emits one failure report on the failures topic.
func (f *Feed) PublishFailure(report engine.FailureReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal failure report: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := f.pubsub.Publish(TopicFailures, msg); err != nil {
		return fmt.Errorf("failed to publish failure report: %w", err)
	}
	return nil
}

// SubscribeChanges returns the stream of change-event messages.
func (f *Feed) SubscribeChanges(ctx context.Context) (<-chan *message.Message, error) {
	return f.pubsub.Subscribe(ctx, TopicRequestChanges)
}

// SubscribeFailures returns the stream of failure-report messages.
func (f *Feed) SubscribeFailures(ctx context.Context) (<-chan *message.Message, error) {
	return f.pubsub.Subscribe(ctx, TopicFailures)
}

// Close shuts the underlying pub/sub down.
func (f *Feed) Close() error {
	return f.pubsub.Close()
}

// watermillLogger adapts zerolog to watermill's LoggerAdapter.
type watermillLogger struct {
	logger zerolog.Logger
}

func newWatermillLogger(logger zerolog.Logger) watermill.LoggerAdapter {
	return &watermillLogger{logger: logger.With().Str("component", "change-feed").Logger()}
}

func (w *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.event(w.logger.Error().Err(err), fields).Msg(msg)
}

func (w *watermillLogger) Info(msg string, fields watermill.LogFields) {
	w.event(w.logger.Info(), fields).Msg(msg)
}

func (w *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.event(w.logger.Debug(), fields).Msg(msg)
}

func (w *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.event(w.logger.Trace(), fields).Msg(msg)
}

func (w *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	logger := w.logger
	for k, v := range fields {
		logger = logger.With().Interface(k, v).Logger()
	}
	return &watermillLogger{logger: logger}
}

func (w *watermillLogger) event(e *zerolog.Event, fields watermill.LogFields) *zerolog.Event {
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	return e
}
