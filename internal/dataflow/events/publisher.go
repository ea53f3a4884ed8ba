package events

import (
	"context"

	"github.com/hashicorp/go-multierror"
)

type Publisher interface {
	PublishBatchCreated(ctx context.Context, msg BatchCreated) error
	PublishBatchReady(ctx context.Context, msg BatchReady) error
	Close()
}

// ReadyHandler is invoked for every well-formed BatchReady message a Consumer receives.
type ReadyHandler func(ctx context.Context, msg BatchReady) error

type Consumer interface {
	// Run delivers messages to handler until ctx is cancelled.
	Run(ctx context.Context, handler ReadyHandler) error
	Close()
}

// NoopPublisher is used when no message bus is configured.
type NoopPublisher struct{}

func (NoopPublisher) PublishBatchCreated(context.Context, BatchCreated) error { return nil }
func (NoopPublisher) PublishBatchReady(context.Context, BatchReady) error     { return nil }
func (NoopPublisher) Close()                                                  {}

// MultiPublisher publishes every message to all of its publishers.
// All publishers are attempted even if some fail; the failures are combined into one error.
type MultiPublisher []Publisher

func (m MultiPublisher) PublishBatchCreated(ctx context.Context, msg BatchCreated) error {
	var result *multierror.Error
	for _, p := range m {
		if err := p.PublishBatchCreated(ctx, msg); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (m MultiPublisher) PublishBatchReady(ctx context.Context, msg BatchReady) error {
	var result *multierror.Error
	for _, p := range m {
		if err := p.PublishBatchReady(ctx, msg); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (m MultiPublisher) Close() {
	for _, p := range m {
		p.Close()
	}
}
