package events

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	commonconfig "github.com/G-Research/dataflow/internal/common/config"
	"github.com/G-Research/dataflow/internal/common/logging"
)

func connectNats(config *commonconfig.NatsConfig) (*nats.Conn, error) {
	var options []nats.Option
	if config.Timeout > 0 {
		options = append(options, nats.Timeout(config.Timeout))
	}
	conn, err := nats.Connect(strings.Join(config.Servers, ","), options...)
	if err != nil {
		return nil, errors.WithMessagef(err, "error connecting to nats servers %v", config.Servers)
	}
	return conn, nil
}

type NatsPublisher struct {
	conn           *nats.Conn
	createdSubject string
	readySubject   string
}

func NewNatsPublisher(config *commonconfig.NatsConfig) (*NatsPublisher, error) {
	conn, err := connectNats(config)
	if err != nil {
		return nil, err
	}
	return &NatsPublisher{
		conn:           conn,
		createdSubject: config.BatchCreatedSubject,
		readySubject:   config.BatchReadySubject,
	}, nil
}

func (p *NatsPublisher) PublishBatchCreated(_ context.Context, msg BatchCreated) error {
	return p.publish(p.createdSubject, msg)
}

func (p *NatsPublisher) PublishBatchReady(_ context.Context, msg BatchReady) error {
	return p.publish(p.readySubject, msg)
}

func (p *NatsPublisher) publish(subject string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := p.conn.Publish(subject, payload); err != nil {
		return errors.WithMessagef(err, "error publishing to subject %s", subject)
	}
	return nil
}

func (p *NatsPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		log.WithError(err).Warn("failed to drain nats connection")
	}
}

// NatsConsumer joins a queue group on the BatchReady subject so each message reaches one worker.
// NATS core has no redelivery, so a handler error is only logged; the poller picks the batch up later.
type NatsConsumer struct {
	conn    *nats.Conn
	subject string
	queue   string
}

func NewNatsConsumer(config *commonconfig.NatsConfig) (*NatsConsumer, error) {
	conn, err := connectNats(config)
	if err != nil {
		return nil, err
	}
	return &NatsConsumer{conn: conn, subject: config.BatchReadySubject, queue: config.QueueGroup}, nil
}

func (c *NatsConsumer) Run(ctx context.Context, handler ReadyHandler) error {
	log := log.WithField("service", "BatchReadyConsumer")
	sub, err := c.conn.QueueSubscribe(c.subject, c.queue, func(msg *nats.Msg) {
		ready, err := DecodeBatchReady(msg.Data)
		if err != nil {
			logging.WithStacktrace(log, err).Warnf("processing message failed; ignoring")
			return
		}
		if err := handler(ctx, ready); err != nil {
			logging.WithStacktrace(log, err).WithField("batchId", ready.BatchId).Error("failed to handle BatchReady")
		}
	})
	if err != nil {
		return errors.WithMessagef(err, "error subscribing to subject %s", c.subject)
	}
	log.Infof("subscribed to %s in queue group %s", c.subject, c.queue)
	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil {
		log.WithError(err).Warn("failed to unsubscribe")
	}
	return nil
}

func (c *NatsConsumer) Close() {
	c.conn.Close()
}
