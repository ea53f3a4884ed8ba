package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"

	commonconfig "github.com/G-Research/dataflow/internal/common/config"
	"github.com/G-Research/dataflow/internal/common/dataflowerrors"
	"github.com/G-Research/dataflow/internal/common/logging"
)

const pulsarReceiveTimeout = 10 * time.Second

func NewPulsarClient(config *commonconfig.PulsarConfig) (pulsar.Client, error) {
	var authentication pulsar.Authentication

	// Sanity check that supplied Pulsar authentication parameters make sense
	if config.AuthenticationEnabled {
		if strings.ToLower(config.AuthenticationType) != "jwt" {
			return nil, errors.WithStack(&dataflowerrors.ErrInvalidArgument{
				Name:    "pulsar.AuthenticationType",
				Value:   config.AuthenticationType,
				Message: "Only JWT authentication is supported right now",
			})
		}
		if config.JwtTokenPath == "" {
			return nil, errors.WithStack(&dataflowerrors.ErrInvalidArgument{
				Name:    "pulsar.JwtTokenPath",
				Value:   config.JwtTokenPath,
				Message: "JwtTokenPath must be set when JWT authentication is enabled",
			})
		}
		authentication = pulsar.NewAuthenticationTokenFromFile(config.JwtTokenPath)
	}

	client, err := pulsar.NewClient(pulsar.ClientOptions{
		URL:                        config.URL,
		TLSTrustCertsFilePath:      config.TLSTrustCertsFilePath,
		TLSValidateHostname:        config.TLSValidateHostname,
		TLSAllowInsecureConnection: config.TLSAllowInsecureConnection,
		MaxConnectionsPerBroker:    config.MaxConnectionsPerBroker,
		Authentication:             authentication,
	})
	return client, errors.WithStack(err)
}

// PulsarPublisher publishes each message type on its own topic.
type PulsarPublisher struct {
	created pulsar.Producer
	ready   pulsar.Producer
}

func NewPulsarPublisher(client pulsar.Client, config *commonconfig.PulsarConfig) (*PulsarPublisher, error) {
	created, err := client.CreateProducer(pulsar.ProducerOptions{Topic: config.BatchCreatedTopic})
	if err != nil {
		return nil, errors.WithMessagef(err, "error creating producer for topic %s", config.BatchCreatedTopic)
	}
	ready, err := client.CreateProducer(pulsar.ProducerOptions{Topic: config.BatchReadyTopic})
	if err != nil {
		created.Close()
		return nil, errors.WithMessagef(err, "error creating producer for topic %s", config.BatchReadyTopic)
	}
	return &PulsarPublisher{created: created, ready: ready}, nil
}

func (p *PulsarPublisher) PublishBatchCreated(ctx context.Context, msg BatchCreated) error {
	return sendJson(ctx, p.created, msg.BatchId.String(), msg)
}

func (p *PulsarPublisher) PublishBatchReady(ctx context.Context, msg BatchReady) error {
	return sendJson(ctx, p.ready, msg.BatchId.String(), msg)
}

func (p *PulsarPublisher) Close() {
	p.created.Close()
	p.ready.Close()
}

func sendJson(ctx context.Context, producer pulsar.Producer, key string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = producer.Send(ctx, &pulsar.ProducerMessage{
		Payload: payload,
		Key:     key,
	})
	if err != nil {
		return errors.WithMessagef(err, "error publishing to topic %s", producer.Topic())
	}
	return nil
}

// PulsarConsumer reads BatchReady messages from a shared subscription, so each message is handled by
// one worker.
type PulsarConsumer struct {
	consumer pulsar.Consumer
}

func NewPulsarConsumer(client pulsar.Client, config *commonconfig.PulsarConfig) (*PulsarConsumer, error) {
	consumer, err := client.Subscribe(pulsar.ConsumerOptions{
		Topic:               config.BatchReadyTopic,
		SubscriptionName:    config.SubscriptionName,
		Type:                pulsar.Shared,
		NackRedeliveryDelay: config.NackRedeliveryDelay,
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "error subscribing to topic %s", config.BatchReadyTopic)
	}
	return &PulsarConsumer{consumer: consumer}, nil
}

func (c *PulsarConsumer) Run(ctx context.Context, handler ReadyHandler) error {
	log := log.WithField("service", "BatchReadyConsumer")
	log.Info("service started")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			ctxWithTimeout, cancel := context.WithTimeout(ctx, pulsarReceiveTimeout)
			msg, err := c.consumer.Receive(ctxWithTimeout)
			cancel()
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				break // expected
			}
			if err != nil {
				logging.WithStacktrace(log, err).Warnf("Pulsar receive failed; backing off")
				time.Sleep(100 * time.Millisecond)
				break
			}
			if handlePulsarMessage(ctx, log, handler, msg) {
				c.consumer.Ack(msg)
			} else {
				c.consumer.Nack(msg)
			}
		}
	}
}

func (c *PulsarConsumer) Close() {
	c.consumer.Close()
}

// handlePulsarMessage returns false if the message should be redelivered.
// Malformed messages are never redelivered.
func handlePulsarMessage(ctx context.Context, log *logrus.Entry, handler ReadyHandler, msg pulsar.Message) bool {
	messageLogger := log.WithField("messageId", msg.ID())
	ready, err := DecodeBatchReady(msg.Payload())
	if err != nil {
		logging.WithStacktrace(messageLogger, err).Warnf("processing message failed; ignoring")
		return true
	}
	if err := handler(ctx, ready); err != nil {
		logging.WithStacktrace(messageLogger, err).WithField("batchId", ready.BatchId).Error("failed to handle BatchReady")
		return false
	}
	return true
}
