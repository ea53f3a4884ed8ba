package config

import "time"

type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Connection      map[string]string
}

type SqliteConfig struct {
	// Absolute or relative path for the sqlite database file; ":memory:" keeps everything in memory.
	Path string
}

type PulsarConfig struct {
	// Pulsar URL
	URL string `validate:"required"`
	// Path to the trusted TLS certificate file (must exist)
	TLSTrustCertsFilePath string
	// Whether Pulsar client accept untrusted TLS certificate from broker
	TLSAllowInsecureConnection bool
	// Whether the Pulsar client will validate the hostname in the broker's TLS Cert matches the actual hostname.
	TLSValidateHostname bool
	// Max number of connections to a single broker that will be kept in the pool. (Default: 1 connection)
	MaxConnectionsPerBroker int
	// Whether Pulsar authentication is enabled
	AuthenticationEnabled bool
	// Authentication type. For now only "JWT" auth is valid
	AuthenticationType string
	// Path to the JWT token (must exist). This must be set if AuthenticationType is "JWT"
	JwtTokenPath string
	// Topic on which BatchCreated messages are published
	BatchCreatedTopic string
	// Topic on which BatchReady messages are published and consumed
	BatchReadyTopic string
	// Subscription used by workers consuming BatchReady
	SubscriptionName string
	// Time after which a message that was not acked is redelivered
	NackRedeliveryDelay time.Duration
}

type NatsConfig struct {
	Servers []string `validate:"required"`
	// Subject on which BatchCreated messages are published
	BatchCreatedSubject string
	// Subject on which BatchReady messages are published and consumed
	BatchReadySubject string
	// Queue group shared by all workers so every BatchReady is handled once
	QueueGroup string
	Timeout    time.Duration
}
