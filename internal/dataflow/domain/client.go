package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/G-Research/dataflow/internal/common/dataflowerrors"
)

// Client is a tenant submitting files.
type Client struct {
	Id         uuid.UUID
	Name       string
	Identifier string
	SecretHash []byte
	SecretSalt []byte
	Status     ClientStatus
	CreatedAt  time.Time
	LastSeenAt *time.Time
}

func NewClient(name string, identifier string, now time.Time) (*Client, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.WithStack(&dataflowerrors.ErrInvalidArgument{Name: "name", Value: name, Message: "client name cannot be empty"})
	}
	if strings.TrimSpace(identifier) == "" {
		return nil, errors.WithStack(&dataflowerrors.ErrInvalidArgument{Name: "identifier", Value: identifier, Message: "client identifier cannot be empty"})
	}
	return &Client{
		Id:         uuid.New(),
		Name:       strings.TrimSpace(name),
		Identifier: NormalizeIdentifier(identifier),
		Status:     ClientActive,
		CreatedAt:  now.UTC(),
	}, nil
}

// NormalizeIdentifier returns the canonical (trimmed, lowercase) form of a client identifier.
func NormalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

func (c *Client) IsActive() bool {
	return c.Status == ClientActive
}

func (c *Client) Touch(now time.Time) {
	t := now.UTC()
	c.LastSeenAt = &t
}

func (c *Client) Suspend()  { c.Status = ClientSuspended }
func (c *Client) Activate() { c.Status = ClientActive }

// ClientPolicy overrides system defaults for one client. Nil fields fall back to the defaults.
type ClientPolicy struct {
	Id                        uuid.UUID
	ClientId                  uuid.UUID
	MaxFileSizeMb             *int
	MaxBatchPerDay            *int
	AllowedStartHour          *int
	AllowedEndHour            *int
	RequireSchedulingForLarge bool
	LargeThresholdMb          *int
	RateLimitPerMinute        *int
	RedactPayloadOnSuccess    *bool
	RedactPayloadOnFailure    *bool
	RetentionDays             *int
	CreatedAt                 time.Time
}

func NewClientPolicy(clientId uuid.UUID, now time.Time) (*ClientPolicy, error) {
	if clientId == uuid.Nil {
		return nil, errors.WithStack(&dataflowerrors.ErrInvalidArgument{Name: "clientId", Value: clientId.String(), Message: "client id cannot be empty"})
	}
	return &ClientPolicy{
		Id:        uuid.New(),
		ClientId:  clientId,
		CreatedAt: now.UTC(),
	}, nil
}

// Validate checks the hour window and sizes are in range.
func (p *ClientPolicy) Validate() error {
	for name, hour := range map[string]*int{"allowedStartHour": p.AllowedStartHour, "allowedEndHour": p.AllowedEndHour} {
		if hour != nil && (*hour < 0 || *hour > 23) {
			return errors.WithStack(&dataflowerrors.ErrInvalidArgument{Name: name, Value: *hour, Message: "hour must be between 0 and 23"})
		}
	}
	for name, value := range map[string]*int{
		"maxFileSizeMb":      p.MaxFileSizeMb,
		"maxBatchPerDay":     p.MaxBatchPerDay,
		"largeThresholdMb":   p.LargeThresholdMb,
		"rateLimitPerMinute": p.RateLimitPerMinute,
		"retentionDays":      p.RetentionDays,
	} {
		if value != nil && *value < 0 {
			return errors.WithStack(&dataflowerrors.ErrInvalidArgument{Name: name, Value: *value, Message: "must not be negative"})
		}
	}
	return nil
}

// WebhookSubscription is a client-registered notification target. Unique per (client, url).
type WebhookSubscription struct {
	Id        uuid.UUID
	ClientId  uuid.UUID
	Url       string
	Secret    string
	IsActive  bool
	CreatedAt time.Time
}

func NewWebhookSubscription(clientId uuid.UUID, url string, secret string, now time.Time) (*WebhookSubscription, error) {
	if clientId == uuid.Nil {
		return nil, errors.WithStack(&dataflowerrors.ErrInvalidArgument{Name: "clientId", Value: clientId.String(), Message: "client id cannot be empty"})
	}
	if strings.TrimSpace(url) == "" {
		return nil, errors.WithStack(&dataflowerrors.ErrInvalidArgument{Name: "url", Value: url, Message: "webhook url cannot be empty"})
	}
	return &WebhookSubscription{
		Id:        uuid.New(),
		ClientId:  clientId,
		Url:       strings.TrimSpace(url),
		Secret:    secret,
		IsActive:  true,
		CreatedAt: now.UTC(),
	}, nil
}

// WebhookDeliveryFailure records a notification that exhausted all attempts.
type WebhookDeliveryFailure struct {
	Id             uuid.UUID
	SubscriptionId uuid.UUID
	ClientId       uuid.UUID
	BatchId        uuid.UUID
	Event          string
	Attempts       int
	Error          string
	FailedAt       time.Time
}
