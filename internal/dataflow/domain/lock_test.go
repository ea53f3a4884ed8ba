package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestLockState_IsExpired(t *testing.T) {
	timeout := 30 * time.Minute
	held := LockedState(uuid.New(), testNow)

	assert.False(t, UnlockedState().IsExpired(testNow.Add(time.Hour), timeout))
	assert.False(t, held.IsExpired(testNow.Add(timeout), timeout))
	assert.True(t, held.IsExpired(testNow.Add(timeout+time.Second), timeout))
}

func TestClient_Normalization(t *testing.T) {
	client, err := NewClient(" Acme Corp ", " ACME ", testNow)
	assert.NoError(t, err)
	assert.Equal(t, "Acme Corp", client.Name)
	assert.Equal(t, "acme", client.Identifier)
	assert.True(t, client.IsActive())

	client.Suspend()
	assert.False(t, client.IsActive())
}

func TestClientPolicy_Validate(t *testing.T) {
	policy, err := NewClientPolicy(uuid.New(), testNow)
	assert.NoError(t, err)
	assert.NoError(t, policy.Validate())

	bad := 24
	policy.AllowedStartHour = &bad
	assert.Error(t, policy.Validate())
}
