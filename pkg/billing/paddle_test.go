package billing

import (
	"testing"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
	"github.com/stretchr/testify/assert"
)

func TestPaddleSubscriptionScheduledCancel(t *testing.T) {
	t.Parallel()

	ps := paddleSubscription(&paddle.Subscription{
		ID:         "sub_pdl_123",
		CustomerID: "ctm_pdl_123",
		Status:     paddle.SubscriptionStatusActive,
		ScheduledChange: &paddle.SubscriptionScheduledChange{
			Action: paddle.ScheduledChangeActionCancel,
		},
	})

	assert.Equal(t, "sub_pdl_123", ps.ID)
	assert.Equal(t, StatusActive, ps.Status)
	assert.True(t, ps.CancelAtPeriodEnd)
}

func TestPaddleSubscriptionNoScheduledChange(t *testing.T) {
	t.Parallel()

	ps := paddleSubscription(&paddle.Subscription{
		ID:         "sub_pdl_456",
		CustomerID: "ctm_pdl_456",
		Status:     paddle.SubscriptionStatusPastDue,
	})

	assert.Equal(t, StatusPastDue, ps.Status)
	assert.False(t, ps.CancelAtPeriodEnd)
}

func TestMapPaddleStatus(t *testing.T) {
	t.Parallel()

	cases := map[string]Status{
		"trialing": StatusTrialing,
		"active":   StatusActive,
		"past_due": StatusPastDue,
		"paused":   StatusPastDue,
		"canceled": StatusCancelled,
	}
	for in, want := range cases {
		assert.Equal(t, want, mapPaddleStatus(in), in)
	}
}
