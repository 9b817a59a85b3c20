package rabbitmq

import (
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/models"
)

func TestEncodeEvent(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := models.OrderEvent{
		EventID:    "e-1",
		Type:       models.EventOrderStatusChanged,
		OrderID:    42,
		CustomerID: 7,
		Status:     models.StatusConfirmed,
		PrevStatus: models.StatusPending,
		Total:      1500,
		Occurred:   at,
	}

	msg, err := encodeEvent(ev, 10)
	require.NoError(t, err)
	assert.Equal(t, "e-1", msg.MessageId)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, uint8(amqp.Persistent), msg.DeliveryMode)
	assert.Equal(t, uint8(priorityDefault), msg.Priority)
	assert.Equal(t, at, msg.Timestamp)

	var decoded models.OrderEvent
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, ev, decoded)
}

func TestPriorityFor(t *testing.T) {
	cancelled := models.OrderEvent{Type: models.EventOrderStatusChanged, Status: models.StatusCancelled}
	assert.Equal(t, uint8(priorityCancel), priorityFor(cancelled, 10))
	assert.Equal(t, uint8(3), priorityFor(cancelled, 3))

	created := models.OrderEvent{Type: models.EventOrderCreated, Status: models.StatusPending}
	assert.Equal(t, uint8(priorityDefault), priorityFor(created, 10))
}
