package rabbitmq

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestAttempt(t *testing.T) {
	assert.Equal(t, 0, Attempt(amqp.Delivery{}))
	assert.Equal(t, 2, Attempt(amqp.Delivery{Headers: amqp.Table{"x-attempt": int32(2)}}))
	assert.Equal(t, 3, Attempt(amqp.Delivery{Headers: amqp.Table{"x-attempt": int64(3)}}))
	assert.Equal(t, 0, Attempt(amqp.Delivery{Headers: amqp.Table{"x-attempt": "x"}}))
}

func TestQueueNames(t *testing.T) {
	assert.Equal(t, "chat_titles.retry", RetryQueue("chat_titles"))
	assert.Equal(t, "chat_titles.dlq", DLQ("chat_titles"))
}
