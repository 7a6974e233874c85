package mq

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishedMsg struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type recordingChannel struct {
	published []publishedMsg
}

func (c *recordingChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.published = append(c.published, publishedMsg{exchange: exchange, key: key, msg: msg})
	return nil
}

func TestAMQPPublisher(t *testing.T) {
	ch := &recordingChannel{}
	topo := Topology{Exchange: "edge-cd", Queue: "deployments", DelayQueue: "deployments.delay"}
	p := NewAMQPPublisher(ch, topo)

	require.NoError(t, p.PublishDeployment(context.Background(), &DeploymentMessage{
		ProjectID:    "p1",
		DeploymentID: "d1",
		Reason:       "rollback",
	}))
	require.Len(t, ch.published, 1)
	first := ch.published[0]
	assert.Equal(t, "edge-cd", first.exchange)
	assert.Equal(t, "deployments", first.key)
	assert.Equal(t, 1, AttemptOf(first.msg.Headers))

	var body map[string]any
	require.NoError(t, json.Unmarshal(first.msg.Body, &body))
	assert.EqualValues(t, 1, body["version"])
	assert.Equal(t, "p1", body["projectId"])
	assert.Equal(t, "d1", body["deploymentId"])
	assert.Equal(t, "rollback", body["reason"])
	assert.NotEmpty(t, body["enqueuedAt"])

	require.NoError(t, p.PublishDelayed(context.Background(), first.msg.Body, 3, 45*time.Second))
	delayed := ch.published[1]
	assert.Equal(t, "", delayed.exchange)
	assert.Equal(t, "deployments.delay", delayed.key)
	assert.Equal(t, "45000", delayed.msg.Expiration)
	assert.Equal(t, 3, AttemptOf(delayed.msg.Headers))
}
