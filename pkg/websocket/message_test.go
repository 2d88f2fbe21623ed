package websocket

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageRoundTrip(t *testing.T) {
	msg, err := New(KindAgentUpdate, map[string]string{"agent_id": "abc123", "status": "idle"})
	require.NoError(t, err)
	assert.Equal(t, KindAgentUpdate, msg.Type)
	assert.False(t, msg.Timestamp.IsZero())

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))

	var payload map[string]string
	require.NoError(t, decoded.ParsePayload(&payload))
	assert.Equal(t, "abc123", payload["agent_id"])
}

func TestNewMessageNilPayload(t *testing.T) {
	msg, err := New(KindPong, nil)
	require.NoError(t, err)
	assert.Nil(t, msg.Payload)

	var v map[string]string
	assert.NoError(t, msg.ParsePayload(&v))
	assert.Nil(t, v)
}
