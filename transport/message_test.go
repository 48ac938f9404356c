package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageRejectsNilBody(t *testing.T) {
	t.Parallel()

	_, err := NewMessage(nil)
	require.Error(t, err)
}

func TestNewMessageStampsIdentifiers(t *testing.T) {
	t.Parallel()

	m, err := NewMessage([]byte("hello"))
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID())
	assert.NotEmpty(t, m.CorrelationID())
	assert.NotEmpty(t, m.LockToken())
	assert.NoError(t, ValidateURNField(m.ID()))
}

func TestMessageBodyIsACopy(t *testing.T) {
	t.Parallel()

	m, err := NewMessage([]byte("hello"))
	require.NoError(t, err)
	b := m.Body()
	b[0] = 'X'
	assert.Equal(t, "hello", string(m.Body()))
}

func TestMessageSetIDValidatesURNField(t *testing.T) {
	t.Parallel()

	m, err := NewMessage([]byte("x"))
	require.NoError(t, err)
	assert.Error(t, m.SetID(""))
	assert.Error(t, m.SetID("has a space"))
	assert.NoError(t, m.SetID("valid-id_123"))
	assert.Equal(t, "valid-id_123", m.ID())
}

func TestMessageExpiry(t *testing.T) {
	t.Parallel()

	m, err := NewMessage([]byte("x"))
	require.NoError(t, err)
	assert.False(t, m.IsExpired(), "zero expiry never expires")

	m.SetExpiryRelative(-time.Second)
	assert.True(t, m.IsExpired())

	m.SetExpiryRelative(time.Hour)
	assert.False(t, m.IsExpired())

	m.SetExpiryRelative(0)
	assert.False(t, m.IsExpired(), "zero timeout clears expiry")
}

func TestMessagePropertiesPreserveOrderAndOverwrite(t *testing.T) {
	t.Parallel()

	m, err := NewMessage([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, m.SetProperty("a", "1"))
	require.NoError(t, m.SetProperty("b", "2"))
	require.NoError(t, m.SetProperty("a", "3"))

	props := m.Properties()
	require.Len(t, props, 2)
	assert.Equal(t, Property{Name: "a", Value: "3"}, props[0])
	assert.Equal(t, Property{Name: "b", Value: "2"}, props[1])
}

func TestMessageClonePreventsSharedMutation(t *testing.T) {
	t.Parallel()

	m, err := NewMessage([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, m.SetProperty("a", "1"))

	clone := m.Clone()
	clone.body[0] = 'X'
	require.NoError(t, clone.SetProperty("a", "2"))

	assert.Equal(t, "hello", string(m.Body()))
	v, _ := m.Property("a")
	assert.Equal(t, "1", v)
}

func TestAckNeeded(t *testing.T) {
	t.Parallel()

	m, err := NewMessage([]byte("x"))
	require.NoError(t, err)
	assert.False(t, m.AckNeeded(ProtocolReqResp))
	assert.True(t, m.AckNeeded(ProtocolPubSub))
	assert.True(t, m.AckNeeded(ProtocolQueue))
}
