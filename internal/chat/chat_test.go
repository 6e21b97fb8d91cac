package chat_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companionmemory/compmem/internal/chat"
)

func TestLogProviderSend(t *testing.T) {
	p := chat.NewLogProvider(nil) // nil logger → default
	result, err := p.Send(context.Background(), "user-1", "Time for your daily summary")
	require.NoError(t, err)
	assert.NotNil(t, result)
	assert.Equal(t, "logged", result.Status)
	assert.NotEmpty(t, result.MessageID)
}

func TestLogProviderImplementsInterface(t *testing.T) {
	var _ chat.Provider = (*chat.LogProvider)(nil)
}

func TestCaptureClientRecordsCalls(t *testing.T) {
	var c chat.CaptureClient
	_, err := c.SendMessage(context.Background(), "user-1", "first")
	require.NoError(t, err)
	_, err = c.SendMessage(context.Background(), "user-2", "second")
	require.NoError(t, err)

	assert.Len(t, c.Sent(), 2)
	last := c.Last()
	require.NotNil(t, last)
	assert.Equal(t, "user-2", last.UserID)
	assert.Equal(t, "second", last.Text)

	c.Reset()
	assert.Empty(t, c.Sent())
	assert.Nil(t, c.Last())
}

func TestCaptureClientImplementsInterface(t *testing.T) {
	var _ chat.Client = (*chat.CaptureClient)(nil)
}

func TestValidChannel(t *testing.T) {
	for _, name := range []string{"log", "webhook", "sns", "mail"} {
		assert.True(t, chat.ValidChannel(name), name)
	}
	assert.False(t, chat.ValidChannel("pigeon"))
	assert.False(t, chat.ValidChannel(""))
}
