package hub_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/inputhub/hub/pkg/hub"
)

func TestMessageToErrorReply(t *testing.T) {
	t.Run("swaps source/target and preserves serial for NeedReply", func(t *testing.T) {
		msg := &hub.Message{
			Type:      hub.MsgSendKeyEvent,
			ReplyMode: hub.NeedReply,
			Source:    1,
			Target:    2,
			Serial:    42,
		}
		ok := msg.ToErrorReply(hub.ErrInvalidTarget)
		assert.True(t, ok)
		assert.Equal(t, uint32(2), msg.Source)
		assert.Equal(t, uint32(1), msg.Target)
		assert.Equal(t, hub.IsReply, msg.ReplyMode)
		assert.Equal(t, uint64(42), msg.Serial)
		assert.Equal(t, hub.ErrInvalidTarget, msg.Payload.Error)
	})

	t.Run("is a no-op for NoReply", func(t *testing.T) {
		msg := &hub.Message{
			Type:      hub.MsgSendKeyEvent,
			ReplyMode: hub.NoReply,
			Source:    1,
			Target:    2,
		}
		ok := msg.ToErrorReply(hub.ErrInvalidTarget)
		assert.False(t, ok)
		assert.Equal(t, uint32(1), msg.Source)
		assert.Equal(t, uint32(2), msg.Target)
		assert.Equal(t, hub.NoReply, msg.ReplyMode)
	})

	t.Run("is a no-op for an already-IsReply message", func(t *testing.T) {
		msg := &hub.Message{ReplyMode: hub.IsReply, Source: 1, Target: 2}
		assert.False(t, msg.ToErrorReply(hub.ErrInvalidSource))
	})
}

func TestMessageToReply(t *testing.T) {
	msg := &hub.Message{
		Type:      hub.MsgQueryComponent,
		ReplyMode: hub.NeedReply,
		Source:    5,
		Target:    9,
		Serial:    7,
	}
	msg.ToReply(hub.Payload{Uint32: []uint32{1, 2, 3}})
	assert.Equal(t, uint32(9), msg.Source)
	assert.Equal(t, uint32(5), msg.Target)
	assert.Equal(t, hub.IsReply, msg.ReplyMode)
	assert.Equal(t, uint64(7), msg.Serial)
	assert.Equal(t, []uint32{1, 2, 3}, msg.Payload.Uint32)
}

func TestMessageClone(t *testing.T) {
	original := &hub.Message{
		Type:   hub.MsgQueryComponent,
		Serial: 1,
		Payload: hub.Payload{
			Uint32: []uint32{1, 2},
			Bool:   []bool{true},
			String: []string{"a"},
		},
	}
	clone := original.Clone()

	clone.Payload.Uint32[0] = 99
	clone.Payload.Bool[0] = false
	clone.Payload.String[0] = "z"

	assert.Equal(t, uint32(1), original.Payload.Uint32[0], "mutating the clone must not affect the original")
	assert.True(t, original.Payload.Bool[0])
	assert.Equal(t, "a", original.Payload.String[0])
}

func TestErrorCodeString(t *testing.T) {
	assert.Equal(t, "INVALID_SOURCE", hub.ErrInvalidSource.String())
	assert.Equal(t, "UNKNOWN", hub.ErrorCode(9999).String())
}
