package builtin

import "github.com/inputhub/hub/pkg/hub"

// scopedMessageCache queues messages of a fixed set of types arriving for
// one IC while an InputMethodManager switch is in flight, and replays
// them in FIFO order once the switch settles
// (original_source/src/client/ipc/hub_scoped_message_cache.cc/.h).
//
// Unlike the original, this does not intercept Dispatch itself (message
// targets are explicit, there is no active-consumer indirection at the
// router level): callers that own one of the cached types —
// HotkeyManager for SEND_KEY_EVENT, InputMethodManager itself for
// SWITCH_TO_*/QUERY_ACTIVE_INPUT_METHOD — call Intercept before
// handling and queue the message instead when a switch is pending for
// that IC. CANCEL_COMPOSITION/COMPLETE_COMPOSITION remain listed because
// they are still resigned conceptually, but in this addressing model
// they go straight to the outgoing IME as a need-reply request the
// InputMethodManager itself issues (spec §4.6 step 2), not through an
// intercepted inbound path.
type scopedMessageCache struct {
	icID    uint32
	types   map[hub.MessageType]bool
	pending []*hub.Message
}

func newScopedMessageCache(icID uint32, types []hub.MessageType) *scopedMessageCache {
	set := make(map[hub.MessageType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return &scopedMessageCache{icID: icID, types: set}
}

// Caches reports whether t is one of the types this cache intercepts.
func (c *scopedMessageCache) Caches(t hub.MessageType) bool { return c.types[t] }

// Queue appends msg to the FIFO.
func (c *scopedMessageCache) Queue(msg *hub.Message) {
	c.pending = append(c.pending, msg)
}

// Drain empties the FIFO in order, discarding the cache's own state;
// the caller is responsible for re-dispatching each returned message.
func (c *scopedMessageCache) Drain() []*hub.Message {
	out := c.pending
	c.pending = nil
	return out
}

// switchingTypes is the fixed set of message types resigned for the
// duration of an IME switch on an IC (spec §4.6 step 1).
var switchingTypes = []hub.MessageType{
	hub.MsgSendKeyEvent,
	hub.MsgCancelComposition,
	hub.MsgCompleteComposition,
	hub.MsgSwitchToInputMethod,
	hub.MsgSwitchToNextInputMethodInList,
	hub.MsgSwitchToPreviousInputMethod,
	hub.MsgQueryActiveInputMethod,
}
