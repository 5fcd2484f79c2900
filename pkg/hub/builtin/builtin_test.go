// Scenario-style tests exercising the five built-ins entirely through
// Hub.Dispatch, the way a real connector would, rather than poking
// package-internal state (teacher pattern: pkg/bubble's handler tests
// drive through the public event loop, not private fields).
package builtin_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inputhub/hub"
	"github.com/inputhub/hub/pkg/hub/hubtest"
	hubpkg "github.com/inputhub/hub/pkg/hub"
)

// registerApp drives the MSG_REGISTER_COMPONENT wire protocol exactly as
// a real connector would, returning the assigned component id.
func registerApp(t *testing.T, bh *hub.BuiltinHub, conn *hubtest.MockConnector, stringID string, produce, consume []hubpkg.MessageType) uint32 {
	t.Helper()
	bh.Hub.Attach(conn)
	msg := &hubpkg.Message{
		Type:      hubpkg.MsgRegisterComponent,
		ReplyMode: hubpkg.NeedReply,
		Payload:   hubpkg.Payload{ComponentInfo: &hubpkg.ComponentInfo{StringID: stringID, Produce: produce, Consume: consume}},
	}
	require.True(t, bh.Hub.Dispatch(conn, msg))
	last := conn.Last()
	require.Equal(t, hubpkg.IsReply, last.ReplyMode)
	require.NotNil(t, last.Payload.ComponentInfo)
	return last.Payload.ComponentInfo.ID
}

func icmID(t *testing.T, bh *hub.BuiltinHub) uint32 {
	t.Helper()
	c, ok := bh.Hub.Registry().GetByStringID("hub.input_context_manager")
	require.True(t, ok)
	return c.ID
}

// createIC drives MSG_CREATE_INPUT_CONTEXT from ownerID/ownerConn and
// returns the new IC's id.
func createIC(t *testing.T, bh *hub.BuiltinHub, ownerConn *hubtest.MockConnector, ownerID uint32) uint32 {
	t.Helper()
	msg := &hubpkg.Message{
		Type:      hubpkg.MsgCreateInputContext,
		ReplyMode: hubpkg.NeedReply,
		Source:    ownerID,
		Target:    icmID(t, bh),
	}
	require.True(t, bh.Hub.Dispatch(ownerConn, msg))
	last := ownerConn.Last()
	require.Equal(t, hubpkg.IsReply, last.ReplyMode)
	require.NotNil(t, last.Payload.InputContextInfo)
	return last.Payload.InputContextInfo.ID
}

// attachToIC drives MSG_ATTACH_TO_INPUT_CONTEXT from compID/compConn onto
// icID, the direct (non-handshake) self-attach path.
func attachToIC(t *testing.T, bh *hub.BuiltinHub, compConn *hubtest.MockConnector, compID, icID uint32) {
	t.Helper()
	msg := &hubpkg.Message{
		Type:      hubpkg.MsgAttachToInputContext,
		ReplyMode: hubpkg.NeedReply,
		Source:    compID,
		Target:    icmID(t, bh),
		ICID:      icID,
	}
	require.True(t, bh.Hub.Dispatch(compConn, msg))
	last := compConn.Last()
	require.Equal(t, hubpkg.IsReply, last.ReplyMode)
	require.True(t, len(last.Payload.Bool) > 0 && last.Payload.Bool[0])
}

func TestInputContextLifecycleAndActivation(t *testing.T) {
	bh, err := hub.NewBuiltinHub(hub.Config{})
	require.NoError(t, err)

	appConn := hubtest.NewMockConnector()
	appID := registerApp(t, bh, appConn, "app.editor",
		[]hubpkg.MessageType{hubpkg.MsgCreateInputContext, hubpkg.MsgAttachToInputContext, hubpkg.MsgActivateComponent, hubpkg.MsgSendKeyEvent},
		[]hubpkg.MessageType{hubpkg.MsgSendKeyEvent})

	icID := createIC(t, bh, appConn, appID)
	assert.NotEqual(t, hubpkg.DefaultICID, icID)

	attachToIC(t, bh, appConn, appID, icID)
	ic, ok := bh.Hub.Context(icID)
	require.True(t, ok)
	app, _ := bh.Hub.Registry().Get(appID)
	assert.Equal(t, hubpkg.Passive, ic.State(app), "a plain attach without prior activation lands Passive")

	t.Run("self-activation promotes to Active and claims its consume types", func(t *testing.T) {
		msg := &hubpkg.Message{
			Type:      hubpkg.MsgActivateComponent,
			ReplyMode: hubpkg.NeedReply,
			Source:    appID,
			Target:    icmID(t, bh),
			ICID:      icID,
		}
		require.True(t, bh.Hub.Dispatch(appConn, msg))
		last := appConn.Last()
		require.True(t, len(last.Payload.Bool) > 0 && last.Payload.Bool[0])
		assert.Equal(t, hubpkg.Active, ic.State(app))

		consumer, ok := ic.GetActiveConsumer(hubpkg.MsgSendKeyEvent)
		require.True(t, ok)
		assert.Equal(t, app, consumer)
	})
}

func TestHotkeyManagerMatchesActiveListAndFiresAction(t *testing.T) {
	bh, err := hub.NewBuiltinHub(hub.Config{})
	require.NoError(t, err)

	appConn := hubtest.NewMockConnector()
	appID := registerApp(t, bh, appConn, "app.editor",
		[]hubpkg.MessageType{
			hubpkg.MsgCreateInputContext, hubpkg.MsgAttachToInputContext, hubpkg.MsgActivateComponent,
			hubpkg.MsgAddHotkeyList, hubpkg.MsgActivateHotkeyList, hubpkg.MsgSendKeyEvent,
		},
		[]hubpkg.MessageType{hubpkg.MsgSendKeyEvent, hubpkg.MsgCompleteComposition})

	icID := createIC(t, bh, appConn, appID)
	attachToIC(t, bh, appConn, appID, icID)

	addList := &hubpkg.Message{
		Type:      hubpkg.MsgAddHotkeyList,
		ReplyMode: hubpkg.NeedReply,
		Source:    appID,
		Target:    hotkeyManagerID(t, bh),
		Payload: hubpkg.Payload{HotkeyList: &hubpkg.HotkeyList{
			ID:   1,
			Name: "editor-default",
			Hotkeys: []hubpkg.Hotkey{
				{KeyCode: 'S', Control: true, ActionTypes: []hubpkg.MessageType{hubpkg.MsgCompleteComposition}},
			},
		}},
	}
	require.True(t, bh.Hub.Dispatch(appConn, addList))

	activateList := &hubpkg.Message{
		Type:      hubpkg.MsgActivateHotkeyList,
		ReplyMode: hubpkg.NeedReply,
		Source:    appID,
		Target:    hotkeyManagerID(t, bh),
		ICID:      icID,
		Payload:   hubpkg.Payload{Uint32: []uint32{1}},
	}
	require.True(t, bh.Hub.Dispatch(appConn, activateList))

	sendKey := &hubpkg.Message{
		Type:      hubpkg.MsgSendKeyEvent,
		ReplyMode: hubpkg.NeedReply,
		Source:    appID,
		Target:    hotkeyManagerID(t, bh),
		ICID:      icID,
		Payload:   hubpkg.Payload{Key: &hubpkg.KeyEvent{Code: 'S', Control: true}},
	}
	require.True(t, bh.Hub.Dispatch(appConn, sendKey))

	last := appConn.Last()
	require.Equal(t, hubpkg.IsReply, last.ReplyMode)
	require.True(t, len(last.Payload.Bool) > 0 && last.Payload.Bool[0], "a matched hotkey replies true")
	assert.Equal(t, 1, appConn.Count(hubpkg.MsgCompleteComposition), "the matched hotkey's action type is dispatched to its owner")
}

func TestHotkeyManagerQueryDeactivateAndRemoveHotkeyList(t *testing.T) {
	bh, err := hub.NewBuiltinHub(hub.Config{})
	require.NoError(t, err)

	appConn := hubtest.NewMockConnector()
	appID := registerApp(t, bh, appConn, "app.editor",
		[]hubpkg.MessageType{
			hubpkg.MsgCreateInputContext, hubpkg.MsgAttachToInputContext,
			hubpkg.MsgAddHotkeyList, hubpkg.MsgRemoveHotkeyList,
			hubpkg.MsgActivateHotkeyList, hubpkg.MsgDeactivateHotkeyList,
			hubpkg.MsgQueryActiveHotkeyList,
		},
		nil)
	icID := createIC(t, bh, appConn, appID)
	attachToIC(t, bh, appConn, appID, icID)
	hkmID := hotkeyManagerID(t, bh)

	addList := &hubpkg.Message{
		Type:      hubpkg.MsgAddHotkeyList,
		ReplyMode: hubpkg.NeedReply,
		Source:    appID,
		Target:    hkmID,
		Payload:   hubpkg.Payload{HotkeyList: &hubpkg.HotkeyList{ID: 9, Name: "nav"}},
	}
	require.True(t, bh.Hub.Dispatch(appConn, addList))

	activate := &hubpkg.Message{
		Type:      hubpkg.MsgActivateHotkeyList,
		ReplyMode: hubpkg.NeedReply,
		Source:    appID,
		Target:    hkmID,
		ICID:      icID,
		Payload:   hubpkg.Payload{Uint32: []uint32{9}},
	}
	require.True(t, bh.Hub.Dispatch(appConn, activate))

	query := &hubpkg.Message{
		Type:      hubpkg.MsgQueryActiveHotkeyList,
		ReplyMode: hubpkg.NeedReply,
		Source:    appID,
		Target:    hkmID,
		ICID:      icID,
	}
	require.True(t, bh.Hub.Dispatch(appConn, query))
	last := appConn.Last()
	require.ElementsMatch(t, []uint32{9}, last.Payload.Uint32, "the activated list is reflected in QUERY_ACTIVE_HOTKEY_LIST")

	t.Run("deactivating drops it from the active query", func(t *testing.T) {
		deactivate := &hubpkg.Message{
			Type:      hubpkg.MsgDeactivateHotkeyList,
			ReplyMode: hubpkg.NeedReply,
			Source:    appID,
			Target:    hkmID,
			ICID:      icID,
		}
		require.True(t, bh.Hub.Dispatch(appConn, deactivate))

		require.True(t, bh.Hub.Dispatch(appConn, query))
		assert.Empty(t, appConn.Last().Payload.Uint32)
	})

	t.Run("removing the list detaches it even if it was re-activated first", func(t *testing.T) {
		require.True(t, bh.Hub.Dispatch(appConn, activate))
		require.True(t, bh.Hub.Dispatch(appConn, query))
		require.ElementsMatch(t, []uint32{9}, appConn.Last().Payload.Uint32)

		remove := &hubpkg.Message{
			Type:      hubpkg.MsgRemoveHotkeyList,
			ReplyMode: hubpkg.NeedReply,
			Source:    appID,
			Target:    hkmID,
			Payload:   hubpkg.Payload{Uint32: []uint32{9}},
		}
		require.True(t, bh.Hub.Dispatch(appConn, remove))

		require.True(t, bh.Hub.Dispatch(appConn, query))
		assert.Empty(t, appConn.Last().Payload.Uint32, "REMOVE_HOTKEY_LIST clears the owner's active selection of that list")
	})
}

func hotkeyManagerID(t *testing.T, bh *hub.BuiltinHub) uint32 {
	t.Helper()
	c, ok := bh.Hub.Registry().GetByStringID("hub.hotkey_manager")
	require.True(t, ok)
	return c.ID
}

func TestHotkeyManagerFlushesPendingReplyWhenActiveIMEIsDeregistered(t *testing.T) {
	bh, err := hub.NewBuiltinHub(hub.Config{})
	require.NoError(t, err)

	appConn := hubtest.NewMockConnector()
	appID := registerApp(t, bh, appConn, "app.editor",
		[]hubpkg.MessageType{
			hubpkg.MsgCreateInputContext, hubpkg.MsgAttachToInputContext,
			hubpkg.MsgSwitchToInputMethod, hubpkg.MsgSendKeyEvent,
		},
		[]hubpkg.MessageType{hubpkg.MsgSendKeyEvent, hubpkg.MsgInputMethodActivated})
	icID := createIC(t, bh, appConn, appID)

	immID := func() uint32 {
		c, ok := bh.Hub.Registry().GetByStringID("hub.input_method_manager")
		require.True(t, ok)
		return c.ID
	}()

	// An IME that accepts the attach handshake but never answers
	// PROCESS_KEY_EVENT, simulating one that disappears mid round trip.
	imeConn := hubtest.NewMockConnector()
	imeID := registerApp(t, bh, imeConn, hubtest.NewStringID("ime"),
		[]hubpkg.MessageType{hubpkg.MsgAttachToInputContext, hubpkg.MsgCancelComposition, hubpkg.MsgProcessKeyEvent},
		[]hubpkg.MessageType{hubpkg.MsgAttachToInputContext, hubpkg.MsgProcessKeyEvent, hubpkg.MsgCancelComposition, hubpkg.MsgCompleteComposition})
	imeConn.SendFunc = func(msg *hubpkg.Message) bool {
		if msg.ReplyMode != hubpkg.NeedReply {
			return true
		}
		switch msg.Type {
		case hubpkg.MsgAttachToInputContext, hubpkg.MsgCancelComposition:
			msg.ToReply(hubpkg.Payload{Bool: []bool{true}})
			bh.Hub.Dispatch(imeConn, msg)
		case hubpkg.MsgProcessKeyEvent:
			// left pending on purpose
		}
		return true
	}

	switchTo := &hubpkg.Message{
		Type:      hubpkg.MsgSwitchToInputMethod,
		ReplyMode: hubpkg.NeedReply,
		Source:    appID,
		Target:    immID,
		ICID:      icID,
		Payload:   hubpkg.Payload{Uint32: []uint32{imeID}},
	}
	require.True(t, bh.Hub.Dispatch(appConn, switchTo))
	require.True(t, len(appConn.Last().Payload.Bool) > 0 && appConn.Last().Payload.Bool[0])

	sendKey := &hubpkg.Message{
		Type:      hubpkg.MsgSendKeyEvent,
		ReplyMode: hubpkg.NeedReply,
		Source:    appID,
		Target:    hotkeyManagerID(t, bh),
		ICID:      icID,
		Serial:    7,
		Payload:   hubpkg.Payload{Key: &hubpkg.KeyEvent{Code: 'Q'}},
	}
	require.True(t, bh.Hub.Dispatch(appConn, sendKey))
	assert.Equal(t, 0, appConn.Count(hubpkg.MsgSendKeyEvent), "no reply yet: the IME never answered PROCESS_KEY_EVENT")

	deregister := &hubpkg.Message{
		Type:      hubpkg.MsgDeregisterComponent,
		ReplyMode: hubpkg.NoReply,
		Source:    imeID,
	}
	require.True(t, bh.Hub.Dispatch(imeConn, deregister))

	require.Equal(t, 1, appConn.Count(hubpkg.MsgSendKeyEvent),
		"the deregistered IME's pending PROCESS_KEY_EVENT is flushed as a SEND_KEY_EVENT reply")
	last := appConn.Last()
	require.Equal(t, hubpkg.IsReply, last.ReplyMode)
	require.True(t, len(last.Payload.Bool) > 0)
	assert.False(t, last.Payload.Bool[0], "the synthesized reply rejects the key since the IME never did")
	assert.Equal(t, uint64(7), last.Serial, "the synthesized reply correlates back to the original SEND_KEY_EVENT serial")
}

func TestHotkeyManagerKeyUpRequiresMatchingModifiersAndWaivesKeycodeOnlyBetweenModifierKeys(t *testing.T) {
	bh, err := hub.NewBuiltinHub(hub.Config{})
	require.NoError(t, err)

	appConn := hubtest.NewMockConnector()
	appID := registerApp(t, bh, appConn, "app.editor",
		[]hubpkg.MessageType{
			hubpkg.MsgCreateInputContext, hubpkg.MsgAttachToInputContext,
			hubpkg.MsgAddHotkeyList, hubpkg.MsgActivateHotkeyList, hubpkg.MsgSendKeyEvent,
		},
		[]hubpkg.MessageType{hubpkg.MsgSendKeyEvent, hubpkg.MsgCompleteComposition})
	icID := createIC(t, bh, appConn, appID)
	attachToIC(t, bh, appConn, appID, icID)
	hkmID := hotkeyManagerID(t, bh)

	addList := &hubpkg.Message{
		Type:      hubpkg.MsgAddHotkeyList,
		ReplyMode: hubpkg.NeedReply,
		Source:    appID,
		Target:    hkmID,
		Payload: hubpkg.Payload{HotkeyList: &hubpkg.HotkeyList{
			ID:   2,
			Name: "release-binding",
			Hotkeys: []hubpkg.Hotkey{
				{KeyCode: 'A', Shift: true, OnKeyUp: true, ActionTypes: []hubpkg.MessageType{hubpkg.MsgCompleteComposition}},
			},
		}},
	}
	require.True(t, bh.Hub.Dispatch(appConn, addList))

	activate := &hubpkg.Message{
		Type:      hubpkg.MsgActivateHotkeyList,
		ReplyMode: hubpkg.NeedReply,
		Source:    appID,
		Target:    hkmID,
		ICID:      icID,
		Payload:   hubpkg.Payload{Uint32: []uint32{2}},
	}
	require.True(t, bh.Hub.Dispatch(appConn, activate))

	sendKey := func(key hubpkg.KeyEvent, serial uint64) bool {
		msg := &hubpkg.Message{
			Type:      hubpkg.MsgSendKeyEvent,
			ReplyMode: hubpkg.NeedReply,
			Source:    appID,
			Target:    hkmID,
			ICID:      icID,
			Serial:    serial,
			Payload:   hubpkg.Payload{Key: &key},
		}
		require.True(t, bh.Hub.Dispatch(appConn, msg))
		last := appConn.Last()
		return len(last.Payload.Bool) > 0 && last.Payload.Bool[0]
	}

	t.Run("key-up with mismatched modifiers never matches, even with the same keycode", func(t *testing.T) {
		require.False(t, sendKey(hubpkg.KeyEvent{Code: 'A'}, 1))
		matched := sendKey(hubpkg.KeyEvent{Code: 'A', IsKeyUp: true, Shift: true}, 2)
		assert.False(t, matched, "the key-down carried no Shift, so the up event's extra modifier must reject the match")
	})

	t.Run("key-up waives the keycode match only when both events are modifier keys", func(t *testing.T) {
		require.False(t, sendKey(hubpkg.KeyEvent{Code: 'X', Shift: true, IsModKey: true}, 3), "a down event never itself matches an up-only hotkey")
		matched := sendKey(hubpkg.KeyEvent{Code: 'A', Shift: true, IsKeyUp: true, IsModKey: true}, 4)
		assert.True(t, matched, "down was code 'X' and up is code 'A', but both are modifier keys so the keycode mismatch is waived")
	})

	t.Run("key-up never waives the keycode match when the current key is a modifier but the previous one wasn't", func(t *testing.T) {
		require.False(t, sendKey(hubpkg.KeyEvent{Code: 'Z', Shift: true}, 5), "a non-modifier key-down")
		matched := sendKey(hubpkg.KeyEvent{Code: 'A', Shift: true, IsKeyUp: true, IsModKey: true}, 6)
		assert.False(t, matched, "previous key was not a modifier, so the differing keycode ('Z' down vs 'A' up) must not be waived")
	})
}

func TestCommandListManagerAggregatesPerICLists(t *testing.T) {
	bh, err := hub.NewBuiltinHub(hub.Config{})
	require.NoError(t, err)

	appConn := hubtest.NewMockConnector()
	appID := registerApp(t, bh, appConn, "app.editor",
		[]hubpkg.MessageType{hubpkg.MsgCreateInputContext, hubpkg.MsgAttachToInputContext, hubpkg.MsgSetCommandList, hubpkg.MsgQueryCommandList},
		nil)
	icID := createIC(t, bh, appConn, appID)
	attachToIC(t, bh, appConn, appID, icID)

	clmID := func() uint32 {
		c, ok := bh.Hub.Registry().GetByStringID("hub.command_list_manager")
		require.True(t, ok)
		return c.ID
	}()

	setList := &hubpkg.Message{
		Type:      hubpkg.MsgSetCommandList,
		ReplyMode: hubpkg.NeedReply,
		Source:    appID,
		Target:    clmID,
		ICID:      icID,
		Payload: hubpkg.Payload{CommandList: &hubpkg.CommandList{
			Commands: []hubpkg.Command{{ID: 1, Title: "Save", Enabled: true}},
		}},
	}
	require.True(t, bh.Hub.Dispatch(appConn, setList))

	query := &hubpkg.Message{
		Type:      hubpkg.MsgQueryCommandList,
		ReplyMode: hubpkg.NeedReply,
		Source:    appID,
		Target:    clmID,
		ICID:      icID,
	}
	require.True(t, bh.Hub.Dispatch(appConn, query))
	last := appConn.Last()
	require.NotNil(t, last.Payload.CommandList)
	require.Len(t, last.Payload.CommandList.Commands, 1)
	assert.Equal(t, "Save", last.Payload.CommandList.Commands[0].Title)
}

func TestCommandListManagerTagsEverySubCommandWithTheDeclaringComponent(t *testing.T) {
	bh, err := hub.NewBuiltinHub(hub.Config{})
	require.NoError(t, err)

	appConn := hubtest.NewMockConnector()
	appID := registerApp(t, bh, appConn, "app.editor",
		[]hubpkg.MessageType{
			hubpkg.MsgCreateInputContext, hubpkg.MsgAttachToInputContext,
			hubpkg.MsgSetCommandList, hubpkg.MsgUpdateCommands, hubpkg.MsgQueryCommandList,
		},
		nil)
	icID := createIC(t, bh, appConn, appID)
	attachToIC(t, bh, appConn, appID, icID)

	clmID := func() uint32 {
		c, ok := bh.Hub.Registry().GetByStringID("hub.command_list_manager")
		require.True(t, ok)
		return c.ID
	}()

	setList := &hubpkg.Message{
		Type:      hubpkg.MsgSetCommandList,
		ReplyMode: hubpkg.NeedReply,
		Source:    appID,
		Target:    clmID,
		ICID:      icID,
		Payload: hubpkg.Payload{CommandList: &hubpkg.CommandList{
			Commands: []hubpkg.Command{
				{ID: 1, Title: "File", SubCommands: []hubpkg.Command{
					{ID: 2, Title: "Save", SubCommands: []hubpkg.Command{
						{ID: 3, Title: "Save As"},
					}},
				}},
			},
		}},
	}
	require.True(t, bh.Hub.Dispatch(appConn, setList))

	query := &hubpkg.Message{
		Type:      hubpkg.MsgQueryCommandList,
		ReplyMode: hubpkg.NeedReply,
		Source:    appID,
		Target:    clmID,
		ICID:      icID,
	}
	require.True(t, bh.Hub.Dispatch(appConn, query))
	list := appConn.Last().Payload.CommandList
	require.NotNil(t, list)
	require.Len(t, list.Commands, 1)
	assert.Equal(t, appID, list.Commands[0].Owner, "SET_COMMAND_LIST tags the top-level command")
	require.Len(t, list.Commands[0].SubCommands, 1)
	assert.Equal(t, appID, list.Commands[0].SubCommands[0].Owner, "SET_COMMAND_LIST recursively tags sub-commands")
	require.Len(t, list.Commands[0].SubCommands[0].SubCommands, 1)
	assert.Equal(t, appID, list.Commands[0].SubCommands[0].SubCommands[0].Owner, "SET_COMMAND_LIST tags nested sub-sub-commands too")

	t.Run("UPDATE_COMMANDS retags a replaced sub-tree with the list's owner", func(t *testing.T) {
		update := &hubpkg.Message{
			Type:      hubpkg.MsgUpdateCommands,
			ReplyMode: hubpkg.NeedReply,
			Source:    appID,
			Target:    clmID,
			ICID:      icID,
			Payload: hubpkg.Payload{CommandList: &hubpkg.CommandList{
				Commands: []hubpkg.Command{
					{ID: 2, Title: "Save", SubCommands: []hubpkg.Command{
						{ID: 4, Title: "Save a Copy"},
					}},
				},
			}},
		}
		require.True(t, bh.Hub.Dispatch(appConn, update))

		require.True(t, bh.Hub.Dispatch(appConn, query))
		list := appConn.Last().Payload.CommandList
		require.NotNil(t, list)
		require.Len(t, list.Commands[0].SubCommands, 1)
		replaced := list.Commands[0].SubCommands[0]
		assert.Equal(t, appID, replaced.Owner, "the patched node keeps its owner")
		require.Len(t, replaced.SubCommands, 1)
		assert.Equal(t, appID, replaced.SubCommands[0].Owner, "its freshly patched sub-tree is tagged too, not just the node itself")
	})
}

func TestCompositionManagerOnlyOwnerMayChangeSelection(t *testing.T) {
	bh, err := hub.NewBuiltinHub(hub.Config{})
	require.NoError(t, err)

	ownerConn := hubtest.NewMockConnector()
	ownerID := registerApp(t, bh, ownerConn, "ime.pinyin",
		[]hubpkg.MessageType{hubpkg.MsgCreateInputContext, hubpkg.MsgAttachToInputContext, hubpkg.MsgSetCandidateList, hubpkg.MsgSetSelectedCandidate},
		nil)
	icID := createIC(t, bh, ownerConn, ownerID)
	attachToIC(t, bh, ownerConn, ownerID, icID)

	cmID := func() uint32 {
		c, ok := bh.Hub.Registry().GetByStringID("hub.composition_manager")
		require.True(t, ok)
		return c.ID
	}()

	setCandidates := &hubpkg.Message{
		Type:      hubpkg.MsgSetCandidateList,
		ReplyMode: hubpkg.NeedReply,
		Source:    ownerID,
		Target:    cmID,
		ICID:      icID,
		Payload:   hubpkg.Payload{CandidateList: &hubpkg.CandidateList{ID: 1, Candidates: []string{"a", "b"}}},
	}
	require.True(t, bh.Hub.Dispatch(ownerConn, setCandidates))

	intruderConn := hubtest.NewMockConnector()
	intruderID := registerApp(t, bh, intruderConn, "app.intruder",
		[]hubpkg.MessageType{hubpkg.MsgCreateInputContext, hubpkg.MsgAttachToInputContext, hubpkg.MsgSetSelectedCandidate},
		nil)
	attachToIC(t, bh, intruderConn, intruderID, icID)

	badSelect := &hubpkg.Message{
		Type:      hubpkg.MsgSetSelectedCandidate,
		ReplyMode: hubpkg.NeedReply,
		Source:    intruderID,
		Target:    cmID,
		ICID:      icID,
		Payload:   hubpkg.Payload{Uint32: []uint32{1, 1}},
	}
	require.True(t, bh.Hub.Dispatch(intruderConn, badSelect))
	assert.Equal(t, hubpkg.ErrInvalidSource, intruderConn.Last().Payload.Error, "only the candidate list's owner may change its selection")

	goodSelect := &hubpkg.Message{
		Type:      hubpkg.MsgSetSelectedCandidate,
		ReplyMode: hubpkg.NeedReply,
		Source:    ownerID,
		Target:    cmID,
		ICID:      icID,
		Payload:   hubpkg.Payload{Uint32: []uint32{1, 1}},
	}
	require.True(t, bh.Hub.Dispatch(ownerConn, goodSelect))
	assert.NotEqual(t, hubpkg.ErrInvalidSource, ownerConn.Last().Payload.Error)
}

// newAutoReplyingIME registers a component that satisfies
// InputMethodManager.runningIMEs()'s consume-capability requirements and
// auto-accepts every NEED_REPLY request the switch protocol sends it
// (ATTACH_TO_INPUT_CONTEXT, CANCEL_COMPOSITION), rejecting PROCESS_KEY_EVENT
// so the hotkey re-emission path below has a deterministic reply to
// correlate against.
func newAutoReplyingIME(t *testing.T, bh *hub.BuiltinHub) (*hubtest.MockConnector, uint32) {
	t.Helper()
	conn := hubtest.NewMockConnector()
	id := registerApp(t, bh, conn, hubtest.NewStringID("ime"),
		[]hubpkg.MessageType{hubpkg.MsgAttachToInputContext, hubpkg.MsgCancelComposition, hubpkg.MsgProcessKeyEvent},
		[]hubpkg.MessageType{hubpkg.MsgAttachToInputContext, hubpkg.MsgProcessKeyEvent, hubpkg.MsgCancelComposition, hubpkg.MsgCompleteComposition})
	conn.SendFunc = func(msg *hubpkg.Message) bool {
		if msg.ReplyMode != hubpkg.NeedReply {
			return true
		}
		switch msg.Type {
		case hubpkg.MsgAttachToInputContext, hubpkg.MsgCancelComposition:
			msg.ToReply(hubpkg.Payload{Bool: []bool{true}})
		case hubpkg.MsgProcessKeyEvent:
			msg.ToReply(hubpkg.Payload{Bool: []bool{false}})
		default:
			return true
		}
		bh.Hub.Dispatch(conn, msg)
		return true
	}
	return conn, id
}

func TestInputMethodManagerSwitchActivatesTargetAndHotkeyManagerFallsBackToIt(t *testing.T) {
	bh, err := hub.NewBuiltinHub(hub.Config{})
	require.NoError(t, err)

	appConn := hubtest.NewMockConnector()
	appID := registerApp(t, bh, appConn, "app.editor",
		[]hubpkg.MessageType{
			hubpkg.MsgCreateInputContext, hubpkg.MsgAttachToInputContext,
			hubpkg.MsgSwitchToInputMethod, hubpkg.MsgSendKeyEvent,
		},
		[]hubpkg.MessageType{hubpkg.MsgSendKeyEvent, hubpkg.MsgInputMethodActivated})
	icID := createIC(t, bh, appConn, appID)

	immID := func() uint32 {
		c, ok := bh.Hub.Registry().GetByStringID("hub.input_method_manager")
		require.True(t, ok)
		return c.ID
	}()

	_, imeAID := newAutoReplyingIME(t, bh)

	switchTo := &hubpkg.Message{
		Type:      hubpkg.MsgSwitchToInputMethod,
		ReplyMode: hubpkg.NeedReply,
		Source:    appID,
		Target:    immID,
		ICID:      icID,
		Payload:   hubpkg.Payload{Uint32: []uint32{imeAID}},
	}
	require.True(t, bh.Hub.Dispatch(appConn, switchTo))
	last := appConn.Last()
	require.True(t, len(last.Payload.Bool) > 0 && last.Payload.Bool[0], "SWITCH_TO_INPUT_METHOD replies true once accepted")

	ic, ok := bh.Hub.Context(icID)
	require.True(t, ok)
	imeA, _ := bh.Hub.Registry().Get(imeAID)
	assert.Equal(t, hubpkg.Active, ic.State(imeA), "the switch target is attached Active once both pending flags settle")
	assert.Equal(t, 1, appConn.Count(hubpkg.MsgInputMethodActivated), "the owner observes the settled switch via broadcast")

	t.Run("an unmatched key falls back to PROCESS_KEY_EVENT against the now-active IME", func(t *testing.T) {
		sendKey := &hubpkg.Message{
			Type:      hubpkg.MsgSendKeyEvent,
			ReplyMode: hubpkg.NeedReply,
			Source:    appID,
			Target:    hotkeyManagerID(t, bh),
			ICID:      icID,
			Payload:   hubpkg.Payload{Key: &hubpkg.KeyEvent{Code: 'Q'}},
		}
		require.True(t, bh.Hub.Dispatch(appConn, sendKey))
		last := appConn.Last()
		require.Equal(t, hubpkg.IsReply, last.ReplyMode)
		require.True(t, len(last.Payload.Bool) > 0, "the reply carries the IME's accept/reject bool")
		assert.False(t, last.Payload.Bool[0], "the IME rejected the key, which newAutoReplyingIME always does")
	})
}
