package builtin

import "github.com/inputhub/hub/pkg/hub"

// pendingKeyEvent correlates a re-emitted PROCESS_KEY_EVENT's hub-assigned
// serial back to the original SEND_KEY_EVENT sender and serial
// (original_source/src/client/ipc/hub_hotkey_manager.cc).
type pendingKeyEvent struct {
	appID          uint32
	originalSerial uint64
	icID           uint32
	target         uint32
}

// HotkeyManager matches SEND_KEY_EVENT against each IC's active hotkey
// lists, re-emitting unmatched events to the IME as PROCESS_KEY_EVENT
// (spec §4.5).
type HotkeyManager struct {
	h    *hub.Hub
	self *hub.Component

	// previous holds the last key event observed per IC, plus one slot
	// for the default IC, updated on every SEND_KEY_EVENT regardless of
	// match outcome.
	previous map[uint32]*hub.KeyEvent

	// pending maps a hub-assigned PROCESS_KEY_EVENT serial to the
	// original sender/serial it must reply to.
	pending map[uint64]pendingKeyEvent

	imm switchInterceptor
}

// switchInterceptor lets InputMethodManager claim SEND_KEY_EVENT for an
// IC while a switch is in flight, ahead of this manager's own matching
// (spec §4.6 step 1).
type switchInterceptor interface {
	Intercept(icID uint32, msg *hub.Message) bool
}

// SetInputMethodManager wires the cross-builtin hook described above.
// Builtins are constructed independently, so this is set by the
// embedding process after both exist.
func (m *HotkeyManager) SetInputMethodManager(imm switchInterceptor) {
	m.imm = imm
}

func NewHotkeyManager(h *hub.Hub) (*HotkeyManager, error) {
	m := &HotkeyManager{
		h:        h,
		previous: make(map[uint32]*hub.KeyEvent),
		pending:  make(map[uint64]pendingKeyEvent),
	}
	info := hub.ComponentInfo{
		StringID: "hub.hotkey_manager",
		Name:     "HotkeyManager",
		Consume: []hub.MessageType{
			hub.MsgSendKeyEvent, hub.MsgProcessKeyEvent,
			hub.MsgAddHotkeyList, hub.MsgRemoveHotkeyList,
			hub.MsgActivateHotkeyList, hub.MsgDeactivateHotkeyList,
			hub.MsgQueryActiveHotkeyList, hub.MsgCheckHotkeyConflict,
		},
		Produce: []hub.MessageType{
			// Sent as a fresh NEED_REPLY request to the IC's active
			// PROCESS_KEY_EVENT consumer when a key matches no hotkey.
			hub.MsgProcessKeyEvent,
			hub.MsgActiveHotkeyListUpdated,
		},
	}
	c, err := h.RegisterBuiltin(m, info)
	if err != nil {
		return nil, err
	}
	m.self = c
	h.AddConsumerChangedHook(m.onConsumerChanged)
	return m, nil
}

func (m *HotkeyManager) Attached() {}
func (m *HotkeyManager) Detached() {}

func (m *HotkeyManager) Send(msg *hub.Message) bool {
	switch msg.Type {
	case hub.MsgSendKeyEvent:
		return m.handleSendKeyEvent(msg)
	case hub.MsgProcessKeyEvent:
		return m.handleProcessKeyEventReply(msg)
	case hub.MsgAddHotkeyList:
		return m.handleAddHotkeyList(msg)
	case hub.MsgRemoveHotkeyList:
		return m.handleRemoveHotkeyList(msg)
	case hub.MsgActivateHotkeyList:
		return m.handleActivateHotkeyList(msg)
	case hub.MsgDeactivateHotkeyList:
		return m.handleDeactivateHotkeyList(msg)
	case hub.MsgQueryActiveHotkeyList:
		return m.handleQueryActiveHotkeyList(msg)
	}
	return false
}

// handleSendKeyEvent implements the key flow of spec §4.5.
func (m *HotkeyManager) handleSendKeyEvent(msg *hub.Message) bool {
	if m.imm != nil && m.imm.Intercept(msg.ICID, msg) {
		return true
	}
	ic, ok := m.h.Context(msg.ICID)
	if !ok || msg.Payload.Key == nil {
		if msg.ToErrorReply(hub.ErrInvalidPayload) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}
	if ic.State(mustGet(m.h, msg.Source)) == hub.NotAttached {
		if msg.ToErrorReply(hub.ErrComponentNotAttached) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}

	key := *msg.Payload.Key

	if owner, hk, ok := m.matchHotkey(ic, key); ok {
		m.previous[ic.ID] = &key
		m.previous[hub.DefaultICID] = &key
		for _, t := range hk.ActionTypes {
			m.dispatchHotkeyAction(ic, owner, t, key)
		}
		msg.ToReply(hub.Payload{Bool: []bool{true}})
		return m.h.Dispatch(m, msg)
	}

	m.previous[ic.ID] = &key
	m.previous[hub.DefaultICID] = &key

	if ic.ID == hub.DefaultICID {
		msg.ToReply(hub.Payload{Bool: []bool{false}})
		return m.h.Dispatch(m, msg)
	}

	ime, ok := ic.GetActiveConsumer(hub.MsgProcessKeyEvent)
	if !ok {
		msg.ToReply(hub.Payload{Bool: []bool{false}})
		return m.h.Dispatch(m, msg)
	}

	newSerial := m.h.NextSerial()
	m.pending[newSerial] = pendingKeyEvent{
		appID:          msg.Source,
		originalSerial: msg.Serial,
		icID:           ic.ID,
		target:         ime.ID,
	}

	req := &hub.Message{
		Type:      hub.MsgProcessKeyEvent,
		ReplyMode: hub.NeedReply,
		Source:    m.self.ID,
		Target:    ime.ID,
		ICID:      ic.ID,
		Serial:    newSerial,
		Payload:   hub.Payload{Key: &key},
	}
	m.h.Dispatch(m, req)
	return true
}

// handleProcessKeyEventReply correlates the IME's reply (delivered back
// to this manager since it was the requester) to the original sender.
func (m *HotkeyManager) handleProcessKeyEventReply(msg *hub.Message) bool {
	if msg.ReplyMode != hub.IsReply {
		return false
	}
	pend, ok := m.pending[msg.Serial]
	if !ok {
		return true
	}
	delete(m.pending, msg.Serial)
	accepted := len(msg.Payload.Bool) > 0 && msg.Payload.Bool[0]

	reply := &hub.Message{
		Type:      hub.MsgSendKeyEvent,
		ReplyMode: hub.IsReply,
		Source:    m.self.ID,
		Target:    pend.appID,
		ICID:      msg.ICID,
		Serial:    pend.originalSerial,
		Payload:   hub.Payload{Bool: []bool{accepted}},
	}
	m.h.Dispatch(m, reply)
	return true
}

// matchHotkey checks key against the union of the IC's and the default
// IC's active hotkey lists.
func (m *HotkeyManager) matchHotkey(ic *hub.InputContext, key hub.KeyEvent) (*hub.Component, *hub.Hotkey, bool) {
	lists := ic.ActiveHotkeyLists()
	if ic.ID != hub.DefaultICID {
		if defaultIC, ok := m.h.Context(hub.DefaultICID); ok {
			lists = append(lists, defaultIC.ActiveHotkeyLists()...)
		}
	}

	prev := m.previous[ic.ID]

	for _, list := range lists {
		for i := range list.Hotkeys {
			hk := &list.Hotkeys[i]
			if !m.modifiersMatch(hk, key) {
				continue
			}
			if hk.KeyCode != key.Code {
				continue
			}
			if key.IsKeyUp != hk.OnKeyUp {
				continue
			}
			if hk.OnKeyUp {
				if prev == nil || prev.IsKeyUp {
					continue
				}
				if !m.modifiersMatch(hk, *prev) {
					continue
				}
				if !(prev.IsModKey && key.IsModKey) && prev.Code != key.Code {
					continue
				}
			}
			owner := m.ownerOf(list)
			if owner == nil {
				continue
			}
			return owner, hk, true
		}
	}
	return nil, nil, false
}

func (m *HotkeyManager) modifiersMatch(hk *hub.Hotkey, key hub.KeyEvent) bool {
	return hk.Shift == key.Shift && hk.Control == key.Control && hk.Alt == key.Alt && hk.Meta == key.Meta
}

func (m *HotkeyManager) ownerOf(list *hub.HotkeyList) *hub.Component {
	for _, c := range m.h.Registry().All() {
		if hl, ok := c.HotkeyLists()[list.ID]; ok && hl == list {
			return c
		}
	}
	return nil
}

func (m *HotkeyManager) dispatchHotkeyAction(ic *hub.InputContext, owner *hub.Component, t hub.MessageType, key hub.KeyEvent) {
	msg := &hub.Message{
		Type:      t,
		ReplyMode: hub.NoReply,
		Source:    m.self.ID,
		Target:    owner.ID,
		ICID:      ic.ID,
		Serial:    m.h.NextSerial(),
		Payload:   hub.Payload{Key: &key},
	}
	m.h.DeliverAction(owner.ID, msg)
}

func (m *HotkeyManager) handleAddHotkeyList(msg *hub.Message) bool {
	comp, ok := m.h.Registry().Get(msg.Source)
	if !ok || msg.Payload.HotkeyList == nil {
		if msg.ToErrorReply(hub.ErrInvalidPayload) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}
	comp.HotkeyLists()[msg.Payload.HotkeyList.ID] = msg.Payload.HotkeyList
	if msg.ReplyMode == hub.NeedReply {
		msg.ToReply(hub.Payload{})
		m.h.Dispatch(m, msg)
	}
	return true
}

func (m *HotkeyManager) handleRemoveHotkeyList(msg *hub.Message) bool {
	comp, ok := m.h.Registry().Get(msg.Source)
	if !ok || len(msg.Payload.Uint32) == 0 {
		if msg.ToErrorReply(hub.ErrInvalidPayload) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}
	delete(comp.HotkeyLists(), msg.Payload.Uint32[0])
	for _, icID := range comp.AttachedICIDs() {
		ic, ok := m.h.Context(icID)
		if !ok {
			continue
		}
		if cs := ic.ComponentState(comp); cs != nil && cs.HasActiveHotkeyList && cs.ActiveHotkeyListID == msg.Payload.Uint32[0] {
			ic.SetActiveHotkeyList(comp, 0, false)
		}
	}
	if msg.ReplyMode == hub.NeedReply {
		msg.ToReply(hub.Payload{})
		m.h.Dispatch(m, msg)
	}
	return true
}

func (m *HotkeyManager) handleActivateHotkeyList(msg *hub.Message) bool {
	ic, ok := m.h.Context(msg.ICID)
	comp, compOK := m.h.Registry().Get(msg.Source)
	if !ok || !compOK || len(msg.Payload.Uint32) == 0 {
		if msg.ToErrorReply(hub.ErrInvalidPayload) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}
	ic.SetActiveHotkeyList(comp, msg.Payload.Uint32[0], true)
	if msg.ReplyMode == hub.NeedReply {
		msg.ToReply(hub.Payload{})
		m.h.Dispatch(m, msg)
	}
	m.broadcastOnIC(ic, hub.MsgActiveHotkeyListUpdated, hub.Payload{Uint32: []uint32{comp.ID}})
	return true
}

func (m *HotkeyManager) handleDeactivateHotkeyList(msg *hub.Message) bool {
	ic, ok := m.h.Context(msg.ICID)
	comp, compOK := m.h.Registry().Get(msg.Source)
	if !ok || !compOK {
		if msg.ToErrorReply(hub.ErrInvalidInputContext) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}
	ic.SetActiveHotkeyList(comp, 0, false)
	if msg.ReplyMode == hub.NeedReply {
		msg.ToReply(hub.Payload{})
		m.h.Dispatch(m, msg)
	}
	m.broadcastOnIC(ic, hub.MsgActiveHotkeyListUpdated, hub.Payload{Uint32: []uint32{comp.ID}})
	return true
}

func (m *HotkeyManager) handleQueryActiveHotkeyList(msg *hub.Message) bool {
	ic, ok := m.h.Context(msg.ICID)
	if !ok {
		if msg.ToErrorReply(hub.ErrInvalidInputContext) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}
	lists := ic.ActiveHotkeyLists()
	ids := make([]uint32, len(lists))
	for i, l := range lists {
		ids[i] = l.ID
	}
	msg.ToReply(hub.Payload{Uint32: ids})
	return m.h.Dispatch(m, msg)
}

// onConsumerChanged resets the previous-key-event slot whenever the
// active PROCESS_KEY_EVENT consumer on ic changes, i.e. the IME was
// switched: a previous key event recorded against the old IME must not
// influence key-up pairing against the new one (spec §4.5). It also
// flushes any PROCESS_KEY_EVENT round trip still pending against a
// component that just lost that role on ic, synthesizing a {bool:[false]}
// reply to the original SEND_KEY_EVENT sender so it never hangs waiting
// on a reply a departed IME can no longer send (spec.md §8 scenario 3).
func (m *HotkeyManager) onConsumerChanged(ic *hub.InputContext, activated *hub.Component, gainedTypes []hub.MessageType, lostConsumer map[*hub.Component][]hub.MessageType, changedTypes map[hub.MessageType]bool) {
	if !changedTypes[hub.MsgProcessKeyEvent] {
		return
	}
	delete(m.previous, ic.ID)

	for comp, lost := range lostConsumer {
		for _, t := range lost {
			if t == hub.MsgProcessKeyEvent {
				m.flushPending(ic.ID, comp.ID)
				break
			}
		}
	}
}

// flushPending synthesizes a {bool:[false]} SEND_KEY_EVENT reply to every
// sender whose PROCESS_KEY_EVENT request targeted target on icID, then
// forgets those entries. Called when target loses PROCESS_KEY_EVENT
// active-consumer status (e.g. deregistration) before answering.
func (m *HotkeyManager) flushPending(icID, target uint32) {
	for serial, pend := range m.pending {
		if pend.icID != icID || pend.target != target {
			continue
		}
		delete(m.pending, serial)
		reply := &hub.Message{
			Type:      hub.MsgSendKeyEvent,
			ReplyMode: hub.IsReply,
			Source:    m.self.ID,
			Target:    pend.appID,
			ICID:      icID,
			Serial:    pend.originalSerial,
			Payload:   hub.Payload{Bool: []bool{false}},
		}
		m.h.Dispatch(m, reply)
	}
}

func mustGet(h *hub.Hub, id uint32) *hub.Component {
	c, _ := h.Registry().Get(id)
	return c
}

func (m *HotkeyManager) broadcastOnIC(ic *hub.InputContext, t hub.MessageType, payload hub.Payload) {
	msg := &hub.Message{
		Type:      t,
		ReplyMode: hub.NoReply,
		Source:    m.self.ID,
		Target:    hub.BroadcastID,
		ICID:      ic.ID,
		Serial:    m.h.NextSerial(),
		Payload:   payload,
	}
	m.h.Dispatch(m, msg)
}
