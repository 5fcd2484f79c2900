package builtin

import (
	"sort"

	"github.com/inputhub/hub/pkg/hub"
)

// imeSwitch is the switching-data record for one IC's in-flight IME
// change (spec §4.6).
type imeSwitch struct {
	target        *hub.Component
	needAttached  bool
	needActivated bool
	cache         *scopedMessageCache
}

func (s *imeSwitch) settled() bool { return !s.needAttached && !s.needActivated }

// InputMethodManager tracks the ordered set of running IMEs and the
// current/previous IME per IC, and drives the switch protocol of spec
// §4.6.
type InputMethodManager struct {
	h    *hub.Hub
	self *hub.Component

	current  map[uint32]*hub.Component
	previous map[uint32]*hub.Component
	switches map[uint32]*imeSwitch
}

func NewInputMethodManager(h *hub.Hub) (*InputMethodManager, error) {
	m := &InputMethodManager{
		h:        h,
		current:  make(map[uint32]*hub.Component),
		previous: make(map[uint32]*hub.Component),
		switches: make(map[uint32]*imeSwitch),
	}
	info := hub.ComponentInfo{
		StringID: "hub.input_method_manager",
		Name:     "InputMethodManager",
		Consume: []hub.MessageType{
			hub.MsgListInputMethods, hub.MsgSwitchToInputMethod,
			hub.MsgSwitchToNextInputMethodInList, hub.MsgSwitchToPreviousInputMethod,
			hub.MsgQueryActiveInputMethod,
		},
		Produce: []hub.MessageType{
			hub.MsgInputMethodActivated,
			// Sent as a fresh NEED_REPLY request to the outgoing IME during
			// step 2 of the switch protocol (spec §4.6).
			hub.MsgCancelComposition,
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

func (m *InputMethodManager) Attached() {}
func (m *InputMethodManager) Detached() {}

func (m *InputMethodManager) Send(msg *hub.Message) bool {
	if m.Intercept(msg.ICID, msg) {
		return true
	}
	switch msg.Type {
	case hub.MsgListInputMethods:
		return m.handleList(msg)
	case hub.MsgSwitchToInputMethod:
		return m.handleSwitchTo(msg)
	case hub.MsgSwitchToNextInputMethodInList:
		return m.handleSwitchRelative(msg, 1)
	case hub.MsgSwitchToPreviousInputMethod:
		return m.handleSwitchRelative(msg, -1)
	case hub.MsgQueryActiveInputMethod:
		return m.handleQueryActive(msg)
	case hub.MsgCancelComposition:
		return m.handleCancelCompositionReply(msg)
	}
	return false
}

// Intercept reports whether an IME switch is pending for icID and msg's
// type is one of the resigned switchingTypes; if so msg is queued on the
// switch's cache rather than processed. HotkeyManager calls this before
// handling SEND_KEY_EVENT, since that type is addressed directly to it
// rather than routed through this manager (spec §4.6 step 1).
func (m *InputMethodManager) Intercept(icID uint32, msg *hub.Message) bool {
	if msg.ReplyMode == hub.IsReply {
		return false
	}
	s, ok := m.switches[icID]
	if !ok || !s.cache.Caches(msg.Type) {
		return false
	}
	s.cache.Queue(msg)
	return true
}

// runningIMEs returns every component capable of acting as an IME,
// ordered by component id (spec §4.6 definition).
func (m *InputMethodManager) runningIMEs() []*hub.Component {
	var out []*hub.Component
	for _, c := range m.h.Registry().All() {
		if c.CanConsume(hub.MsgAttachToInputContext) && c.CanConsume(hub.MsgProcessKeyEvent) &&
			c.CanConsume(hub.MsgCancelComposition) && c.CanConsume(hub.MsgCompleteComposition) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *InputMethodManager) handleList(msg *hub.Message) bool {
	imes := m.runningIMEs()
	ids := make([]uint32, len(imes))
	for i, c := range imes {
		ids[i] = c.ID
	}
	msg.ToReply(hub.Payload{Uint32: ids})
	return m.h.Dispatch(m, msg)
}

func (m *InputMethodManager) handleQueryActive(msg *hub.Message) bool {
	id := uint32(0)
	ok := false
	if c, present := m.current[msg.ICID]; present {
		id, ok = c.ID, true
	}
	msg.ToReply(hub.Payload{Bool: []bool{ok}, Uint32: []uint32{id}})
	return m.h.Dispatch(m, msg)
}

func (m *InputMethodManager) handleSwitchTo(msg *hub.Message) bool {
	if len(msg.Payload.Uint32) == 0 {
		if msg.ToErrorReply(hub.ErrInvalidPayload) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}
	target, ok := m.h.Registry().Get(msg.Payload.Uint32[0])
	if !ok {
		if msg.ToErrorReply(hub.ErrInvalidTarget) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}
	ic, ok := m.h.Context(msg.ICID)
	if !ok {
		if msg.ToErrorReply(hub.ErrInvalidInputContext) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}
	m.beginSwitch(ic, target)
	if msg.ReplyMode == hub.NeedReply {
		msg.ToReply(hub.Payload{Bool: []bool{true}})
		return m.h.Dispatch(m, msg)
	}
	return true
}

func (m *InputMethodManager) handleSwitchRelative(msg *hub.Message, dir int) bool {
	ic, ok := m.h.Context(msg.ICID)
	if !ok {
		if msg.ToErrorReply(hub.ErrInvalidInputContext) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}
	imes := m.runningIMEs()
	if len(imes) == 0 {
		if msg.ToErrorReply(hub.ErrNoActiveConsumer) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}
	idx := 0
	if cur, ok := m.current[ic.ID]; ok {
		for i, c := range imes {
			if c == cur {
				idx = i
				break
			}
		}
	}
	next := ((idx+dir)%len(imes) + len(imes)) % len(imes)
	target := imes[next]
	if dir < 0 {
		// SWITCH_TO_PREVIOUS_INPUT_METHOD returns to the IC's previous IME
		// when one is recorded and still running; otherwise it steps back
		// through the list.
		if prev, ok := m.previous[ic.ID]; ok {
			for _, c := range imes {
				if c == prev {
					target = prev
				}
			}
		}
	}
	m.beginSwitch(ic, target)
	if msg.ReplyMode == hub.NeedReply {
		msg.ToReply(hub.Payload{Uint32: []uint32{target.ID}})
		return m.h.Dispatch(m, msg)
	}
	return true
}

// beginSwitch implements spec §4.6 steps 1-2. If a switch is already
// pending for ic it is superseded: the messages queued on its cache are
// dropped, neither delivered nor answered.
func (m *InputMethodManager) beginSwitch(ic *hub.InputContext, target *hub.Component) {
	if old, ok := m.switches[ic.ID]; ok {
		old.cache.Drain()
	}

	s := &imeSwitch{
		target:        target,
		needActivated: true,
		cache:         newScopedMessageCache(ic.ID, switchingTypes),
	}
	if st := ic.State(target); st != hub.Passive && st != hub.Active && st != hub.ActiveSticky {
		s.needAttached = true
	}
	m.switches[ic.ID] = s

	cur, hasCur := m.current[ic.ID]
	if hasCur && cur.CanConsume(hub.MsgCancelComposition) {
		req := &hub.Message{
			Type:      hub.MsgCancelComposition,
			ReplyMode: hub.NeedReply,
			Source:    m.self.ID,
			Target:    cur.ID,
			ICID:      ic.ID,
			Serial:    m.h.NextSerial(),
		}
		m.h.Dispatch(m, req)
		return
	}
	m.requestTargetAttach(ic, s)
}

func (m *InputMethodManager) requestTargetAttach(ic *hub.InputContext, s *imeSwitch) {
	icm := m.icDelegate()
	if icm == nil {
		return
	}
	icm.RequestAttachToInputContext(ic, s.target, hub.Active, false)
}

// icDelegate locates the registered InputContextManager so switching can
// reuse its RequestAttachToInputContext handshake rather than duplicating
// the pending-state bookkeeping.
func (m *InputMethodManager) icDelegate() *InputContextManager {
	c, ok := m.h.Registry().GetByStringID("hub.input_context_manager")
	if !ok {
		return nil
	}
	if icm, ok := c.Connector.(*InputContextManager); ok {
		return icm
	}
	return nil
}

func (m *InputMethodManager) handleCancelCompositionReply(msg *hub.Message) bool {
	if msg.ReplyMode != hub.IsReply {
		return false
	}
	ic, ok := m.h.Context(msg.ICID)
	if !ok {
		return true
	}
	s, ok := m.switches[ic.ID]
	if !ok {
		return true
	}
	m.requestTargetAttach(ic, s)
	return true
}

// onConsumerChanged implements spec §4.6 step 3: clears the pending
// flags for the IC's in-flight switch (if any) and, once both are clear,
// finalizes the switch and flushes the cache.
func (m *InputMethodManager) onConsumerChanged(ic *hub.InputContext, activated *hub.Component, gainedTypes []hub.MessageType, lostConsumer map[*hub.Component][]hub.MessageType, changedTypes map[hub.MessageType]bool) {
	s, ok := m.switches[ic.ID]
	if !ok {
		return
	}
	if st := ic.State(s.target); st == hub.Passive || st == hub.Active || st == hub.ActiveSticky {
		s.needAttached = false
	}
	if activated == s.target {
		for _, t := range gainedTypes {
			if t == hub.MsgProcessKeyEvent {
				s.needActivated = false
			}
		}
	}
	if !s.settled() {
		return
	}
	delete(m.switches, ic.ID)
	if cur, ok := m.current[ic.ID]; ok {
		m.previous[ic.ID] = cur
	}
	m.current[ic.ID] = s.target
	m.broadcastOnIC(ic, hub.MsgInputMethodActivated, hub.Payload{Uint32: []uint32{s.target.ID}})

	for _, queued := range s.cache.Drain() {
		m.redispatch(queued)
	}
}

// redispatch re-enters Dispatch through a queued message's original
// source connector, not this manager's: the message was addressed to
// HotkeyManager or this manager by an ordinary
// component, and Dispatch's ownership check requires the connector that
// actually owns Source.
func (m *InputMethodManager) redispatch(msg *hub.Message) {
	src, ok := m.h.Registry().Get(msg.Source)
	if !ok {
		return
	}
	m.h.Dispatch(src.Connector, msg)
}

func (m *InputMethodManager) broadcastOnIC(ic *hub.InputContext, t hub.MessageType, payload hub.Payload) {
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
