// Package builtin implements the hub's built-in sub-components:
// InputContextManager, HotkeyManager, InputMethodManager,
// CommandListManager, and CompositionManager. Each registers itself as
// an ordinary component during construction and handles its message
// catalogue through Send, exactly like any other connector — the only
// difference is that the "transport" is an in-process function call.
package builtin

import (
	"github.com/inputhub/hub/pkg/hub"
)

// InputContextManager services input-context lifecycle, attachment, and
// active-consumer control messages (spec §4.4).
type InputContextManager struct {
	h    *hub.Hub
	self *hub.Component
}

// NewInputContextManager constructs and registers the manager.
func NewInputContextManager(h *hub.Hub) (*InputContextManager, error) {
	m := &InputContextManager{h: h}
	info := hub.ComponentInfo{
		StringID: "hub.input_context_manager",
		Name:     "InputContextManager",
		Consume: []hub.MessageType{
			hub.MsgCreateInputContext, hub.MsgDeleteInputContext,
			hub.MsgAttachToInputContext, hub.MsgDetachFromInputContext,
			hub.MsgQueryInputContext, hub.MsgFocusInputContext, hub.MsgBlurInputContext,
			hub.MsgActivateComponent, hub.MsgAssignActiveConsumer,
			hub.MsgResignActiveConsumer, hub.MsgQueryActiveConsumer,
		},
		Produce: []hub.MessageType{
			hub.MsgInputContextCreated, hub.MsgInputContextDeleted,
			hub.MsgInputContextGotFocus, hub.MsgInputContextLostFocus,
			hub.MsgComponentAttached, hub.MsgComponentDetached,
			hub.MsgComponentActivated, hub.MsgComponentDeactivated,
			hub.MsgActiveConsumerChanged,
			// Sent as a fresh NEED_REPLY request to the switch target
			// during RequestAttachToInputContext (spec §4.6).
			hub.MsgAttachToInputContext,
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

func (m *InputContextManager) Attached() {}
func (m *InputContextManager) Detached() {}

// Send implements hub.Connector; it is called by Hub.Dispatch whenever a
// message targets this manager's component.
func (m *InputContextManager) Send(msg *hub.Message) bool {
	switch msg.Type {
	case hub.MsgCreateInputContext:
		return m.handleCreate(msg)
	case hub.MsgDeleteInputContext:
		return m.handleDelete(msg)
	case hub.MsgAttachToInputContext:
		return m.handleAttach(msg)
	case hub.MsgDetachFromInputContext:
		return m.handleDetach(msg)
	case hub.MsgQueryInputContext:
		return m.handleQuery(msg)
	case hub.MsgFocusInputContext:
		return m.handleFocus(msg)
	case hub.MsgBlurInputContext:
		return m.handleBlur(msg)
	case hub.MsgActivateComponent:
		return m.handleActivate(msg)
	case hub.MsgAssignActiveConsumer:
		return m.handleAssign(msg)
	case hub.MsgResignActiveConsumer:
		return m.handleResign(msg)
	case hub.MsgQueryActiveConsumer:
		return m.handleQueryActiveConsumer(msg)
	}
	return false
}

func (m *InputContextManager) handleCreate(msg *hub.Message) bool {
	owner, ok := m.h.Registry().Get(msg.Source)
	if !ok {
		if msg.ToErrorReply(hub.ErrInvalidSource) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}
	ic := m.h.CreateInputContext(owner)
	info := hub.InputContextInfo{ID: ic.ID, Owner: owner.ID}
	if msg.ReplyMode == hub.NeedReply {
		msg.ToReply(hub.Payload{InputContextInfo: &info})
		m.h.Dispatch(m, msg)
	}
	m.broadcastOnDefault(hub.MsgInputContextCreated, hub.Payload{InputContextInfo: &info})
	return true
}

func (m *InputContextManager) handleDelete(msg *hub.Message) bool {
	info := hub.InputContextInfo{ID: msg.ICID}
	ok := m.h.DeleteInputContext(msg.ICID)
	if msg.ReplyMode == hub.NeedReply {
		msg.ToReply(hub.Payload{Bool: []bool{ok}})
		m.h.Dispatch(m, msg)
	}
	if ok {
		m.broadcastOnDefault(hub.MsgInputContextDeleted, hub.Payload{InputContextInfo: &info})
	}
	return true
}

func (m *InputContextManager) handleAttach(msg *hub.Message) bool {
	ic, ok := m.h.Context(msg.ICID)
	if !ok {
		if msg.ToErrorReply(hub.ErrInvalidInputContext) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}

	if msg.ReplyMode == hub.IsReply {
		// This is the candidate's answer to a RequestAttachToInputContext
		// round trip we initiated: msg.Source is the candidate (reply
		// swapped source/target), payload carries the accept/reject bool.
		comp, ok := m.h.Registry().Get(msg.Source)
		if !ok {
			return true
		}
		accepted := len(msg.Payload.Bool) > 0 && msg.Payload.Bool[0]
		state := hub.Active
		if ic.State(comp) == hub.PendingPassive {
			state = hub.Passive
		}
		m.resolvePendingAttach(ic, comp, accepted, state)
		if accepted {
			m.broadcastOnIC(ic, hub.MsgComponentAttached, hub.Payload{Uint32: []uint32{comp.ID}})
		}
		return true
	}

	comp, ok := m.h.Registry().Get(msg.Source)
	if !ok {
		if msg.ToErrorReply(hub.ErrInvalidSource) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}
	target := hub.Passive
	if cur := ic.State(comp); cur == hub.PendingActive {
		target = hub.Active
	}
	if err := ic.AttachComponent(comp, target, false); err != nil {
		if msg.ToErrorReply(hub.ErrInvalidMessage) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}
	if msg.ReplyMode == hub.NeedReply {
		msg.ToReply(hub.Payload{Bool: []bool{true}})
		m.h.Dispatch(m, msg)
	}
	m.broadcastOnIC(ic, hub.MsgComponentAttached, hub.Payload{Uint32: []uint32{comp.ID}})
	return true
}

func (m *InputContextManager) handleDetach(msg *hub.Message) bool {
	ic, ok := m.h.Context(msg.ICID)
	if !ok {
		if msg.ToErrorReply(hub.ErrInvalidInputContext) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}
	comp, ok := m.h.Registry().Get(msg.Source)
	if !ok {
		if msg.ToErrorReply(hub.ErrInvalidSource) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}
	ic.DetachComponent(comp)
	if msg.ReplyMode == hub.NeedReply {
		msg.ToReply(hub.Payload{})
		m.h.Dispatch(m, msg)
	}
	m.broadcastOnIC(ic, hub.MsgComponentDetached, hub.Payload{Uint32: []uint32{comp.ID}})
	return true
}

func (m *InputContextManager) handleQuery(msg *hub.Message) bool {
	ic, ok := m.h.Context(msg.ICID)
	if !ok {
		if msg.ToErrorReply(hub.ErrInvalidInputContext) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}
	info := hub.InputContextInfo{ID: ic.ID, Owner: ic.Owner.ID, Focused: ic.ID == m.h.FocusedICID()}
	msg.ToReply(hub.Payload{InputContextInfo: &info})
	return m.h.Dispatch(m, msg)
}

func (m *InputContextManager) handleFocus(msg *hub.Message) bool {
	ic, ok := m.h.Context(msg.ICID)
	if !ok || ic.Owner.ID != msg.Source {
		if msg.ToErrorReply(hub.ErrInvalidSource) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}
	old := m.h.FocusedICID()
	m.h.Focus(msg.ICID)
	if msg.ReplyMode == hub.NeedReply {
		msg.ToReply(hub.Payload{})
		m.h.Dispatch(m, msg)
	}
	if oldIC, ok := m.h.Context(old); ok && old != msg.ICID {
		m.broadcastOnIC(oldIC, hub.MsgInputContextLostFocus, hub.Payload{Uint32: []uint32{old}})
	}
	m.broadcastOnIC(ic, hub.MsgInputContextGotFocus, hub.Payload{Uint32: []uint32{msg.ICID}})
	return true
}

func (m *InputContextManager) handleBlur(msg *hub.Message) bool {
	ic, ok := m.h.Context(msg.ICID)
	if !ok || ic.Owner.ID != msg.Source {
		if msg.ToErrorReply(hub.ErrInvalidSource) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}
	m.h.Focus(hub.DefaultICID)
	if msg.ReplyMode == hub.NeedReply {
		msg.ToReply(hub.Payload{})
		m.h.Dispatch(m, msg)
	}
	m.broadcastOnIC(ic, hub.MsgInputContextLostFocus, hub.Payload{Uint32: []uint32{msg.ICID}})
	return true
}

// handleActivate promotes a target component to ACTIVE on the IC. Only
// self-activation is allowed to implicitly attach; activating another
// component runs the RequestAttachToInputContext handshake.
func (m *InputContextManager) handleActivate(msg *hub.Message) bool {
	ic, ok := m.h.Context(msg.ICID)
	if !ok {
		if msg.ToErrorReply(hub.ErrInvalidInputContext) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}
	targetID := msg.Source
	if len(msg.Payload.Uint32) > 0 {
		targetID = msg.Payload.Uint32[0]
	}
	target, ok := m.h.Registry().Get(targetID)
	if !ok {
		if msg.ToErrorReply(hub.ErrInvalidTarget) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}

	allowImplicit := targetID == msg.Source
	ok = m.RequestAttachToInputContext(ic, target, hub.Active, allowImplicit)
	if msg.ReplyMode == hub.NeedReply {
		msg.ToReply(hub.Payload{Bool: []bool{ok}})
		m.h.Dispatch(m, msg)
	}
	return true
}

// RequestAttachToInputContext implements the handshake described in spec
// §4.4: a candidate that declares ATTACH_TO_INPUT_CONTEXT consume
// capability is asked for permission via a need-reply round trip; the
// manager promotes or detaches depending on the boolean reply. A
// candidate that cannot consume the attach message is attached
// implicitly only when allowImplicit is true.
func (m *InputContextManager) RequestAttachToInputContext(ic *hub.InputContext, target *hub.Component, state hub.AttachState, allowImplicit bool) bool {
	if !target.CanConsume(hub.MsgAttachToInputContext) {
		if !allowImplicit {
			return false
		}
		return ic.AttachComponent(target, state, false) == nil
	}

	pending := hub.PendingPassive
	if state == hub.Active || state == hub.ActiveSticky {
		pending = hub.PendingActive
	}
	if err := ic.AttachComponent(target, pending, false); err != nil {
		return false
	}

	req := &hub.Message{
		Type:      hub.MsgAttachToInputContext,
		ReplyMode: hub.NeedReply,
		Source:    m.self.ID,
		Target:    target.ID,
		ICID:      ic.ID,
		Serial:    m.h.NextSerial(),
	}
	m.h.Dispatch(m, req)
	return true
}

// resolvePendingAttach settles a pending attach once the candidate's
// reply to MsgAttachToInputContext arrives back at this manager: a
// refusal detaches the candidate, an acceptance attaches it in state.
func (m *InputContextManager) resolvePendingAttach(ic *hub.InputContext, comp *hub.Component, accepted bool, state hub.AttachState) {
	if !accepted {
		ic.DetachComponent(comp)
		return
	}
	ic.AttachComponent(comp, state, false)
}

func (m *InputContextManager) handleAssign(msg *hub.Message) bool {
	ic, ok := m.h.Context(msg.ICID)
	if !ok {
		if msg.ToErrorReply(hub.ErrInvalidInputContext) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}
	comp, ok := m.h.Registry().Get(msg.Source)
	if !ok || len(msg.Payload.Uint32) == 0 {
		if msg.ToErrorReply(hub.ErrInvalidPayload) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}
	t := hub.MessageType(msg.Payload.Uint32[0])
	err := ic.Assign(comp, t)
	if err != nil {
		if msg.ToErrorReply(hub.ErrComponentNotAttached) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}
	if msg.ReplyMode == hub.NeedReply {
		msg.ToReply(hub.Payload{})
		m.h.Dispatch(m, msg)
	}
	return true
}

func (m *InputContextManager) handleResign(msg *hub.Message) bool {
	ic, ok := m.h.Context(msg.ICID)
	if !ok {
		if msg.ToErrorReply(hub.ErrInvalidInputContext) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}
	comp, ok := m.h.Registry().Get(msg.Source)
	if !ok || len(msg.Payload.Uint32) == 0 {
		if msg.ToErrorReply(hub.ErrInvalidPayload) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}
	ic.Resign(comp, hub.MessageType(msg.Payload.Uint32[0]))
	if msg.ReplyMode == hub.NeedReply {
		msg.ToReply(hub.Payload{})
		m.h.Dispatch(m, msg)
	}
	return true
}

func (m *InputContextManager) handleQueryActiveConsumer(msg *hub.Message) bool {
	ic, ok := m.h.Context(msg.ICID)
	if !ok || len(msg.Payload.Uint32) == 0 {
		if msg.ToErrorReply(hub.ErrInvalidInputContext) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}
	t := hub.MessageType(msg.Payload.Uint32[0])
	consumer, ok := ic.GetActiveConsumer(t)
	id := uint32(0)
	if ok {
		id = consumer.ID
	}
	msg.ToReply(hub.Payload{Bool: []bool{ok}, Uint32: []uint32{id}})
	return m.h.Dispatch(m, msg)
}

// onConsumerChanged broadcasts COMPONENT_ACTIVATED / COMPONENT_DEACTIVATED
// / ACTIVE_CONSUMER_CHANGED, the IC-visible side effects of any
// attach/detach/resign/assign call (spec §4.3).
func (m *InputContextManager) onConsumerChanged(ic *hub.InputContext, activated *hub.Component, gainedTypes []hub.MessageType, lostConsumer map[*hub.Component][]hub.MessageType, changedTypes map[hub.MessageType]bool) {
	if activated != nil && len(gainedTypes) > 0 {
		u32 := make([]uint32, len(gainedTypes))
		for i, t := range gainedTypes {
			u32[i] = uint32(t)
		}
		m.broadcastOnIC(ic, hub.MsgComponentActivated, hub.Payload{Uint32: append([]uint32{activated.ID}, u32...)})
	}
	for comp, types := range lostConsumer {
		u32 := make([]uint32, len(types))
		for i, t := range types {
			u32[i] = uint32(t)
		}
		m.broadcastOnIC(ic, hub.MsgComponentDeactivated, hub.Payload{Uint32: append([]uint32{comp.ID}, u32...)})
	}
	if len(changedTypes) > 0 {
		u32 := make([]uint32, 0, len(changedTypes))
		for t := range changedTypes {
			u32 = append(u32, uint32(t))
		}
		m.broadcastOnIC(ic, hub.MsgActiveConsumerChanged, hub.Payload{Uint32: u32})
	}
}

func (m *InputContextManager) broadcastOnIC(ic *hub.InputContext, t hub.MessageType, payload hub.Payload) {
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

func (m *InputContextManager) broadcastOnDefault(t hub.MessageType, payload hub.Payload) {
	msg := &hub.Message{
		Type:      t,
		ReplyMode: hub.NoReply,
		Source:    m.self.ID,
		Target:    hub.BroadcastID,
		ICID:      hub.DefaultICID,
		Serial:    m.h.NextSerial(),
		Payload:   payload,
	}
	m.h.Dispatch(m, msg)
}
