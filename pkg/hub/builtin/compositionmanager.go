package builtin

import "github.com/inputhub/hub/pkg/hub"

// icComposition is the per-IC composition and candidate-list state
// tracked by CompositionManager (spec §4.8).
type icComposition struct {
	composition hub.Composition
	candidates  hub.CandidateList
	hasCandidates bool
	owner       uint32 // component that last called SET_CANDIDATE_LIST
}

// CompositionManager stores, per IC, the in-progress composition text
// and a candidate-list tree with a separately tracked selected sub-list,
// enforcing that only the tree's owner may change selection or
// visibility (original_source/src/client/ipc/hub_composition_manager.cc).
type CompositionManager struct {
	h    *hub.Hub
	self *hub.Component

	state map[uint32]*icComposition
}

func NewCompositionManager(h *hub.Hub) (*CompositionManager, error) {
	m := &CompositionManager{
		h:     h,
		state: make(map[uint32]*icComposition),
	}
	info := hub.ComponentInfo{
		StringID: "hub.composition_manager",
		Name:     "CompositionManager",
		Consume: []hub.MessageType{
			hub.MsgSetComposition, hub.MsgQueryComposition,
			hub.MsgSetCandidateList, hub.MsgSetSelectedCandidate,
			hub.MsgSetCandidateListVisibility, hub.MsgQueryCandidateList,
		},
		Produce: []hub.MessageType{
			hub.MsgCompositionChanged, hub.MsgCandidateListChanged,
			hub.MsgSelectedCandidateChanged, hub.MsgCandidateListVisibilityChanged,
		},
	}
	c, err := h.RegisterBuiltin(m, info)
	if err != nil {
		return nil, err
	}
	m.self = c
	return m, nil
}

func (m *CompositionManager) Attached() {}
func (m *CompositionManager) Detached() {}

func (m *CompositionManager) Send(msg *hub.Message) bool {
	switch msg.Type {
	case hub.MsgSetComposition:
		return m.handleSetComposition(msg)
	case hub.MsgQueryComposition:
		return m.handleQueryComposition(msg)
	case hub.MsgSetCandidateList:
		return m.handleSetCandidateList(msg)
	case hub.MsgSetSelectedCandidate:
		return m.handleSetSelected(msg)
	case hub.MsgSetCandidateListVisibility:
		return m.handleSetVisibility(msg)
	case hub.MsgQueryCandidateList:
		return m.handleQueryCandidateList(msg)
	}
	return false
}

func (m *CompositionManager) entry(icID uint32) *icComposition {
	s, ok := m.state[icID]
	if !ok {
		s = &icComposition{}
		m.state[icID] = s
	}
	return s
}

func (m *CompositionManager) checkAttached(msg *hub.Message) (*hub.InputContext, bool) {
	ic, ok := m.h.Context(msg.ICID)
	if !ok || ic.State(mustGet(m.h, msg.Source)) == hub.NotAttached {
		if msg.ToErrorReply(hub.ErrComponentNotAttached) {
			m.h.Dispatch(m, msg)
		}
		return nil, false
	}
	return ic, true
}

func (m *CompositionManager) handleSetComposition(msg *hub.Message) bool {
	ic, ok := m.checkAttached(msg)
	if !ok {
		return true
	}
	if msg.Payload.Composition == nil {
		if msg.ToErrorReply(hub.ErrInvalidPayload) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}
	m.entry(ic.ID).composition = *msg.Payload.Composition
	if msg.ReplyMode == hub.NeedReply {
		msg.ToReply(hub.Payload{})
		m.h.Dispatch(m, msg)
	}
	m.broadcastOnIC(ic, hub.MsgCompositionChanged, hub.Payload{Composition: msg.Payload.Composition})
	return true
}

func (m *CompositionManager) handleQueryComposition(msg *hub.Message) bool {
	ic, ok := m.h.Context(msg.ICID)
	if !ok {
		if msg.ToErrorReply(hub.ErrInvalidInputContext) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}
	comp := m.entry(ic.ID).composition
	msg.ToReply(hub.Payload{Composition: &comp})
	return m.h.Dispatch(m, msg)
}

func (m *CompositionManager) handleSetCandidateList(msg *hub.Message) bool {
	ic, ok := m.checkAttached(msg)
	if !ok {
		return true
	}
	if msg.Payload.CandidateList == nil {
		if msg.ToErrorReply(hub.ErrInvalidPayload) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}
	e := m.entry(ic.ID)
	e.candidates = *msg.Payload.CandidateList
	e.candidates.Owner = msg.Source
	e.hasCandidates = true
	e.owner = msg.Source

	if msg.ReplyMode == hub.NeedReply {
		msg.ToReply(hub.Payload{})
		m.h.Dispatch(m, msg)
	}
	m.broadcastOnIC(ic, hub.MsgCandidateListChanged, hub.Payload{CandidateList: &e.candidates})
	return true
}

func (m *CompositionManager) handleSetSelected(msg *hub.Message) bool {
	ic, ok := m.checkAttached(msg)
	if !ok {
		return true
	}
	e := m.entry(ic.ID)
	if !e.hasCandidates || e.owner != msg.Source || len(msg.Payload.Uint32) == 0 {
		if msg.ToErrorReply(hub.ErrInvalidSource) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}
	target, ok := findCandidateList(&e.candidates, msg.Payload.Uint32[0])
	if !ok {
		if msg.ToErrorReply(hub.ErrInvalidPayload) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}
	sel := 0
	if len(msg.Payload.Uint32) > 1 {
		sel = int(msg.Payload.Uint32[1])
	}
	target.Selected = sel

	if msg.ReplyMode == hub.NeedReply {
		msg.ToReply(hub.Payload{})
		m.h.Dispatch(m, msg)
	}
	m.broadcastOnIC(ic, hub.MsgSelectedCandidateChanged, hub.Payload{Uint32: []uint32{target.ID, uint32(sel)}})
	return true
}

func (m *CompositionManager) handleSetVisibility(msg *hub.Message) bool {
	ic, ok := m.checkAttached(msg)
	if !ok {
		return true
	}
	e := m.entry(ic.ID)
	if !e.hasCandidates || e.owner != msg.Source || len(msg.Payload.Bool) == 0 {
		if msg.ToErrorReply(hub.ErrInvalidSource) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}
	target := &e.candidates
	if len(msg.Payload.Uint32) > 0 {
		t, ok := findCandidateList(&e.candidates, msg.Payload.Uint32[0])
		if !ok {
			if msg.ToErrorReply(hub.ErrInvalidPayload) {
				return m.h.Dispatch(m, msg)
			}
			return true
		}
		target = t
	}
	target.Visible = msg.Payload.Bool[0]

	if msg.ReplyMode == hub.NeedReply {
		msg.ToReply(hub.Payload{})
		m.h.Dispatch(m, msg)
	}
	m.broadcastOnIC(ic, hub.MsgCandidateListVisibilityChanged, hub.Payload{Uint32: []uint32{target.ID}, Bool: []bool{target.Visible}})
	return true
}

func (m *CompositionManager) handleQueryCandidateList(msg *hub.Message) bool {
	ic, ok := m.h.Context(msg.ICID)
	if !ok {
		if msg.ToErrorReply(hub.ErrInvalidInputContext) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}
	e := m.entry(ic.ID)
	cl := e.candidates
	msg.ToReply(hub.Payload{CandidateList: &cl})
	return m.h.Dispatch(m, msg)
}


// findCandidateList searches root and its SubLists recursively for id.
func findCandidateList(root *hub.CandidateList, id uint32) (*hub.CandidateList, bool) {
	if root.ID == id {
		return root, true
	}
	for i := range root.SubLists {
		if found, ok := findCandidateList(&root.SubLists[i], id); ok {
			return found, true
		}
	}
	return nil, false
}

func (m *CompositionManager) broadcastOnIC(ic *hub.InputContext, t hub.MessageType, payload hub.Payload) {
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
