package builtin

import "github.com/inputhub/hub/pkg/hub"

// commandListKey identifies one (IC, component) pair's stored command
// list (spec §4.7).
type commandListKey struct {
	icID uint32
	comp uint32
}

// CommandListManager stores the last CommandList each attached
// component declared via SET_COMMAND_LIST per IC, and answers
// UPDATE_COMMANDS/QUERY_COMMAND_LIST against that store
// (original_source/src/client/ipc/hub_command_list_manager.cc).
type CommandListManager struct {
	h    *hub.Hub
	self *hub.Component

	lists map[commandListKey]*hub.CommandList
	order map[uint32][]uint32 // icID -> component ids, first-seen order
}

func NewCommandListManager(h *hub.Hub) (*CommandListManager, error) {
	m := &CommandListManager{
		h:     h,
		lists: make(map[commandListKey]*hub.CommandList),
		order: make(map[uint32][]uint32),
	}
	info := hub.ComponentInfo{
		StringID: "hub.command_list_manager",
		Name:     "CommandListManager",
		Consume: []hub.MessageType{
			hub.MsgSetCommandList, hub.MsgUpdateCommands, hub.MsgQueryCommandList,
		},
		Produce: []hub.MessageType{
			hub.MsgCommandListChanged,
		},
	}
	c, err := h.RegisterBuiltin(m, info)
	if err != nil {
		return nil, err
	}
	m.self = c
	return m, nil
}

func (m *CommandListManager) Attached() {}
func (m *CommandListManager) Detached() {}

func (m *CommandListManager) Send(msg *hub.Message) bool {
	switch msg.Type {
	case hub.MsgSetCommandList:
		return m.handleSet(msg)
	case hub.MsgUpdateCommands:
		return m.handleUpdate(msg)
	case hub.MsgQueryCommandList:
		return m.handleQuery(msg)
	}
	return false
}

func (m *CommandListManager) checkAttached(msg *hub.Message) (*hub.InputContext, bool) {
	ic, ok := m.h.Context(msg.ICID)
	if !ok || ic.State(mustGet(m.h, msg.Source)) == hub.NotAttached {
		if msg.ToErrorReply(hub.ErrComponentNotAttached) {
			m.h.Dispatch(m, msg)
		}
		return nil, false
	}
	return ic, true
}

func (m *CommandListManager) handleSet(msg *hub.Message) bool {
	ic, ok := m.checkAttached(msg)
	if !ok {
		return true
	}
	if msg.Payload.CommandList == nil {
		if msg.ToErrorReply(hub.ErrInvalidPayload) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}

	key := commandListKey{icID: ic.ID, comp: msg.Source}
	list := *msg.Payload.CommandList
	list.Owner = msg.Source
	tagOwner(list.Commands, msg.Source)
	m.lists[key] = &list
	m.recordOrder(ic.ID, msg.Source)

	if msg.ReplyMode == hub.NeedReply {
		msg.ToReply(hub.Payload{})
		m.h.Dispatch(m, msg)
	}
	m.broadcastChanged(ic, map[uint32]bool{msg.Source: true})
	return true
}

func (m *CommandListManager) handleUpdate(msg *hub.Message) bool {
	ic, ok := m.checkAttached(msg)
	if !ok {
		return true
	}
	key := commandListKey{icID: ic.ID, comp: msg.Source}
	list, ok := m.lists[key]
	if !ok || msg.Payload.CommandList == nil {
		if msg.ToErrorReply(hub.ErrInvalidPayload) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}

	changed := false
	for _, patch := range msg.Payload.CommandList.Commands {
		if updateCommandTree(list.Commands, patch) {
			changed = true
		}
	}

	if msg.ReplyMode == hub.NeedReply {
		msg.ToReply(hub.Payload{Bool: []bool{changed}})
		m.h.Dispatch(m, msg)
	}
	if changed {
		m.broadcastChanged(ic, map[uint32]bool{msg.Source: true})
	}
	return true
}

// updateCommandTree recursively searches commands (and their
// sub-command trees) for patch.ID, replacing the matching node in
// place while preserving Owner, and returns whether a match was found.
func updateCommandTree(commands []hub.Command, patch hub.Command) bool {
	for i := range commands {
		if commands[i].ID == patch.ID {
			owner := commands[i].Owner
			sub := commands[i].SubCommands
			commands[i] = patch
			commands[i].Owner = owner
			if patch.SubCommands == nil {
				commands[i].SubCommands = sub
			} else {
				tagOwner(commands[i].SubCommands, owner)
			}
			return true
		}
		if updateCommandTree(commands[i].SubCommands, patch) {
			return true
		}
	}
	return false
}

// tagOwner recursively sets owner as the Owner of every command in
// commands and its nested SubCommands
// (original_source/src/client/ipc/hub_command_list_manager.cc's
// SetCommandListOwner).
func tagOwner(commands []hub.Command, owner uint32) {
	for i := range commands {
		commands[i].Owner = owner
		tagOwner(commands[i].SubCommands, owner)
	}
}

func (m *CommandListManager) handleQuery(msg *hub.Message) bool {
	ic, ok := m.h.Context(msg.ICID)
	if !ok {
		if msg.ToErrorReply(hub.ErrInvalidInputContext) {
			return m.h.Dispatch(m, msg)
		}
		return true
	}
	aggregate := m.aggregate(ic.ID)
	msg.ToReply(hub.Payload{CommandList: aggregate})
	return m.h.Dispatch(m, msg)
}

// aggregate concatenates the top-level commands of every component's
// command list for icID, in the order the components first set a list,
// into one CommandList owned by DefaultComponentID; there is no
// per-component grouping node, and each command keeps the owner tag it
// was stored with (spec §4.7).
func (m *CommandListManager) aggregate(icID uint32) *hub.CommandList {
	agg := &hub.CommandList{Owner: hub.DefaultComponentID}
	for _, compID := range m.order[icID] {
		list, ok := m.lists[commandListKey{icID: icID, comp: compID}]
		if !ok {
			continue
		}
		agg.Commands = append(agg.Commands, list.Commands...)
	}
	return agg
}

func (m *CommandListManager) recordOrder(icID, compID uint32) {
	for _, id := range m.order[icID] {
		if id == compID {
			return
		}
	}
	m.order[icID] = append(m.order[icID], compID)
}

func (m *CommandListManager) broadcastChanged(ic *hub.InputContext, changedOwners map[uint32]bool) {
	agg := m.aggregate(ic.ID)
	owners := m.order[ic.ID]
	changed := make([]bool, len(owners))
	for i, id := range owners {
		changed[i] = changedOwners[id]
	}
	msg := &hub.Message{
		Type:      hub.MsgCommandListChanged,
		ReplyMode: hub.NoReply,
		Source:    m.self.ID,
		Target:    hub.BroadcastID,
		ICID:      ic.ID,
		Serial:    m.h.NextSerial(),
		Payload:   hub.Payload{CommandList: agg, Bool: changed},
	}
	m.h.Dispatch(m, msg)
}
