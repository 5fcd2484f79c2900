package hub

// Connector is the abstract bidirectional transport endpoint. The Hub
// routes exclusively through connectors: it never touches sockets, pipes,
// or shared memory directly (spec §1 places wire transport out of scope).
type Connector interface {
	// Send delivers msg to whatever sits behind this connector. The
	// return value is advisory only, in the same sense as Dispatch's:
	// true means the connector took responsibility for msg (including
	// any reply), false means the send failed and the Hub should
	// synthesize an error reply for NeedReply messages.
	Send(msg *Message) bool

	// Attached is called synchronously from Hub.Attach once the
	// connector is registered.
	Attached()

	// Detached is called synchronously from Hub.Detach, after every
	// component the connector owned has been torn down.
	Detached()
}

// ComponentInfo describes a component's identity and capabilities. It is
// both the registration record and the query/template record used by
// MatchInfoTemplate (spec §4.2): a zero-valued field in a query means
// "don't care".
type ComponentInfo struct {
	ID          uint32        `structs:"id" mapstructure:"id"`
	StringID    string        `structs:"string_id" mapstructure:"string_id"`
	Name        string        `structs:"name" mapstructure:"name"`
	Description string        `structs:"description" mapstructure:"description"`
	Languages   []string      `structs:"languages" mapstructure:"languages"`
	Produce     []MessageType `structs:"-" mapstructure:"produce"`
	Consume     []MessageType `structs:"-" mapstructure:"consume"`
}

// Component is a registered hub participant: an application, an input
// method, a UI surface, or a built-in sub-component. Its Connector field
// is a weak reference — the component does not own the connector's
// lifetime, the connector owns the component's.
type Component struct {
	ID          uint32
	StringID    string
	Name        string
	Description string
	Languages   []string

	produce map[MessageType]bool
	consume map[MessageType]bool

	Connector Connector

	hotkeyLists map[uint32]*HotkeyList

	attachedICs map[uint32]bool
}

func newComponent(info ComponentInfo, conn Connector) *Component {
	c := &Component{
		ID:          info.ID,
		StringID:    info.StringID,
		Name:        info.Name,
		Description: info.Description,
		Languages:   append([]string(nil), info.Languages...),
		Connector:   conn,
		produce:     make(map[MessageType]bool, len(info.Produce)),
		consume:     make(map[MessageType]bool, len(info.Consume)),
		hotkeyLists: make(map[uint32]*HotkeyList),
		attachedICs: make(map[uint32]bool),
	}
	for _, t := range info.Produce {
		c.produce[t] = true
	}
	for _, t := range info.Consume {
		c.consume[t] = true
	}
	return c
}

// CanProduce reports whether the component declared produce-capability
// for t.
func (c *Component) CanProduce(t MessageType) bool { return c.produce[t] }

// CanConsume reports whether the component declared consume-capability
// for t.
func (c *Component) CanConsume(t MessageType) bool { return c.consume[t] }

// HotkeyLists exposes the component's owned hotkey lists, keyed by list
// id, for ADD_HOTKEY_LIST/REMOVE_HOTKEY_LIST to mutate directly.
func (c *Component) HotkeyLists() map[uint32]*HotkeyList { return c.hotkeyLists }

// AttachedICIDs returns the ids of every input context c currently
// appears in the attachment map of, in no particular order.
func (c *Component) AttachedICIDs() []uint32 {
	out := make([]uint32, 0, len(c.attachedICs))
	for id := range c.attachedICs {
		out = append(out, id)
	}
	return out
}

// Info returns a snapshot ComponentInfo for query replies.
func (c *Component) Info() ComponentInfo {
	info := ComponentInfo{
		ID:          c.ID,
		StringID:    c.StringID,
		Name:        c.Name,
		Description: c.Description,
		Languages:   append([]string(nil), c.Languages...),
	}
	for t := range c.produce {
		info.Produce = append(info.Produce, t)
	}
	for t := range c.consume {
		info.Consume = append(info.Consume, t)
	}
	return info
}

// HotkeyList is a named, ordered set of hotkeys owned by a component.
type HotkeyList struct {
	ID      uint32
	Name    string
	Hotkeys []Hotkey
}

// Hotkey binds a (keycode, modifier mask, up-flag) to a set of messages
// dispatched to the owning component when matched.
type Hotkey struct {
	KeyCode     uint32
	Shift       bool
	Control     bool
	Alt         bool
	Meta        bool
	OnKeyUp     bool
	ActionTypes []MessageType
}

// CommandList is a per-(IC, component) tree of commands, broadcast on
// change as MsgCommandListChanged.
type CommandList struct {
	Owner    uint32
	Commands []Command
}

// Command is a node in a CommandList's tree; SubCommands implement the
// nested tree structure UPDATE_COMMANDS patches recursively.
type Command struct {
	ID          uint32
	Title       string
	Enabled     bool
	Owner       uint32
	SubCommands []Command
}

// Composition holds the in-progress composition text for an IC.
type Composition struct {
	Text    string
	Cursor  int
	Visible bool
}

// CandidateList is a tree of candidate groups; each node may itself
// contain sub-lists (spec §4.8, scenario 5).
type CandidateList struct {
	ID        uint32
	Owner     uint32
	Candidates []string
	Selected  int
	Visible   bool
	SubLists  []CandidateList
}

// InputContextInfo is a query-reply snapshot of an InputContext.
type InputContextInfo struct {
	ID      uint32
	Owner   uint32
	Focused bool
}
