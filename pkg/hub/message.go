// Package hub implements the IPC routing core: component and input-context
// lifecycle, the attach-state machine, active-consumer selection, and
// message dispatch between connectors.
//
// The Hub is single-threaded and cooperative: Dispatch, Attach, and Detach
// must all run on one logical goroutine. Transport implementations marshal
// onto that goroutine before calling in; the Hub applies no internal
// locking and is not safe for concurrent use.
package hub

// MessageType is a stable 32-bit tag identifying a message's semantics.
type MessageType uint32

// ReplyMode describes whether a message expects, is, or carries no reply.
type ReplyMode uint8

const (
	// NoReply means the message is fire-and-forget; no reply is expected
	// and none will be synthesized on error.
	NoReply ReplyMode = iota
	// NeedReply means the sender expects a reply; a failed dispatch
	// synthesizes an error reply rather than dropping silently.
	NeedReply
	// IsReply marks a message as itself a reply to an earlier NeedReply
	// message, correlated by Serial.
	IsReply
)

// Reserved component and input-context ids.
const (
	// DefaultComponentID is the synthetic source for messages with no
	// originating component (e.g. the hub itself).
	DefaultComponentID uint32 = 0

	// BroadcastID is a reserved target meaning "every eligible attached
	// consumer"; legal only when ReplyMode is NoReply.
	BroadcastID uint32 = 0xFFFFFFFF

	// DefaultICID is the id of the singleton input context that exists
	// for the hub's entire lifetime.
	DefaultICID uint32 = 0

	// FocusedICSentinel, used as Message.ICID, is replaced at Dispatch
	// entry with the currently focused input context's id.
	FocusedICSentinel uint32 = 0xFFFFFFFF
)

// Registry lifecycle messages.
const (
	MsgRegisterComponent MessageType = iota + 1
	MsgDeregisterComponent
	MsgQueryComponent
	MsgComponentCreated
	MsgComponentDeleted
	MsgComponentAttached
	MsgComponentDetached
)

// Input-context lifecycle messages.
const (
	MsgCreateInputContext MessageType = iota + 100
	MsgDeleteInputContext
	MsgQueryInputContext
	MsgFocusInputContext
	MsgBlurInputContext
	MsgInputContextCreated
	MsgInputContextDeleted
	MsgInputContextGotFocus
	MsgInputContextLostFocus
)

// Attachment messages.
const (
	MsgAttachToInputContext MessageType = iota + 200
	MsgDetachFromInputContext
	MsgDetachedFromInputContext
)

// Consumer-control messages.
const (
	MsgActivateComponent MessageType = iota + 300
	MsgAssignActiveConsumer
	MsgResignActiveConsumer
	MsgQueryActiveConsumer
	MsgRequestConsumer
	MsgComponentActivated
	MsgComponentDeactivated
	MsgActiveConsumerChanged
)

// Key messages.
const (
	MsgSendKeyEvent MessageType = iota + 400
	MsgProcessKeyEvent
)

// Hotkey messages.
const (
	MsgAddHotkeyList MessageType = iota + 500
	MsgRemoveHotkeyList
	MsgActivateHotkeyList
	MsgDeactivateHotkeyList
	MsgQueryActiveHotkeyList
	MsgCheckHotkeyConflict
	MsgActiveHotkeyListUpdated
)

// Command messages.
const (
	MsgSetCommandList MessageType = iota + 600
	MsgUpdateCommands
	MsgQueryCommandList
	MsgCommandListChanged
)

// Composition/candidate messages.
const (
	MsgSetComposition MessageType = iota + 700
	MsgQueryComposition
	MsgSetCandidateList
	MsgSetSelectedCandidate
	MsgSetCandidateListVisibility
	MsgQueryCandidateList
	MsgCompositionChanged
	MsgCandidateListChanged
	MsgSelectedCandidateChanged
	MsgCandidateListVisibilityChanged
)

// Input-method messages.
const (
	MsgListInputMethods MessageType = iota + 800
	MsgSwitchToInputMethod
	MsgSwitchToNextInputMethodInList
	MsgSwitchToPreviousInputMethod
	MsgQueryActiveInputMethod
	MsgCancelComposition
	MsgCompleteComposition
	MsgInputMethodActivated
)

// ErrorCode is a stable code carried in a reply's Error payload field.
type ErrorCode uint32

const (
	ErrNone ErrorCode = iota
	ErrInvalidSource
	ErrInvalidTarget
	ErrInvalidInputContext
	ErrInvalidReplyMode
	ErrInvalidPayload
	ErrInvalidMessage
	ErrSourceCanNotProduce
	ErrTargetCanNotConsume
	ErrComponentNotAttached
	ErrComponentNotFound
	ErrNoActiveConsumer
	ErrSendFailure
	ErrNotImplemented
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNone:
		return "NONE"
	case ErrInvalidSource:
		return "INVALID_SOURCE"
	case ErrInvalidTarget:
		return "INVALID_TARGET"
	case ErrInvalidInputContext:
		return "INVALID_INPUT_CONTEXT"
	case ErrInvalidReplyMode:
		return "INVALID_REPLY_MODE"
	case ErrInvalidPayload:
		return "INVALID_PAYLOAD"
	case ErrInvalidMessage:
		return "INVALID_MESSAGE"
	case ErrSourceCanNotProduce:
		return "SOURCE_CAN_NOT_PRODUCE"
	case ErrTargetCanNotConsume:
		return "TARGET_CAN_NOT_CONSUME"
	case ErrComponentNotAttached:
		return "COMPONENT_NOT_ATTACHED"
	case ErrComponentNotFound:
		return "COMPONENT_NOT_FOUND"
	case ErrNoActiveConsumer:
		return "NO_ACTIVE_CONSUMER"
	case ErrSendFailure:
		return "SEND_FAILURE"
	case ErrNotImplemented:
		return "NOT_IMPLEMENTED"
	default:
		return "UNKNOWN"
	}
}

// KeyEvent describes a single key press or release.
type KeyEvent struct {
	Code     uint32
	Shift    bool
	Control  bool
	Alt      bool
	Meta     bool
	IsKeyUp  bool
	IsModKey bool // true if Code itself names a modifier key
}

// Payload is the optional heterogeneous content carried by a Message.
// Only the fields relevant to a given MessageType are populated; the
// rest are left at their zero value.
type Payload struct {
	Uint32 []uint32
	Bool   []bool
	String []string

	ComponentInfo     *ComponentInfo
	InputContextInfo  *InputContextInfo
	CommandList       *CommandList
	HotkeyList        *HotkeyList
	Composition       *Composition
	CandidateList     *CandidateList
	Key               *KeyEvent
	Error             ErrorCode
	ErrorText         string

	// Raw carries a loosely-typed query template for callers that build
	// QUERY_COMPONENT templates dynamically (e.g. from a config file or
	// script) rather than constructing a ComponentInfo by hand; the hub
	// decodes it with mapstructure before matching (spec §4.2).
	Raw map[string]interface{}
}

// Message is the unit of exchange between the Hub and connectors. Once
// passed to Dispatch it is owned by the Hub until delivered, cloned for
// broadcast, or converted in place into an error reply.
type Message struct {
	Type      MessageType
	ReplyMode ReplyMode
	Source    uint32
	Target    uint32
	ICID      uint32
	Serial    uint64
	Payload   Payload
}

// Clone returns a deep-enough copy of m suitable for per-recipient
// broadcast fan-out: payload slices are copied so recipients cannot
// observe each other's mutations.
func (m *Message) Clone() *Message {
	c := *m
	if m.Payload.Uint32 != nil {
		c.Payload.Uint32 = append([]uint32(nil), m.Payload.Uint32...)
	}
	if m.Payload.Bool != nil {
		c.Payload.Bool = append([]bool(nil), m.Payload.Bool...)
	}
	if m.Payload.String != nil {
		c.Payload.String = append([]string(nil), m.Payload.String...)
	}
	return &c
}

// ToErrorReply converts m in place into an error reply: source/target are
// swapped, ReplyMode becomes IsReply, and the payload is replaced with the
// given error code. Serial is preserved so the original sender can
// correlate it. Returns false (does nothing) if the original message's
// ReplyMode was not NeedReply, per spec: error replies are suppressed for
// messages that did not ask for one.
func (m *Message) ToErrorReply(code ErrorCode) bool {
	if m.ReplyMode != NeedReply {
		return false
	}
	m.Source, m.Target = m.Target, m.Source
	m.ReplyMode = IsReply
	m.Payload = Payload{Error: code}
	return true
}

// ToReply converts m in place into a successful reply carrying the given
// payload, preserving Serial. Unlike ToErrorReply this is unconditional:
// callers only invoke it once they have already verified NeedReply.
func (m *Message) ToReply(payload Payload) {
	m.Source, m.Target = m.Target, m.Source
	m.ReplyMode = IsReply
	m.Payload = payload
}
