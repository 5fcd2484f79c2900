package hub

import (
	"time"

	"github.com/expr-lang/expr/vm"
	"github.com/gofrs/uuid/v5"

	"github.com/inputhub/hub/pkg/hub/monitoring"
	"github.com/inputhub/hub/pkg/hub/observability"
)

// Config configures a Hub at construction time. There is no file-based
// configuration in scope — process spawn and transport setup are an
// explicit non-goal (spec §1) — so Config is passed directly by the
// embedding process.
type Config struct {
	// Metrics receives dispatch/rejection/broadcast counters. Defaults
	// to a no-op implementation when nil.
	Metrics monitoring.DispatchMetrics
	// Reporter receives panics recovered from a connector's Send; the
	// Hub reports nothing else to it. Defaults to a discarding reporter
	// when nil.
	Reporter observability.ErrorReporter
}

type connectorRecord struct {
	attached bool
	owned    map[uint32]bool
}

type consumerChangedHook func(ic *InputContext, activated *Component, gainedTypes []MessageType, lostConsumer map[*Component][]MessageType, changedTypes map[MessageType]bool)
type requestConsumerHook func(ic *InputContext, t MessageType, requester *Component)

// Hub is the single-threaded message broker described by spec §2. It is
// not safe for concurrent use: Dispatch, Attach, and Detach must all run
// on one logical goroutine (spec §5).
type Hub struct {
	registry *ComponentRegistry
	contexts map[uint32]*InputContext
	nextICID uint32

	focusedICID uint32

	connectors map[Connector]*connectorRecord

	defaultComponent *Component
	defaultConnector Connector

	serial uint64

	metrics  monitoring.DispatchMetrics
	reporter observability.ErrorReporter

	// consumerChangedHooks/requestConsumerHooks let built-in sub-components
	// observe IC-level events without the Hub needing to know about any of
	// them concretely. Several built-ins install a hook each (the
	// InputContextManager for broadcast emission, the HotkeyManager for
	// previous-key-event resets, the InputMethodManager for switch
	// detection); the fixed, small built-in count keeps a plain slice
	// cheaper and simpler than a pub/sub registry.
	consumerChangedHooks []consumerChangedHook
	requestConsumerHooks []requestConsumerHook
}

// hubConnector backs the Hub's own synthetic default component. Nothing
// is ever delivered to it: REGISTER_COMPONENT/DEREGISTER_COMPONENT are
// serviced directly by Dispatch before any routing decision is made, and
// no other message type targets component 0.
type hubConnector struct{}

func (hubConnector) Send(msg *Message) bool { return true }
func (hubConnector) Attached()              {}
func (hubConnector) Detached()              {}

// NewHub constructs a Hub with its default input context and synthetic
// default component already in place.
func NewHub(cfg Config) *Hub {
	if cfg.Metrics == nil {
		cfg.Metrics = monitoring.NoOpMetrics{}
	}
	if cfg.Reporter == nil {
		cfg.Reporter = observability.NoOpReporter{}
	}

	h := &Hub{
		registry:    newComponentRegistry(),
		contexts:    make(map[uint32]*InputContext),
		nextICID:    1,
		focusedICID: DefaultICID,
		connectors:  make(map[Connector]*connectorRecord),
		metrics:     cfg.Metrics,
		reporter:    cfg.Reporter,
	}

	dc := hubConnector{}
	h.defaultConnector = dc
	h.connectors[dc] = &connectorRecord{attached: true, owned: map[uint32]bool{DefaultComponentID: true}}

	info := ComponentInfo{ID: DefaultComponentID, StringID: "hub.default", Name: "hub"}
	comp := newComponent(info, dc)
	h.registry.byID[DefaultComponentID] = comp
	h.registry.byStringID[info.StringID] = comp
	h.registry.nextID = 1
	h.defaultComponent = comp

	defaultIC := newInputContext(DefaultICID, comp, h)
	defaultIC.attach[comp] = newComponentState(ActiveSticky, true)
	defaultIC.order = append(defaultIC.order, comp)
	h.contexts[DefaultICID] = defaultIC

	return h
}

// AddConsumerChangedHook installs a callback invoked whenever any IC's
// active-consumer assignment changes. Built-in sub-components that must
// react to activation/deactivation (HotkeyManager, InputMethodManager,
// InputContextManager's broadcast emission) each install one at
// construction time.
func (h *Hub) AddConsumerChangedHook(fn consumerChangedHook) {
	h.consumerChangedHooks = append(h.consumerChangedHooks, fn)
}

// AddRequestConsumerHook installs a callback invoked when
// SetMessagesNeedConsumer finds a message type with no attached consumer
// at all.
func (h *Hub) AddRequestConsumerHook(fn requestConsumerHook) {
	h.requestConsumerHooks = append(h.requestConsumerHooks, fn)
}

// Attach registers conn with the Hub so it may call Dispatch and receive
// messages. It must be called before Dispatch(conn, ...) is accepted.
func (h *Hub) Attach(conn Connector) {
	if _, ok := h.connectors[conn]; ok {
		return
	}
	h.connectors[conn] = &connectorRecord{attached: true, owned: make(map[uint32]bool)}
	conn.Attached()
}

// Detach synchronously destroys every component conn owns, removing them
// from every IC's attachment map, then invokes conn.Detached().
func (h *Hub) Detach(conn Connector) {
	rec, ok := h.connectors[conn]
	if !ok {
		return
	}
	owned := make([]uint32, 0, len(rec.owned))
	for id := range rec.owned {
		owned = append(owned, id)
	}
	for _, id := range owned {
		h.destroyComponent(id)
	}
	delete(h.connectors, conn)
	conn.Detached()
}

func (h *Hub) nextSerial() uint64 {
	h.serial++
	return h.serial
}

// NextSerial returns a new hub-assigned serial, used by built-ins that
// must correlate a re-emitted message with its original (HotkeyManager's
// SEND_KEY_EVENT -> PROCESS_KEY_EVENT rewrite).
func (h *Hub) NextSerial() uint64 { return h.nextSerial() }

// Close tears the hub down: every attached connector is detached, which
// cascades through destroyComponent for everything it owns. Built-ins
// that hold a scoped-message-cache guard must drop it rather than flush
// it here — re-entrant dispatch during teardown is not safe (spec.md §9,
// Open Question 3; this diverges intentionally from the original
// flush-on-destroy behavior).
func (h *Hub) Close() {
	conns := make([]Connector, 0, len(h.connectors))
	for conn := range h.connectors {
		if conn == h.defaultConnector {
			continue
		}
		conns = append(conns, conn)
	}
	for _, conn := range conns {
		h.Detach(conn)
	}
}

// RegisterBuiltin creates a built-in component owned by conn, attached to
// the default IC as ACTIVE_STICKY + persistent (spec §4.2). Built-in
// sub-components call this once during Hub construction, bypassing the
// MSG_REGISTER_COMPONENT wire protocol since they are wired in-process.
func (h *Hub) RegisterBuiltin(conn Connector, info ComponentInfo) (*Component, error) {
	h.Attach(conn)
	c, err := h.registry.CreateComponent(conn, info)
	if err != nil {
		return nil, err
	}
	h.connectors[conn].owned[c.ID] = true
	defaultIC := h.contexts[DefaultICID]
	_ = defaultIC.AttachComponent(c, ActiveSticky, true)
	return c, nil
}

// FocusedICID returns the id of the currently focused input context.
func (h *Hub) FocusedICID() uint32 { return h.focusedICID }

// Focus moves focus to ic, returning false if ic does not exist. The
// previously focused IC is blurred (spec §4.1 scenario 2).
func (h *Hub) Focus(icID uint32) bool {
	if _, ok := h.contexts[icID]; !ok {
		return false
	}
	h.focusedICID = icID
	return true
}

// Context returns the InputContext with the given id.
func (h *Hub) Context(id uint32) (*InputContext, bool) {
	ic, ok := h.contexts[id]
	return ic, ok
}

// Registry exposes the ComponentRegistry for built-ins that need to
// enumerate or look up components directly.
func (h *Hub) Registry() *ComponentRegistry { return h.registry }

// CreateInputContext creates a new non-default IC owned by owner.
func (h *Hub) CreateInputContext(owner *Component) *InputContext {
	id := h.nextICID
	h.nextICID++
	ic := newInputContext(id, owner, h)
	ic.attach[owner] = newComponentState(ActiveSticky, true)
	ic.order = append(ic.order, owner)
	h.contexts[id] = ic
	return ic
}

// DeleteInputContext destroys a non-default IC.
func (h *Hub) DeleteInputContext(id uint32) bool {
	if id == DefaultICID {
		return false
	}
	if _, ok := h.contexts[id]; !ok {
		return false
	}
	delete(h.contexts, id)
	if h.focusedICID == id {
		h.focusedICID = DefaultICID
	}
	return true
}

// destroyComponent tears c down uniformly regardless of how it was
// triggered — MSG_DEREGISTER_COMPONENT, a connector disconnecting, or
// Hub.Close — broadcasting MsgComponentDetached on every IC c was
// attached to and MsgComponentDeleted globally once it is gone (spec.md
// "on success it broadcasts COMPONENT_DELETED (and, per IC,
// COMPONENT_DETACHED)"), so anything watching for a component's
// disappearance (e.g. HotkeyManager flushing pending replies) observes
// it the same way no matter which path destroyed the component.
func (h *Hub) destroyComponent(id uint32) {
	c, ok := h.registry.Get(id)
	if !ok {
		return
	}
	info := c.Info()
	for _, ic := range h.contexts {
		if _, attached := ic.attach[c]; attached {
			ic.detachInternal(c)
			h.broadcastComponentDetached(ic, id)
		}
	}
	for icID, ic := range h.contexts {
		if ic.Owner == c && icID != DefaultICID {
			h.DeleteInputContext(icID)
		}
	}
	h.registry.DeleteComponent(id)
	h.broadcastSystem(MsgComponentDeleted, info)
}

// broadcastComponentDetached announces on ic that the component
// identified by id is no longer attached.
func (h *Hub) broadcastComponentDetached(ic *InputContext, id uint32) {
	msg := &Message{
		Type:      MsgComponentDetached,
		ReplyMode: NoReply,
		Source:    DefaultComponentID,
		Target:    BroadcastID,
		ICID:      ic.ID,
		Serial:    h.nextSerial(),
		Payload:   Payload{Uint32: []uint32{id}},
	}
	h.broadcast(ic, h.defaultComponent, msg)
}

// --- ICDelegate implementation -------------------------------------------------

// OnConsumerChanged implements ICDelegate, recording each changed type
// with the metrics and forwarding to whichever built-in installed the hook.
func (h *Hub) OnConsumerChanged(ic *InputContext, activated *Component, gainedTypes []MessageType, lostConsumer map[*Component][]MessageType, changedTypes map[MessageType]bool) {
	for t := range changedTypes {
		h.metrics.ObserveActiveConsumerChange(uint32(t))
	}
	for _, hook := range h.consumerChangedHooks {
		hook(ic, activated, gainedTypes, lostConsumer, changedTypes)
	}
}

// RequestConsumer implements ICDelegate.
func (h *Hub) RequestConsumer(ic *InputContext, t MessageType, requester *Component) {
	for _, hook := range h.requestConsumerHooks {
		hook(ic, t, requester)
	}
}

// ConsiderAutoDetach implements ICDelegate: a non-persistent component
// that just lost its last active-consumer role on ic is detached
// unconditionally. Built-in components are always persistent (spec
// invariant I3) so this path never reaches them.
func (h *Hub) ConsiderAutoDetach(ic *InputContext, c *Component) {
	ic.detachInternal(c)
}

// --- Dispatch -------------------------------------------------------------

// Dispatch routes msg from connector, which must already be attached
// (spec §4.1). The return value mirrors the original protocol: true means
// the Hub took responsibility for msg (including delivering or
// suppressing any reply), false means the caller's connector is not
// attached and msg was entirely rejected.
func (h *Hub) Dispatch(connector Connector, msg *Message) bool {
	rec, ok := h.connectors[connector]
	if !ok || !rec.attached {
		return false
	}

	if msg.ICID == FocusedICSentinel {
		msg.ICID = h.focusedICID
	}

	if msg.Source == BroadcastID {
		h.reject(connector, msg, ErrInvalidSource)
		return true
	}

	if msg.Type == MsgRegisterComponent {
		h.handleRegisterComponent(connector, rec, msg)
		return true
	}
	if msg.Type == MsgDeregisterComponent {
		h.handleDeregisterComponent(connector, rec, msg)
		return true
	}

	source, ok := h.registry.Get(msg.Source)
	if !ok || !rec.owned[msg.Source] {
		h.reject(connector, msg, ErrInvalidSource)
		return true
	}

	if !mayProduce(source, msg) {
		h.reject(connector, msg, ErrSourceCanNotProduce)
		return true
	}

	if msg.Type == MsgQueryComponent {
		h.handleQueryComponent(connector, msg)
		return true
	}

	ic, ok := h.contexts[msg.ICID]
	if !ok {
		h.reject(connector, msg, ErrInvalidInputContext)
		return true
	}

	if msg.Target == BroadcastID {
		if msg.ReplyMode != NoReply {
			h.reject(connector, msg, ErrInvalidReplyMode)
			return true
		}
		h.broadcast(ic, source, msg)
		h.metrics.ObserveBroadcast(uint32(msg.Type))
		return true
	}

	target, ok := h.registry.Get(msg.Target)
	if !ok {
		h.reject(connector, msg, ErrInvalidTarget)
		return true
	}
	if !mayConsume(target, msg) {
		h.reject(connector, msg, ErrTargetCanNotConsume)
		return true
	}

	if h.deliver(target, msg) {
		h.metrics.ObserveDispatch(uint32(msg.Type))
	}
	return true
}

// mayProduce and mayConsume decide the source/target validity checks in
// Dispatch's ladder. A reply message travels with the same Type as the
// request it answers, so the roles invert: the component replying must
// be able to consume the request it is answering, and the original
// requester must be able to produce the request it sent, not consume
// it (original_source/client/ipc/hub_impl.cc CanComponentProduce/
// CanComponentConsume).
func mayProduce(c *Component, msg *Message) bool {
	if msg.ReplyMode == IsReply {
		return c.CanConsume(msg.Type)
	}
	return c.CanProduce(msg.Type)
}

func mayConsume(c *Component, msg *Message) bool {
	if msg.ReplyMode == IsReply {
		return c.CanProduce(msg.Type)
	}
	return c.CanConsume(msg.Type)
}

// reject synthesizes and delivers an error reply to the original sender
// when msg.ReplyMode is NeedReply; otherwise it is dropped silently
// (spec §7).
func (h *Hub) reject(connector Connector, msg *Message, code ErrorCode) {
	h.metrics.ObserveRejection(uint32(msg.Type), code.String())
	if !msg.ToErrorReply(code) {
		return
	}
	h.safeSend(connector, msg)
}

// DeliverAction delivers a hub-synthesized action message directly to
// targetID, bypassing the normal source/produce validation ladder. It
// exists for built-ins translating an arbitrary, owner-declared value
// (a hotkey's ActionTypes) into a message send: the type being delivered
// is not one the translating built-in itself declares Produce-capability
// for, and could not be declared generically since it is chosen by each
// hotkey list's owner, not fixed by the built-in's own message catalogue.
func (h *Hub) DeliverAction(targetID uint32, msg *Message) bool {
	target, ok := h.registry.Get(targetID)
	if !ok {
		return false
	}
	h.deliver(target, msg)
	return true
}

// deliver hands msg to target's connector, recovering from panics (a
// misbehaving connector must not take the single-threaded dispatch loop
// down with it) and reporting the failure to observability. It reports
// whether target's connector accepted msg.
func (h *Hub) deliver(target *Component, msg *Message) bool {
	ok := h.safeSend(target.Connector, msg)
	if !ok && msg.ReplyMode == NeedReply {
		msg.ToErrorReply(ErrSendFailure)
		if src, srcOK := h.registry.Get(msg.Target); srcOK {
			h.safeSend(src.Connector, msg)
		}
	}
	return ok
}

// newTraceID generates a correlation id for one reported dispatch failure.
// A generation failure (exhausted entropy source) degrades to an empty
// TraceID rather than blocking the recover() path.
func newTraceID() string {
	id, err := uuid.NewV4()
	if err != nil {
		return ""
	}
	return id.String()
}

func (h *Hub) safeSend(conn Connector, msg *Message) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			h.reporter.ReportPanic(
				&observability.ConnectorPanicError{
					ComponentID: msg.Target,
					MessageType: uint32(msg.Type),
					PanicValue:  r,
				},
				&observability.ErrorContext{
					ComponentID: msg.Target,
					ICID:        msg.ICID,
					MessageType: uint32(msg.Type),
					Timestamp:   time.Now(),
					TraceID:     newTraceID(),
					Breadcrumbs: observability.GetBreadcrumbs(),
				},
			)
			ok = false
		}
	}()
	return conn.Send(msg)
}

// broadcast fans msg out to every eligible attached consumer of ic other
// than source: the active consumer for msg.Type first (if any), then the
// rest of the attached components able to consume msg.Type, in
// attachment order. Each recipient gets its own clone so mutation by one
// cannot be observed by another; the loop tolerates a recipient
// disappearing mid-iteration via detach, since Attached() was snapshotted
// up front (spec §4.4).
func (h *Hub) broadcast(ic *InputContext, source *Component, msg *Message) {
	recipients := ic.Attached()
	active, hasActive := ic.GetActiveConsumer(msg.Type)

	seen := make(map[*Component]bool, len(recipients))
	send := func(c *Component) {
		if c == source || c == nil || seen[c] {
			return
		}
		seen[c] = true
		if !ic.State(c).isAttached() || !c.CanConsume(msg.Type) {
			return
		}
		h.safeSend(c.Connector, msg.Clone())
	}

	if hasActive {
		send(active)
	}
	for _, c := range recipients {
		send(c)
	}
}

// handleRegisterComponent services MSG_REGISTER_COMPONENT directly,
// ahead of the normal source/capability validation ladder, since the
// registering component does not exist in the registry yet (spec §4.1
// step 3).
func (h *Hub) handleRegisterComponent(connector Connector, rec *connectorRecord, msg *Message) {
	if msg.Payload.ComponentInfo == nil {
		h.reject(connector, msg, ErrInvalidPayload)
		return
	}
	info := *msg.Payload.ComponentInfo
	c, err := h.registry.CreateComponent(connector, info)
	if err != nil {
		h.reject(connector, msg, ErrInvalidPayload)
		return
	}
	rec.owned[c.ID] = true

	if msg.ReplyMode == NeedReply {
		created := c.Info()
		msg.ToReply(Payload{ComponentInfo: &created})
		h.safeSend(connector, msg)
	}
	h.broadcastSystem(MsgComponentCreated, c.Info())
}

// handleDeregisterComponent services MSG_DEREGISTER_COMPONENT directly.
// msg.Source names the component to remove; it must be owned by the
// calling connector.
func (h *Hub) handleDeregisterComponent(connector Connector, rec *connectorRecord, msg *Message) {
	id := msg.Source
	if !rec.owned[id] {
		h.reject(connector, msg, ErrInvalidSource)
		return
	}
	h.destroyComponent(id)
	delete(rec.owned, id)

	if msg.ReplyMode == NeedReply {
		msg.ToReply(Payload{})
		h.safeSend(connector, msg)
	}
}

// handleQueryComponent answers MSG_QUERY_COMPONENT directly from the
// registry rather than routing to any component's connector: the query
// has no single target, it asks the hub itself which registered
// components match a template (spec §4.2). The template may be given as
// a typed ComponentInfo, a loosely-typed Raw map decoded via
// DecodeComponentQuery, or (if ErrorText carries a non-empty expr-lang
// source) an additional predicate ANDed with the template match.
func (h *Hub) handleQueryComponent(connector Connector, msg *Message) {
	query := ComponentInfo{}
	if msg.Payload.ComponentInfo != nil {
		query = *msg.Payload.ComponentInfo
	} else if msg.Payload.Raw != nil {
		decoded, err := DecodeComponentQuery(msg.Payload.Raw)
		if err != nil {
			if msg.ToErrorReply(ErrInvalidPayload) {
				h.safeSend(connector, msg)
			}
			return
		}
		query = decoded
	}

	var program *vm.Program
	if msg.Payload.ErrorText != "" {
		p, err := CompileMatchExpr(msg.Payload.ErrorText)
		if err != nil {
			if msg.ToErrorReply(ErrInvalidPayload) {
				h.safeSend(connector, msg)
			}
			return
		}
		program = p
	}

	var matches []uint32
	for _, c := range h.registry.All() {
		if !MatchInfoTemplate(c, query) {
			continue
		}
		if program != nil {
			ok, err := MatchExpr(c, program)
			if err != nil || !ok {
				continue
			}
		}
		matches = append(matches, c.ID)
	}

	if msg.ReplyMode == NeedReply {
		msg.ToReply(Payload{Uint32: matches})
		h.safeSend(connector, msg)
	}
}

// broadcastSystem fans a NoReply notification out on the default IC from
// the Hub's own synthetic component, used for lifecycle events that are
// not triggered by (and so cannot be routed through) ordinary Dispatch.
func (h *Hub) broadcastSystem(t MessageType, info ComponentInfo) {
	defaultIC := h.contexts[DefaultICID]
	msg := &Message{
		Type:      t,
		ReplyMode: NoReply,
		Source:    DefaultComponentID,
		Target:    BroadcastID,
		ICID:      DefaultICID,
		Serial:    h.nextSerial(),
		Payload:   Payload{ComponentInfo: &info},
	}
	h.broadcast(defaultIC, h.defaultComponent, msg)
}
