package hub

import "errors"

// AttachState is the per-(component, input-context) attachment state
// (spec §3, "Attach-state" — six values).
type AttachState uint8

const (
	// NotAttached means the component is absent from the IC's
	// attachment map entirely.
	NotAttached AttachState = iota
	// PendingPassive means an ATTACH_TO_INPUT_CONTEXT request promising
	// Passive has been sent but not yet acknowledged.
	PendingPassive
	// PendingActive is the same but promising Active.
	PendingActive
	// Passive means attached; becomes active consumer only for message
	// types that currently have no consumer.
	Passive
	// Active means attached; may preempt non-sticky active consumers.
	Active
	// ActiveSticky is like Active but cannot itself be preempted.
	ActiveSticky
)

func (s AttachState) rank() int {
	switch s {
	case ActiveSticky:
		return 3
	case Active:
		return 2
	case Passive:
		return 1
	default:
		return 0
	}
}

func (s AttachState) isPending() bool {
	return s == PendingPassive || s == PendingActive
}

func (s AttachState) isAttached() bool {
	return s == Passive || s == Active || s == ActiveSticky
}

// ErrRevertToPending is returned by AttachComponent when asked to move a
// fully-attached component back to a pending state (spec I4).
var ErrRevertToPending = errors.New("hub: cannot revert an attached component to a pending state")

// ComponentState is the per-attached-component bookkeeping InputContext
// keeps alongside AttachState (spec §3).
type ComponentState struct {
	State      AttachState
	Persistent bool

	// Resigned holds message types this component refuses despite
	// declared consume-capability.
	Resigned map[MessageType]bool

	// NeedConsumer holds message types this component produces and
	// wants somebody else to consume.
	NeedConsumer map[MessageType]bool

	ActiveHotkeyListID uint32
	HasActiveHotkeyList bool
}

func newComponentState(state AttachState, persistent bool) *ComponentState {
	return &ComponentState{
		State:        state,
		Persistent:   persistent,
		Resigned:     make(map[MessageType]bool),
		NeedConsumer: make(map[MessageType]bool),
	}
}

// ICDelegate receives notifications from InputContext as attachment and
// active-consumer state evolves. The Hub implements this to drive
// built-in protocols (auto-detach, RequestConsumer fan-out, broadcasts).
type ICDelegate interface {
	// OnConsumerChanged fires after an attach/detach settles. activated
	// is the component that gained active-consumer status for the
	// message types in gainedTypes (may be nil/empty). lostConsumer maps
	// a component that lost one or more active-consumer roles to the
	// types it lost. changedTypes is the union of every message type
	// whose active consumer changed.
	OnConsumerChanged(ic *InputContext, activated *Component, gainedTypes []MessageType, lostConsumer map[*Component][]MessageType, changedTypes map[MessageType]bool)

	// RequestConsumer fires when SetMessagesNeedConsumer finds a message
	// type with no attached consumer at all.
	RequestConsumer(ic *InputContext, t MessageType, requester *Component)

	// ConsiderAutoDetach fires when c just lost every active-consumer
	// role it held and c.Persistent is false; the delegate decides
	// whether to actually detach it.
	ConsiderAutoDetach(ic *InputContext, c *Component)
}

// InputContext is a focusable composition session (spec §3).
type InputContext struct {
	ID    uint32
	Owner *Component

	attach map[*Component]*ComponentState
	order  []*Component // attachment order, oldest first

	active map[MessageType]*Component

	hotkeyCache []*HotkeyList // nil means invalidated; rebuilt lazily

	delegate ICDelegate
}

func newInputContext(id uint32, owner *Component, delegate ICDelegate) *InputContext {
	return &InputContext{
		ID:     id,
		Owner:  owner,
		attach: make(map[*Component]*ComponentState),
		active: make(map[MessageType]*Component),
		delegate: delegate,
	}
}

// State returns the attachment state of c on this IC (NotAttached if
// absent).
func (ic *InputContext) State(c *Component) AttachState {
	if cs, ok := ic.attach[c]; ok {
		return cs.State
	}
	return NotAttached
}

// ComponentState returns the full per-attachment state for c, or nil if
// c is not in the attachment map.
func (ic *InputContext) ComponentState(c *Component) *ComponentState {
	return ic.attach[c]
}

// Attached returns every component in this IC's attachment map, oldest
// first.
func (ic *InputContext) Attached() []*Component {
	out := make([]*Component, len(ic.order))
	copy(out, ic.order)
	return out
}

// GetActiveConsumer returns the single active consumer for t, if any
// (spec invariant I2).
func (ic *InputContext) GetActiveConsumer(t MessageType) (*Component, bool) {
	c, ok := ic.active[t]
	return c, ok
}

// AttachComponent is the sole mutator of attachment state (spec §4.3).
// It implements the transition table in full; see the table in spec §4.3
// for the per-cell semantics this function encodes.
func (ic *InputContext) AttachComponent(c *Component, target AttachState, persistent bool) error {
	cs, exists := ic.attach[c]

	if target == NotAttached {
		if exists {
			ic.detachInternal(c)
		}
		return nil
	}

	if target.isPending() {
		if !exists || cs.State == NotAttached {
			ns := newComponentState(target, persistent)
			ic.attach[c] = ns
			ic.order = append(ic.order, c)
			c.attachedICs[ic.ID] = true
			return nil
		}
		if cs.State.isPending() {
			cs.State = target
			return nil
		}
		// Fully attached (Passive/Active/ActiveSticky) -> pending is
		// rejected (I4).
		return ErrRevertToPending
	}

	// target is Passive, Active, or ActiveSticky.
	var gainedTypes []MessageType
	lost := make(map[*Component][]MessageType)

	switch {
	case !exists || cs.State == NotAttached || cs.State.isPending():
		ns := newComponentState(target, persistent)
		if !exists || cs.State == NotAttached {
			ic.order = append(ic.order, c)
		}
		ic.attach[c] = ns
		c.attachedICs[ic.ID] = true
		gainedTypes = ic.claimMessages(c, ns, target != Passive, lost)

	case cs.State == Passive:
		switch target {
		case Passive:
			return nil
		case Active:
			cs.State = Active
			gainedTypes = ic.claimMessages(c, cs, true, lost)
		case ActiveSticky:
			// "sticky (no preempt)": becomes sticky but does not
			// additionally preempt other active consumers.
			cs.State = ActiveSticky
			gainedTypes = ic.claimMessages(c, cs, false, lost)
		}

	case cs.State == Active:
		switch target {
		case Passive:
			// no-op: retain owned consumers, allow future preemption
			return nil
		case Active:
			return nil
		case ActiveSticky:
			cs.State = ActiveSticky
		}

	case cs.State == ActiveSticky:
		switch target {
		case Passive:
			// no-op: keep consumers, allow preemption in future
			return nil
		case Active:
			cs.State = Active // drop stickiness
		case ActiveSticky:
			return nil
		}
	}

	if persistent {
		cs2 := ic.attach[c]
		cs2.Persistent = true
	}

	if len(gainedTypes) > 0 || len(lost) > 0 {
		changed := make(map[MessageType]bool)
		for _, t := range gainedTypes {
			changed[t] = true
		}
		for _, types := range lost {
			for _, t := range types {
				changed[t] = true
			}
		}
		ic.delegate.OnConsumerChanged(ic, c, gainedTypes, lost, changed)
		ic.considerAutoDetach(lost)
	}

	return nil
}

// claimMessages attempts, for every message type c can consume (and has
// not resigned), to become the active consumer: unconditionally if there
// is no current consumer, or by preemption (skipping ActiveSticky
// holders) if allowPreempt is true. It records newly lost roles into
// lost.
func (ic *InputContext) claimMessages(c *Component, cs *ComponentState, allowPreempt bool, lost map[*Component][]MessageType) []MessageType {
	var gained []MessageType
	for t := range c.consume {
		if cs.Resigned[t] {
			continue
		}
		current, hasCurrent := ic.active[t]
		if !hasCurrent {
			ic.active[t] = c
			gained = append(gained, t)
			continue
		}
		if current == c {
			continue
		}
		if !allowPreempt {
			continue
		}
		currentState := ic.State(current)
		if currentState == ActiveSticky {
			continue
		}
		ic.active[t] = c
		gained = append(gained, t)
		lost[current] = append(lost[current], t)
	}
	return gained
}

// considerAutoDetach offers every component that lost all of its active
// roles (and is not persistent) to the delegate as an auto-detach
// candidate (spec §4.3).
func (ic *InputContext) considerAutoDetach(lost map[*Component][]MessageType) {
	for c := range lost {
		cs, ok := ic.attach[c]
		if !ok || cs.Persistent {
			continue
		}
		if ic.hasAnyActiveRole(c) {
			continue
		}
		ic.delegate.ConsiderAutoDetach(ic, c)
	}
}

func (ic *InputContext) hasAnyActiveRole(c *Component) bool {
	for _, holder := range ic.active {
		if holder == c {
			return true
		}
	}
	return false
}

// DetachComponent removes c from the attachment map, invalidates the
// hotkey cache if c had a selected list, and re-elects active consumers
// for every message type c held (spec §4.3).
func (ic *InputContext) DetachComponent(c *Component) {
	ic.detachInternal(c)
}

func (ic *InputContext) detachInternal(c *Component) {
	cs, ok := ic.attach[c]
	if !ok {
		return
	}
	if cs.HasActiveHotkeyList {
		ic.invalidateHotkeyCache()
	}

	wasActiveFor := ic.activeTypesFor(c)

	delete(ic.attach, c)
	delete(c.attachedICs, ic.ID)
	for i, oc := range ic.order {
		if oc == c {
			ic.order = append(ic.order[:i], ic.order[i+1:]...)
			break
		}
	}

	changed := make(map[MessageType]bool)
	for _, t := range wasActiveFor {
		delete(ic.active, t)
		changed[t] = true
		if next := ic.FindConsumer(t, c); next != nil {
			ic.active[t] = next
		}
	}

	if len(changed) > 0 {
		ic.delegate.OnConsumerChanged(ic, nil, nil, map[*Component][]MessageType{c: wasActiveFor}, changed)
	}
}

func (ic *InputContext) activeTypesFor(c *Component) []MessageType {
	var types []MessageType
	for t, holder := range ic.active {
		if holder == c {
			types = append(types, t)
		}
	}
	return types
}

// FindConsumer selects the strongest eligible attached component for t,
// excluding exclude; pending and resigned components are never selected
// (spec §4.3). Among equal-rank candidates, a component already active
// for some message type is preferred over one that isn't; remaining ties
// fall back to attachment order (earliest wins), following
// original_source/client/ipc/hub_input_context.cc's FindConsumer/
// Result::Update.
func (ic *InputContext) FindConsumer(t MessageType, exclude *Component) *Component {
	var best *Component
	bestRank := -1
	bestActive := false
	for _, c := range ic.order {
		if c == exclude {
			continue
		}
		cs := ic.attach[c]
		if cs == nil || !cs.State.isAttached() {
			continue
		}
		if cs.Resigned[t] {
			continue
		}
		if !c.CanConsume(t) {
			continue
		}
		r := cs.State.rank()
		active := ic.hasAnyActiveRole(c)
		if best == nil || r > bestRank || (r == bestRank && active && !bestActive) {
			best = c
			bestRank = r
			bestActive = active
		}
	}
	return best
}

// SetMessagesNeedConsumer replaces c's need-consumer set with the
// intersection of set and c's produce-capability. For each message type
// newly added that has no attached consumer at all, the delegate's
// RequestConsumer is invoked; each newly added type that already has a
// consumer is returned in alreadyHave (spec §4.3).
func (ic *InputContext) SetMessagesNeedConsumer(c *Component, set map[MessageType]bool) (alreadyHave map[MessageType]bool) {
	cs, ok := ic.attach[c]
	if !ok {
		cs = newComponentState(NotAttached, false)
		ic.attach[c] = cs
	}
	alreadyHave = make(map[MessageType]bool)
	newNeed := make(map[MessageType]bool)
	for t := range set {
		if !c.CanProduce(t) {
			continue
		}
		newNeed[t] = true
		if !cs.NeedConsumer[t] {
			if ic.hasAnyAttachedConsumer(t) {
				alreadyHave[t] = true
			} else {
				ic.delegate.RequestConsumer(ic, t, c)
			}
		}
	}
	cs.NeedConsumer = newNeed
	return alreadyHave
}

func (ic *InputContext) hasAnyAttachedConsumer(t MessageType) bool {
	for _, c := range ic.order {
		cs := ic.attach[c]
		if cs.State.isAttached() && !cs.Resigned[t] && c.CanConsume(t) {
			return true
		}
	}
	return false
}

// invalidateHotkeyCache clears the cached union of active hotkey lists;
// it is rebuilt lazily on next access (spec invariant I6).
func (ic *InputContext) invalidateHotkeyCache() {
	ic.hotkeyCache = nil
}

// ActiveHotkeyLists returns the union of each attached component's
// currently selected hotkey list, rebuilding the cache if it was
// invalidated.
func (ic *InputContext) ActiveHotkeyLists() []*HotkeyList {
	if ic.hotkeyCache != nil {
		return ic.hotkeyCache
	}
	var lists []*HotkeyList
	for _, c := range ic.order {
		cs := ic.attach[c]
		if cs == nil || !cs.HasActiveHotkeyList {
			continue
		}
		if hl, ok := c.hotkeyLists[cs.ActiveHotkeyListID]; ok {
			lists = append(lists, hl)
		}
	}
	ic.hotkeyCache = lists
	if ic.hotkeyCache == nil {
		ic.hotkeyCache = []*HotkeyList{}
	}
	return ic.hotkeyCache
}

// SetActiveHotkeyList selects listID as c's active hotkey list on this
// IC (or clears it, if ok is false), invalidating the cache.
func (ic *InputContext) SetActiveHotkeyList(c *Component, listID uint32, ok bool) {
	cs, exists := ic.attach[c]
	if !exists {
		return
	}
	cs.HasActiveHotkeyList = ok
	cs.ActiveHotkeyListID = listID
	ic.invalidateHotkeyCache()
}

// Resign marks t as resigned for c: c will no longer be considered for
// active-consumer status of t, even though it may still declare
// consume-capability. If c currently holds t, re-election runs.
func (ic *InputContext) Resign(c *Component, t MessageType) {
	cs, exists := ic.attach[c]
	if !exists {
		return
	}
	cs.Resigned[t] = true
	if holder, ok := ic.active[t]; ok && holder == c {
		delete(ic.active, t)
		changed := map[MessageType]bool{t: true}
		lost := map[*Component][]MessageType{c: {t}}
		if next := ic.FindConsumer(t, nil); next != nil {
			ic.active[t] = next
		}
		ic.delegate.OnConsumerChanged(ic, nil, nil, lost, changed)
		ic.considerAutoDetach(lost)
	}
}

// Assign forces c to become the active consumer of t, preempting
// whoever currently holds it (including an ACTIVE_STICKY holder, unlike
// ordinary attach-driven preemption) — used by ASSIGN_ACTIVE_CONSUMER,
// an explicit operator request rather than a passive side effect.
func (ic *InputContext) Assign(c *Component, t MessageType) error {
	cs, exists := ic.attach[c]
	if !exists || !cs.State.isAttached() {
		return ErrComponentState(ErrComponentNotAttached)
	}
	if !c.CanConsume(t) {
		return ErrComponentState(ErrTargetCanNotConsume)
	}
	delete(cs.Resigned, t)
	current, hadCurrent := ic.active[t]
	if hadCurrent && current == c {
		return nil
	}
	ic.active[t] = c
	changed := map[MessageType]bool{t: true}
	lost := make(map[*Component][]MessageType)
	if hadCurrent {
		lost[current] = []MessageType{t}
	}
	ic.delegate.OnConsumerChanged(ic, c, []MessageType{t}, lost, changed)
	ic.considerAutoDetach(lost)
	return nil
}

// ErrComponentState is a small typed-error helper so callers in this
// package can return a hub ErrorCode without importing the Router's
// reply-construction machinery.
type ErrComponentState ErrorCode

func (e ErrComponentState) Error() string { return ErrorCode(e).String() }
