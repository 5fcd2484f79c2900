package hub_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inputhub/hub/pkg/hub"
	"github.com/inputhub/hub/pkg/hub/hubtest"
)

// newComponentForTest registers a fresh component on h that both produces
// and consumes every message type it is given so attach/claim/preempt
// tests don't need a real connector.
func newComponentForTest(t *testing.T, h *hub.Hub, stringID string, consumes ...hub.MessageType) *hub.Component {
	t.Helper()
	c, err := h.Registry().CreateComponent(hubtest.NewMockConnector(), hub.ComponentInfo{
		StringID: stringID,
		Consume:  consumes,
	})
	require.NoError(t, err)
	return c
}

func TestAttachComponentStateTransitions(t *testing.T) {
	h := hub.NewHub(hub.Config{})
	owner := newComponentForTest(t, h, "owner")
	ic := h.CreateInputContext(owner)

	a := newComponentForTest(t, h, "a", hub.MsgSendKeyEvent)

	require.NoError(t, ic.AttachComponent(a, hub.Passive, false))
	assert.Equal(t, hub.Passive, ic.State(a))

	t.Run("Passive to Active claims unclaimed message types", func(t *testing.T) {
		require.NoError(t, ic.AttachComponent(a, hub.Active, false))
		assert.Equal(t, hub.Active, ic.State(a))
		consumer, ok := ic.GetActiveConsumer(hub.MsgSendKeyEvent)
		require.True(t, ok)
		assert.Equal(t, a, consumer)
	})

	t.Run("Active to ActiveSticky drops the ability to be preempted", func(t *testing.T) {
		require.NoError(t, ic.AttachComponent(a, hub.ActiveSticky, false))
		assert.Equal(t, hub.ActiveSticky, ic.State(a))
	})

	t.Run("reverting an attached component to a pending state is rejected", func(t *testing.T) {
		err := ic.AttachComponent(a, hub.PendingActive, false)
		assert.ErrorIs(t, err, hub.ErrRevertToPending)
	})

	t.Run("NotAttached target detaches", func(t *testing.T) {
		require.NoError(t, ic.AttachComponent(a, hub.NotAttached, false))
		assert.Equal(t, hub.NotAttached, ic.State(a))
	})
}

func TestActiveStickyCannotBePreempted(t *testing.T) {
	h := hub.NewHub(hub.Config{})
	owner := newComponentForTest(t, h, "owner")
	ic := h.CreateInputContext(owner)

	sticky := newComponentForTest(t, h, "sticky", hub.MsgSendKeyEvent)
	challenger := newComponentForTest(t, h, "challenger", hub.MsgSendKeyEvent)

	require.NoError(t, ic.AttachComponent(sticky, hub.ActiveSticky, false))
	require.NoError(t, ic.AttachComponent(challenger, hub.Active, false))

	consumer, ok := ic.GetActiveConsumer(hub.MsgSendKeyEvent)
	require.True(t, ok)
	assert.Equal(t, sticky, consumer, "an ActiveSticky holder must survive an Active attach attempt")
}

func TestActiveCanBePreemptedAndOriginalHolderIsOfferedAutoDetach(t *testing.T) {
	h := hub.NewHub(hub.Config{})
	owner := newComponentForTest(t, h, "owner")
	ic := h.CreateInputContext(owner)

	first := newComponentForTest(t, h, "first", hub.MsgSendKeyEvent)
	second := newComponentForTest(t, h, "second", hub.MsgSendKeyEvent)

	require.NoError(t, ic.AttachComponent(first, hub.Active, false))
	require.NoError(t, ic.AttachComponent(second, hub.Active, false))

	consumer, ok := ic.GetActiveConsumer(hub.MsgSendKeyEvent)
	require.True(t, ok)
	assert.Equal(t, second, consumer)

	// first is non-persistent and just lost its only active role, so the
	// Hub's ConsiderAutoDetach (invoked via the delegate) detaches it.
	assert.Equal(t, hub.NotAttached, ic.State(first))
}

func TestResignReElectsNextConsumer(t *testing.T) {
	h := hub.NewHub(hub.Config{})
	owner := newComponentForTest(t, h, "owner")
	ic := h.CreateInputContext(owner)

	a := newComponentForTest(t, h, "a", hub.MsgSendKeyEvent)
	b := newComponentForTest(t, h, "b", hub.MsgSendKeyEvent)

	require.NoError(t, ic.AttachComponent(a, hub.Passive, true))
	require.NoError(t, ic.AttachComponent(b, hub.Passive, true))

	// With no prior consumer, the first Passive attach claims the type.
	consumer, ok := ic.GetActiveConsumer(hub.MsgSendKeyEvent)
	require.True(t, ok)
	assert.Equal(t, a, consumer)

	ic.Resign(a, hub.MsgSendKeyEvent)

	consumer, ok = ic.GetActiveConsumer(hub.MsgSendKeyEvent)
	require.True(t, ok)
	assert.Equal(t, b, consumer, "resigning must re-elect the next eligible attached consumer")
}

func TestAssignForcesActivationEvenOverActiveSticky(t *testing.T) {
	h := hub.NewHub(hub.Config{})
	owner := newComponentForTest(t, h, "owner")
	ic := h.CreateInputContext(owner)

	sticky := newComponentForTest(t, h, "sticky", hub.MsgSendKeyEvent)
	challenger := newComponentForTest(t, h, "challenger", hub.MsgSendKeyEvent)

	require.NoError(t, ic.AttachComponent(sticky, hub.ActiveSticky, true))
	require.NoError(t, ic.AttachComponent(challenger, hub.Passive, true))

	require.NoError(t, ic.Assign(challenger, hub.MsgSendKeyEvent))

	consumer, ok := ic.GetActiveConsumer(hub.MsgSendKeyEvent)
	require.True(t, ok)
	assert.Equal(t, challenger, consumer, "ASSIGN_ACTIVE_CONSUMER preempts even an ActiveSticky holder")
}

func TestAssignRejectsAnUnattachedComponent(t *testing.T) {
	h := hub.NewHub(hub.Config{})
	owner := newComponentForTest(t, h, "owner")
	ic := h.CreateInputContext(owner)
	other := newComponentForTest(t, h, "other", hub.MsgSendKeyEvent)

	err := ic.Assign(other, hub.MsgSendKeyEvent)
	assert.Error(t, err)
}

func TestFindConsumerBreaksTiesByAttachmentOrderWhenNeitherIsActive(t *testing.T) {
	h := hub.NewHub(hub.Config{})
	owner := newComponentForTest(t, h, "owner")
	ic := h.CreateInputContext(owner)

	holder := newComponentForTest(t, h, "holder", hub.MsgSendKeyEvent)
	first := newComponentForTest(t, h, "first", hub.MsgSendKeyEvent)
	second := newComponentForTest(t, h, "second", hub.MsgSendKeyEvent)

	// holder takes SendKeyEvent as a sticky consumer first, so neither
	// Passive attach below claims anything and both stay without an
	// active role; holder is then excluded from the search.
	require.NoError(t, ic.AttachComponent(holder, hub.ActiveSticky, true))
	require.NoError(t, ic.AttachComponent(first, hub.Passive, true))
	require.NoError(t, ic.AttachComponent(second, hub.Passive, true))

	found := ic.FindConsumer(hub.MsgSendKeyEvent, holder)
	assert.Equal(t, first, found, "equal-rank candidates with no active role resolve to the earliest attached")
}

func TestFindConsumerPrefersACandidateAlreadyActiveForAnyMessageType(t *testing.T) {
	h := hub.NewHub(hub.Config{})
	owner := newComponentForTest(t, h, "owner")
	ic := h.CreateInputContext(owner)

	holder := newComponentForTest(t, h, "holder", hub.MsgSendKeyEvent)
	first := newComponentForTest(t, h, "first", hub.MsgSendKeyEvent, hub.MsgProcessKeyEvent)
	second := newComponentForTest(t, h, "second", hub.MsgSendKeyEvent, hub.MsgProcessKeyEvent)

	// holder keeps SendKeyEvent as a sticky consumer, so first's Passive
	// attach claims only ProcessKeyEvent, which Assign then moves to
	// second: first ends with no active role, second with one.
	require.NoError(t, ic.AttachComponent(holder, hub.ActiveSticky, true))
	require.NoError(t, ic.AttachComponent(first, hub.Passive, true))
	require.NoError(t, ic.AttachComponent(second, hub.Passive, true))
	require.NoError(t, ic.Assign(second, hub.MsgProcessKeyEvent))

	found := ic.FindConsumer(hub.MsgSendKeyEvent, holder)
	assert.Equal(t, second, found, "equal-rank candidates break ties toward one already active for another message type, attachment order notwithstanding")
}
