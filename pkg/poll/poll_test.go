package poll

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jonasrmichel/jms-doodle-poll/pkg/broker"
	"github.com/jonasrmichel/jms-doodle-poll/pkg/peer"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

// statusInbox registers a user channel on the transport and collects
// the status payloads delivered to it.
func statusInbox(t *testing.T, transport broker.Transport, user string) <-chan *StatusPayload {
	t.Helper()

	inbox := make(chan *StatusPayload, 16)
	p := peer.New(user, peer.RoleUser, peer.DefaultChannelPrefix, transport,
		func(raw []byte) {
			env, err := DecodeEnvelope(raw)
			if err != nil {
				return
			}
			status, err := env.Status()
			if err != nil {
				return
			}
			inbox <- status
		}, zaptest.NewLogger(t))
	require.NoError(t, p.Open(context.Background()))
	t.Cleanup(func() { p.Close() })

	return inbox
}

func waitStatus(t *testing.T, inbox <-chan *StatusPayload) *StatusPayload {
	t.Helper()

	select {
	case status := <-inbox:
		return status
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a status payload")
		return nil
	}
}

func newTestPoll(t *testing.T, transport broker.Transport, invitees []string, slots []TimeSlot) *Poll {
	t.Helper()

	p, err := New(context.Background(), Config{
		Title:         "standup",
		Initiator:     "alice",
		Invitees:      invitees,
		TimeSlots:     slots,
		ChannelPrefix: peer.DefaultChannelPrefix,
		Transport:     transport,
		Logger:        zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Shutdown() })

	return p
}

func slotPair(t *testing.T) []TimeSlot {
	t.Helper()

	day := time.Date(2023, time.March, 6, 0, 0, 0, 0, time.UTC)
	morning, err := ParseTimeSlot(day, "9-9:30")
	require.NoError(t, err)
	afternoon, err := ParseTimeSlot(day, "14-14:30")
	require.NoError(t, err)
	return []TimeSlot{morning, afternoon}
}

// sendResponse feeds a response payload straight into the poll's
// handler, avoiding transport timing in tests that only care about
// state transitions.
func sendResponse(t *testing.T, p *Poll, payload *ResponsePayload) {
	t.Helper()

	env, err := NewEnvelope(KindPollResponse, payload)
	require.NoError(t, err)
	raw, err := env.Marshal()
	require.NoError(t, err)
	p.handlePayload(raw)
}

func TestNewBroadcastsInitialStatus(t *testing.T) {
	// Setup
	transport := broker.NewMemory()
	inbox := statusInbox(t, transport, "bob")
	slots := slotPair(t)

	p := newTestPoll(t, transport, []string{"bob"}, slots)

	status := waitStatus(t, inbox)
	assert.Equal(t, "standup", status.Title)
	assert.Equal(t, "alice", status.Initiator)
	assert.Len(t, status.Responses, 2)
	assert.False(t, status.Closed())
	assert.Empty(t, p.Pending())
}

func TestResponsesAreAppendOnly(t *testing.T) {
	// Setup
	transport := broker.NewMemory()
	slots := slotPair(t)
	p := newTestPoll(t, transport, nil, slots)

	sendResponse(t, p, &ResponsePayload{
		Responder: "bob",
		Responses: map[TimeSlot]Response{slots[0]: {Responder: "bob", Choice: ChoiceYes}},
	})
	sendResponse(t, p, &ResponsePayload{
		Responder: "bob",
		Responses: map[TimeSlot]Response{slots[0]: {Responder: "bob", Choice: ChoiceNo}},
	})

	// A repeat responder appends; nothing is overwritten
	votes := p.Responses()[slots[0]]
	require.Len(t, votes, 2)
	assert.Equal(t, ChoiceYes, votes[0].Choice)
	assert.Equal(t, ChoiceNo, votes[1].Choice)
}

func TestResponseForUnproposedSlotIgnored(t *testing.T) {
	// Setup
	transport := broker.NewMemory()
	slots := slotPair(t)
	p := newTestPoll(t, transport, nil, slots[:1])

	sendResponse(t, p, &ResponsePayload{
		Responder: "bob",
		Responses: map[TimeSlot]Response{
			slots[0]: {Responder: "bob", Choice: ChoiceYes},
			slots[1]: {Responder: "bob", Choice: ChoiceYes},
		},
	})

	responses := p.Responses()
	assert.Len(t, responses, 1)
	assert.Len(t, responses[slots[0]], 1)
}

func TestMalformedPayloadsDropped(t *testing.T) {
	// Setup
	transport := broker.NewMemory()
	slots := slotPair(t)
	p := newTestPoll(t, transport, nil, slots)

	p.handlePayload([]byte("hello there"))
	p.handlePayload([]byte(`{"kind":"PollStatus","data":{}}`))

	for _, votes := range p.Responses() {
		assert.Empty(t, votes)
	}
}

func TestCloseIsExactlyOnce(t *testing.T) {
	// Setup
	transport := broker.NewMemory()
	slots := slotPair(t)
	p := newTestPoll(t, transport, nil, slots)

	require.NoError(t, p.Close(slots[0]))
	assert.True(t, p.Closed())

	final, ok := p.FinalSlot()
	require.True(t, ok)
	assert.True(t, final.Equal(slots[0]))

	assert.ErrorIs(t, p.Close(slots[1]), ErrPollClosed)
}

func TestResponsesAfterCloseDropped(t *testing.T) {
	// Setup
	transport := broker.NewMemory()
	slots := slotPair(t)
	p := newTestPoll(t, transport, nil, slots)
	require.NoError(t, p.Close(slots[0]))

	sendResponse(t, p, &ResponsePayload{
		Responder: "bob",
		Responses: map[TimeSlot]Response{slots[0]: {Responder: "bob", Choice: ChoiceYes}},
	})

	assert.Empty(t, p.Responses()[slots[0]])
}

// TestPendingSelfHeals covers the delivery bookkeeping: a failed
// delivery joins the pending set, and the next broadcast to succeed
// clears it.
func TestPendingSelfHeals(t *testing.T) {
	// Setup
	transport := broker.NewMemory()
	slots := slotPair(t)

	// Bob has no channel yet, so the initial broadcast fails
	p := newTestPoll(t, transport, []string{"bob"}, slots)
	require.Equal(t, []string{"bob"}, p.Pending())

	inbox := statusInbox(t, transport, "bob")

	// Any broadcast retries pending invitees
	sendResponse(t, p, &ResponsePayload{
		Responder: "carol",
		Responses: map[TimeSlot]Response{slots[0]: {Responder: "carol", Choice: ChoiceYes}},
	})

	status := waitStatus(t, inbox)
	assert.Len(t, status.Responses[slots[0]], 1)
	assert.Empty(t, p.Pending())
}

func TestRetryPending(t *testing.T) {
	// Setup
	transport := broker.NewMemory()
	slots := slotPair(t)
	p := newTestPoll(t, transport, []string{"bob"}, slots)
	require.Equal(t, []string{"bob"}, p.Pending())

	inbox := statusInbox(t, transport, "bob")
	p.RetryPending()

	waitStatus(t, inbox)
	assert.Empty(t, p.Pending())

	// Nothing pending, nothing sent
	p.RetryPending()
	select {
	case <-inbox:
		t.Fatal("retry with an empty pending set should not send")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUpdateOne(t *testing.T) {
	// Setup
	transport := broker.NewMemory()
	slots := slotPair(t)
	p := newTestPoll(t, transport, []string{"bob"}, slots)

	inbox := statusInbox(t, transport, "bob")

	t.Run("Invitee", func(t *testing.T) {
		p.UpdateOne("bob")
		status := waitStatus(t, inbox)
		assert.Equal(t, "standup", status.Title)
	})

	t.Run("NonInvitee", func(t *testing.T) {
		p.UpdateOne("mallory")
		select {
		case <-inbox:
			t.Fatal("a non-invitee update must not reach invitees")
		case <-time.After(50 * time.Millisecond):
		}
	})
}

func TestPollAccessors(t *testing.T) {
	// Setup
	transport := broker.NewMemory()
	slots := slotPair(t)
	p := newTestPoll(t, transport, []string{"carol", "bob"}, slots)

	assert.Equal(t, "standup", p.Title())
	assert.Equal(t, "alice", p.Initiator())
	assert.Equal(t, Key{Title: "standup", Initiator: "alice"}, p.Key())
	assert.Equal(t, "standup_alice", p.Key().String())
	assert.Equal(t, []string{"bob", "carol"}, p.Invitees())

	// Snapshots are isolated from poll state
	snapshot := p.Responses()
	snapshot[slots[0]] = append(snapshot[slots[0]], Response{Responder: "eve", Choice: ChoiceYes})
	assert.Empty(t, p.Responses()[slots[0]])
}
