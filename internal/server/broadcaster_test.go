package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kseri-server/internal/kseri"
	"kseri-server/internal/server/wire"
	"kseri-server/internal/session"
	"kseri-server/internal/transport"
)

func drainFrame(t *testing.T, conn *transport.Connection) wire.Envelope {
	t.Helper()
	select {
	case frame := <-conn.Outbox():
		env, err := wire.Decode(frame.Data)
		require.NoError(t, err)
		return env
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for a delivered frame")
		return wire.Envelope{}
	}
}

// Test: a Single-target send reaches exactly the named connection
func TestBroadcaster_Send_SingleTarget(t *testing.T) {
	registry := transport.NewRegistry()
	conn := transport.NewConnection("conn-a")
	registry.Add(conn)

	b := NewBroadcaster(registry, session.NewDirectory())
	defer b.Close()

	b.Send(SingleTarget("conn-a"), wire.OutPong, nil, PriorityNormal)

	env := drainFrame(t, conn)
	assert.Equal(t, wire.OutPong, env.Type)
}

// Test: a Session target expands to every connected seat, and a High
// priority message flushes ahead of the 10ms batch window
func TestBroadcaster_Send_SessionTargetFlushesImmediatelyOnHighPriority(t *testing.T) {
	registry := transport.NewRegistry()
	connA := transport.NewConnection("conn-a")
	connB := transport.NewConnection("conn-b")
	registry.Add(connA)
	registry.Add(connB)

	sessions := session.NewDirectory()
	_, _, _, err := sessions.JoinOrCreate("conn-a", "Alice")
	require.NoError(t, err)
	sessID, _, _, err := sessions.JoinOrCreate("conn-b", "Bob")
	require.NoError(t, err)

	b := NewBroadcaster(registry, sessions)
	defer b.Close()

	start := time.Now()
	b.Send(SessionTarget(sessID), wire.OutOpponentReconnected, nil, PriorityHigh)

	envA := drainFrame(t, connA)
	envB := drainFrame(t, connB)
	elapsed := time.Since(start)

	assert.Equal(t, wire.OutOpponentReconnected, envA.Type)
	assert.Equal(t, wire.OutOpponentReconnected, envB.Type)
	assert.Less(t, elapsed, batchWindow, "High priority should preempt the batch window, not wait for it")
}

// Test: a Multiple target delivers one enqueued message to every listed
// connection
func TestBroadcaster_Send_MultipleTargetReachesAllRecipients(t *testing.T) {
	registry := transport.NewRegistry()
	connA := transport.NewConnection("conn-a")
	connB := transport.NewConnection("conn-b")
	registry.Add(connA)
	registry.Add(connB)

	b := NewBroadcaster(registry, session.NewDirectory())
	defer b.Close()

	b.Send(MultipleTarget([]string{"conn-a", "conn-b"}), wire.OutCardPlayed, wire.CardPlayedData{Player: 1, Card: kseri.Card{Suit: kseri.Hearts, Rank: kseri.Seven}}, PriorityNormal)

	envA := drainFrame(t, connA)
	envB := drainFrame(t, connB)
	assert.Equal(t, wire.OutCardPlayed, envA.Type)
	assert.Equal(t, wire.OutCardPlayed, envB.Type)
}

// Test: two messages enqueued for the same connection are delivered in
// enqueue order regardless of batch boundaries
func TestBroadcaster_Deliver_PreservesPerConnectionOrder(t *testing.T) {
	registry := transport.NewRegistry()
	conn := transport.NewConnection("conn-a")
	registry.Add(conn)

	b := NewBroadcaster(registry, session.NewDirectory())
	defer b.Close()

	b.Send(SingleTarget("conn-a"), wire.OutCardPlayed, wire.CardPlayedData{Player: 0, Card: kseri.Card{Suit: kseri.Hearts, Rank: kseri.Seven}}, PriorityNormal)
	b.Send(SingleTarget("conn-a"), wire.OutStateUpdate, wire.StateUpdateData{}, PriorityNormal)

	first := drainFrame(t, conn)
	second := drainFrame(t, conn)

	assert.Equal(t, wire.OutCardPlayed, first.Type)
	assert.Equal(t, wire.OutStateUpdate, second.Type)
}

// Test: a target naming an unknown connection is silently dropped rather
// than blocking delivery to the rest of the batch
func TestBroadcaster_Deliver_SkipsUnknownConnection(t *testing.T) {
	registry := transport.NewRegistry()
	conn := transport.NewConnection("conn-a")
	registry.Add(conn)

	b := NewBroadcaster(registry, session.NewDirectory())
	defer b.Close()

	b.Send(SingleTarget("conn-ghost"), wire.OutPong, nil, PriorityNormal)
	b.Send(SingleTarget("conn-a"), wire.OutPong, nil, PriorityHigh)

	env := drainFrame(t, conn)
	assert.Equal(t, wire.OutPong, env.Type)
}
