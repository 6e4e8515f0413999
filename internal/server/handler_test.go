package server

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kseri-server/internal/kseri"
	"kseri-server/internal/server/wire"
	"kseri-server/internal/session"
	"kseri-server/internal/transport"
)

func setupHandlerFixture() (*transport.Registry, *session.Directory, *Broadcaster) {
	registry := transport.NewRegistry()
	sessions := session.NewDirectory()
	broadcaster := NewBroadcaster(registry, sessions)
	return registry, sessions, broadcaster
}

func rawJoinQueue(t *testing.T, name string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(wire.JoinQueueData{PlayerName: name})
	require.NoError(t, err)
	return raw
}

// Test: JoinQueue on an empty queue yields Connected then WaitingForOpponent
// sent directly; the second joiner instead triggers GameStarted to both via
// the broadcaster
func TestHandleJoinQueue_PairsSecondJoinerWithGameStarted(t *testing.T) {
	registry, sessions, broadcaster := setupHandlerFixture()
	defer broadcaster.Close()

	connA := transport.NewConnection("conn-a")
	registry.Add(connA)
	handleJoinQueue("conn-a", rawJoinQueue(t, "Alice"), connA, sessions, broadcaster)

	connected := drainFrame(t, connA)
	assert.Equal(t, wire.OutConnected, connected.Type)
	waiting := drainFrame(t, connA)
	assert.Equal(t, wire.OutWaitingForOpponent, waiting.Type)

	connB := transport.NewConnection("conn-b")
	registry.Add(connB)
	handleJoinQueue("conn-b", rawJoinQueue(t, "Bob"), connB, sessions, broadcaster)

	connectedB := drainFrame(t, connB)
	assert.Equal(t, wire.OutConnected, connectedB.Type)

	gameStartedA := drainFrame(t, connA)
	gameStartedB := drainFrame(t, connB)
	assert.Equal(t, wire.OutGameStarted, gameStartedA.Type)
	assert.Equal(t, wire.OutGameStarted, gameStartedB.Type)
}

// Test: a legal play reaches both seats as CardPlayed followed by a
// personalized StateUpdate
// Why: the CardPlayed fan-out goes through one Multiple send, which must
// not change what either recipient observes
func TestHandlePlayCard_LegalPlayBroadcastsToBothSeats(t *testing.T) {
	registry, sessions, broadcaster := setupHandlerFixture()
	defer broadcaster.Close()

	connA := transport.NewConnection("conn-a")
	connB := transport.NewConnection("conn-b")
	registry.Add(connA)
	registry.Add(connB)

	handleJoinQueue("conn-a", rawJoinQueue(t, "Alice"), connA, sessions, broadcaster)
	drainFrame(t, connA) // Connected
	drainFrame(t, connA) // WaitingForOpponent

	handleJoinQueue("conn-b", rawJoinQueue(t, "Bob"), connB, sessions, broadcaster)
	drainFrame(t, connB) // Connected

	gameStartedA := drainFrame(t, connA)
	drainFrame(t, connB) // GameStarted
	require.Equal(t, wire.OutGameStarted, gameStartedA.Type)

	// Player one moves first; any card from their dealt hand is legal.
	var started wire.GameStartedData
	require.NoError(t, json.Unmarshal(gameStartedA.Data, &started))
	require.NotEmpty(t, started.InitialHand)

	raw, err := json.Marshal(wire.PlayCardData{Card: started.InitialHand[0]})
	require.NoError(t, err)

	handlePlayCard("conn-a", raw, connA, sessions, broadcaster)

	for _, conn := range []*transport.Connection{connA, connB} {
		played := drainFrame(t, conn)
		assert.Equal(t, wire.OutCardPlayed, played.Type)
		state := drainFrame(t, conn)
		assert.Equal(t, wire.OutStateUpdate, state.Type)
	}
}

// Test: a PlayCard dispatch for an out-of-turn play is reported back as
// InvalidMove rather than silently dropped
func TestHandlePlayCard_OutOfTurnYieldsInvalidMove(t *testing.T) {
	registry, sessions, broadcaster := setupHandlerFixture()
	defer broadcaster.Close()

	connA := transport.NewConnection("conn-a")
	connB := transport.NewConnection("conn-b")
	registry.Add(connA)
	registry.Add(connB)

	handleJoinQueue("conn-a", rawJoinQueue(t, "Alice"), connA, sessions, broadcaster)
	drainFrame(t, connA) // Connected
	drainFrame(t, connA) // WaitingForOpponent

	handleJoinQueue("conn-b", rawJoinQueue(t, "Bob"), connB, sessions, broadcaster)
	drainFrame(t, connB) // Connected
	drainFrame(t, connA) // GameStarted
	drainFrame(t, connB) // GameStarted

	sessionID, ok := sessions.SessionIDFor("conn-b")
	require.True(t, ok)

	// conn-b is player two and it is player one's turn, so conn-b playing
	// anything is out of turn.
	state, ok := sessions.GetStateFor(sessionID, "conn-b")
	require.True(t, ok)
	assert.False(t, state.YourTurn)

	raw, err := json.Marshal(wire.PlayCardData{Card: kseri.Card{Suit: kseri.Hearts, Rank: kseri.Ace}})
	require.NoError(t, err)

	handlePlayCard("conn-b", raw, connB, sessions, broadcaster)

	invalid := drainFrame(t, connB)
	assert.Equal(t, wire.OutInvalidMove, invalid.Type)
}

// Test: RequestState for an unbound connection replies Error rather than
// panicking on a missing session lookup
func TestHandleRequestState_UnboundConnectionYieldsError(t *testing.T) {
	registry, sessions, broadcaster := setupHandlerFixture()
	defer broadcaster.Close()

	conn := transport.NewConnection("conn-solo")
	registry.Add(conn)

	handleRequestState("conn-solo", conn, sessions)

	env := drainFrame(t, conn)
	assert.Equal(t, wire.OutError, env.Type)
}

// Test: an unparseable JoinQueue payload replies Error instead of panicking
func TestHandleJoinQueue_InvalidPayloadYieldsError(t *testing.T) {
	_, sessions, broadcaster := setupHandlerFixture()
	defer broadcaster.Close()

	conn := transport.NewConnection("conn-a")
	handleJoinQueue("conn-a", json.RawMessage(`{"player_name": 5}`), conn, sessions, broadcaster)

	env := drainFrame(t, conn)
	assert.Equal(t, wire.OutError, env.Type)
}
