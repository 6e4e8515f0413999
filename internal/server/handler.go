package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"kseri-server/internal/server/wire"
	"kseri-server/internal/session"
	"kseri-server/internal/transport"
)

// heartbeatInterval is how often the handler sends a transport-level
// websocket ping, distinct from the JSON Ping/Pong pair.
const heartbeatInterval = 30 * time.Second

// HandleConnection owns one connection's entire lifetime: registering it,
// pumping its outbound queue to the socket, reading and dispatching inbound
// frames, and tearing everything down (including notifying the Session
// Directory) once the socket goes away. All outbound delivery goes through
// the connection's own queue and writer goroutine rather than writing to
// the socket inline, so no caller ever blocks on the network while holding
// a lock.
func HandleConnection(ctx context.Context, socket *websocket.Conn, registry *transport.Registry, sessions *session.Directory, broadcaster *Broadcaster) {
	connID := uuid.New().String()
	conn := transport.NewConnection(connID)
	registry.Add(conn)
	log.Printf("Connection %s: accepted", connID)

	writerDone := make(chan struct{})
	go runWriter(ctx, socket, conn, writerDone)

	heartbeatDone := make(chan struct{})
	go runHeartbeat(ctx, socket, conn, heartbeatDone)

	defer func() {
		close(heartbeatDone)
		conn.Close()
		<-writerDone
		registry.Remove(connID)

		if sessionID, ok := sessions.SessionIDFor(connID); ok {
			if target, notify := sessions.HandleDisconnect(sessionID, connID); notify {
				broadcaster.Send(SingleTarget(target.ConnectionID), target.Type, target.Data, PriorityHigh)
			}
		}
		log.Printf("Connection %s: closed", connID)
	}()

	for {
		msgType, data, err := socket.Read(ctx)
		if err != nil {
			log.Printf("Connection %s: read error: %v", connID, err)
			return
		}

		switch msgType {
		case websocket.MessageText:
			conn.TouchPing()
			handleFrame(connID, data, conn, sessions, broadcaster)
		case websocket.MessageBinary:
			log.Printf("Connection %s: ignoring binary frame", connID)
		}
	}
}

// runWriter drains conn's outbox to the socket until the outbox is closed
// or a write fails.
func runWriter(ctx context.Context, socket *websocket.Conn, conn *transport.Connection, done chan struct{}) {
	defer close(done)
	for frame := range conn.Outbox() {
		if err := socket.Write(ctx, websocket.MessageText, frame.Data); err != nil {
			log.Printf("Connection %s: write error: %v", conn.ID, err)
			return
		}
	}
}

// runHeartbeat sends a transport-level ping every heartbeatInterval.
// socket.Ping blocks until the client's protocol pong arrives, so a
// successful round trip refreshes last-ping, so transport pongs count
// toward heartbeat accounting the same as inbound JSON frames do.
func runHeartbeat(ctx context.Context, socket *websocket.Conn, conn *transport.Connection, done chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := socket.Ping(ctx); err != nil {
				log.Printf("Connection %s: heartbeat ping failed: %v", conn.ID, err)
				return
			}
			conn.TouchPing()
		}
	}
}

// handleFrame decodes one inbound JSON frame and dispatches it by type. A
// decode failure is a protocol-kind error: reply Error and keep the
// connection open.
func handleFrame(connID string, raw []byte, conn *transport.Connection, sessions *session.Directory, broadcaster *Broadcaster) {
	env, err := wire.Decode(raw)
	if err != nil {
		sendDirect(conn, wire.OutError, wire.ErrorData{Message: "malformed JSON frame"})
		return
	}

	switch env.Type {
	case wire.InPing:
		conn.TouchPing()
		sendDirect(conn, wire.OutPong, nil)

	case wire.InJoinQueue:
		handleJoinQueue(connID, env.Data, conn, sessions, broadcaster)

	case wire.InReconnect:
		handleReconnect(connID, env.Data, conn, sessions, broadcaster)

	case wire.InPlayCard:
		handlePlayCard(connID, env.Data, conn, sessions, broadcaster)

	case wire.InRequestState:
		handleRequestState(connID, conn, sessions)

	default:
		log.Printf("Connection %s: unknown message type %q", connID, env.Type)
		sendDirect(conn, wire.OutError, wire.ErrorData{Message: fmt.Sprintf("unknown message type: %s", env.Type)})
	}
}

func handleJoinQueue(connID string, raw json.RawMessage, conn *transport.Connection, sessions *session.Directory, broadcaster *Broadcaster) {
	var payload wire.JoinQueueData
	if err := json.Unmarshal(raw, &payload); err != nil {
		sendDirect(conn, wire.OutError, wire.ErrorData{Message: "invalid JoinQueue payload"})
		return
	}

	sessionID, playerID, token, err := sessions.JoinOrCreate(connID, payload.PlayerName)
	if err != nil {
		sendDirect(conn, wire.OutError, wire.ErrorData{Message: err.Error()})
		return
	}
	conn.BindSession(sessionID, payload.PlayerName)

	sendDirect(conn, wire.OutConnected, wire.ConnectedData{PlayerID: int(playerID), SessionToken: token})

	if messages, ready := sessions.CheckGameReady(sessionID); ready {
		for _, m := range messages {
			broadcaster.Send(SingleTarget(m.ConnectionID), m.Type, m.Data, PriorityNormal)
		}
		return
	}
	sendDirect(conn, wire.OutWaitingForOpponent, nil)
}

func handleReconnect(connID string, raw json.RawMessage, conn *transport.Connection, sessions *session.Directory, broadcaster *Broadcaster) {
	var payload wire.ReconnectData
	if err := json.Unmarshal(raw, &payload); err != nil {
		sendDirect(conn, wire.OutError, wire.ErrorData{Message: "invalid Reconnect payload"})
		return
	}

	sessionID, playerID, messages, err := sessions.Reconnect(connID, payload.SessionToken)
	if err != nil {
		sendDirect(conn, wire.OutError, wire.ErrorData{Message: err.Error()})
		return
	}
	conn.BindSession(sessionID, "")

	for _, m := range messages {
		broadcaster.Send(SingleTarget(m.ConnectionID), m.Type, m.Data, PriorityNormal)
	}

	if opponentConnID, ok := sessions.OpponentConnection(sessionID, playerID); ok {
		broadcaster.Send(SingleTarget(opponentConnID), wire.OutOpponentReconnected, nil, PriorityHigh)
	}
}

func handlePlayCard(connID string, raw json.RawMessage, conn *transport.Connection, sessions *session.Directory, broadcaster *Broadcaster) {
	var payload wire.PlayCardData
	if err := json.Unmarshal(raw, &payload); err != nil {
		sendDirect(conn, wire.OutError, wire.ErrorData{Message: "invalid PlayCard payload"})
		return
	}

	sessionID, ok := sessions.SessionIDFor(connID)
	if !ok {
		sendDirect(conn, wire.OutError, wire.ErrorData{Message: "NOT_SEATED: connection is not bound to a session"})
		return
	}

	messages, err := sessions.PlayCard(sessionID, connID, payload.Card)
	if err != nil {
		sendDirect(conn, wire.OutInvalidMove, wire.InvalidMoveData{Reason: err.Error()})
		return
	}

	// CardPlayed must precede StateUpdate/GameOver for the same recipient;
	// PlayCard already returns them in that order and Send enqueues onto a
	// single FIFO channel, so per-recipient order survives batching.
	// CardPlayed and GameOver carry an identical payload to every recipient
	// and arrive as contiguous runs, so each run collapses into one
	// Multiple send; NewCards and StateUpdate are personalized and go one
	// send per recipient.
	for i := 0; i < len(messages); {
		m := messages[i]
		j := i + 1
		if m.Type == wire.OutCardPlayed || m.Type == wire.OutGameOver {
			for j < len(messages) && messages[j].Type == m.Type {
				j++
			}
		}

		priority := PriorityNormal
		if m.Type == wire.OutGameOver {
			priority = PriorityHigh
		}

		if j-i > 1 {
			ids := make([]string, 0, j-i)
			for _, grouped := range messages[i:j] {
				ids = append(ids, grouped.ConnectionID)
			}
			broadcaster.Send(MultipleTarget(ids), m.Type, m.Data, priority)
		} else {
			broadcaster.Send(SingleTarget(m.ConnectionID), m.Type, m.Data, priority)
		}
		i = j
	}
}

func handleRequestState(connID string, conn *transport.Connection, sessions *session.Directory) {
	sessionID, ok := sessions.SessionIDFor(connID)
	if !ok {
		sendDirect(conn, wire.OutError, wire.ErrorData{Message: "NOT_SEATED: connection is not bound to a session"})
		return
	}
	state, ok := sessions.GetStateFor(sessionID, connID)
	if !ok {
		sendDirect(conn, wire.OutError, wire.ErrorData{Message: "SESSION_NOT_FOUND: session does not exist"})
		return
	}
	sendDirect(conn, wire.OutStateUpdate, state)
}

// sendDirect encodes and queues a message straight onto conn, bypassing the
// Broadcaster. Reserved for replies that never fan out: Pong, Error,
// InvalidMove, Connected (after JoinQueue), WaitingForOpponent, and the
// StateUpdate answering RequestState.
func sendDirect(conn *transport.Connection, msgType string, data interface{}) {
	frame, err := wire.Encode(msgType, data)
	if err != nil {
		log.Printf("Connection %s: encode %s: %v", conn.ID, msgType, err)
		return
	}
	if err := conn.Send(frame); err != nil {
		log.Printf("Connection %s: send %s: %v", conn.ID, msgType, err)
	}
}
