package server

import (
	"log"
	"time"

	"kseri-server/internal/server/wire"
	"kseri-server/internal/session"
	"kseri-server/internal/transport"
)

const (
	batchWindow = 10 * time.Millisecond
	batchCap    = 50
)

// Priority orders queued outbound messages. Any High or Critical message
// preempts the current batch and flushes immediately instead of waiting
// for the window to elapse.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// TargetKind selects how a broadcast message's recipients are resolved.
type TargetKind int

const (
	TargetSingle TargetKind = iota
	TargetMultiple
	TargetSession
	TargetAll
)

// Target names the recipients of a broadcast message.
type Target struct {
	Kind          TargetKind
	ConnectionID  string
	ConnectionIDs []string
	SessionID     string
}

// SingleTarget addresses exactly one connection.
func SingleTarget(connID string) Target { return Target{Kind: TargetSingle, ConnectionID: connID} }

// MultipleTarget addresses an explicit list of connections.
func MultipleTarget(ids []string) Target { return Target{Kind: TargetMultiple, ConnectionIDs: ids} }

// SessionTarget expands to every currently connected seat of a session.
func SessionTarget(sessionID string) Target { return Target{Kind: TargetSession, SessionID: sessionID} }

// AllTarget is reserved and unimplemented.
func AllTarget() Target { return Target{Kind: TargetAll} }

type broadcastMessage struct {
	target   Target
	msgType  string
	data     interface{}
	priority Priority
}

// Broadcaster is the single long-lived fan-out task consuming a
// multi-producer queue of targeted messages. It batches up to batchCap
// entries or batchWindow, whichever comes first, except that any
// High/Critical message flushes the batch immediately. Delivery groups
// messages by destination connection id and sends each group through the
// connection's own outbound channel in enqueue order, so per-recipient
// ordering is preserved regardless of batch boundaries.
type Broadcaster struct {
	queue    chan broadcastMessage
	done     chan struct{}
	registry *transport.Registry
	sessions *session.Directory
}

// NewBroadcaster starts the broadcaster's run loop on its own goroutine.
func NewBroadcaster(registry *transport.Registry, sessions *session.Directory) *Broadcaster {
	b := &Broadcaster{
		queue:    make(chan broadcastMessage, 4096),
		done:     make(chan struct{}),
		registry: registry,
		sessions: sessions,
	}
	go b.run()
	return b
}

// Send enqueues a message for delivery. Queuing never blocks on the
// network, only on the channel buffer, which is sized generously against
// the batch cap.
func (b *Broadcaster) Send(target Target, msgType string, data interface{}, priority Priority) {
	select {
	case b.queue <- broadcastMessage{target: target, msgType: msgType, data: data, priority: priority}:
	case <-b.done:
	}
}

// Close stops the run loop after flushing whatever is queued.
func (b *Broadcaster) Close() {
	close(b.done)
}

func (b *Broadcaster) run() {
	var batch []broadcastMessage
	timer := time.NewTimer(batchWindow)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		b.deliver(batch)
		batch = nil
	}

	for {
		select {
		case msg := <-b.queue:
			batch = append(batch, msg)
			if msg.priority >= PriorityHigh || len(batch) >= batchCap {
				flush()
			}

		case <-timer.C:
			flush()
			timer.Reset(batchWindow)

		case <-b.done:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case msg := <-b.queue:
					batch = append(batch, msg)
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliver groups a batch by destination connection id, preserving each
// connection's enqueue order, then sends every group through that
// connection's sender handle. A send failure is logged, not retried; the
// connection is already a candidate for heartbeat eviction.
func (b *Broadcaster) deliver(batch []broadcastMessage) {
	type outgoing struct {
		msgType string
		data    interface{}
	}

	byConnection := make(map[string][]outgoing)
	order := make([]string, 0, len(batch))

	add := func(connID string, msgType string, data interface{}) {
		if _, seen := byConnection[connID]; !seen {
			order = append(order, connID)
		}
		byConnection[connID] = append(byConnection[connID], outgoing{msgType: msgType, data: data})
	}

	for _, m := range batch {
		switch m.target.Kind {
		case TargetSingle:
			add(m.target.ConnectionID, m.msgType, m.data)
		case TargetMultiple:
			for _, id := range m.target.ConnectionIDs {
				add(id, m.msgType, m.data)
			}
		case TargetSession:
			for _, id := range b.sessions.ConnectedConnections(m.target.SessionID) {
				add(id, m.msgType, m.data)
			}
		case TargetAll:
			log.Printf("broadcaster: All target is reserved and unimplemented")
		}
	}

	for _, connID := range order {
		conn, ok := b.registry.Get(connID)
		if !ok {
			continue
		}
		for _, out := range byConnection[connID] {
			frame, err := wire.Encode(out.msgType, out.data)
			if err != nil {
				log.Printf("broadcaster: encode %s for %s: %v", out.msgType, connID, err)
				continue
			}
			if err := conn.Send(frame); err != nil {
				log.Printf("broadcaster: send %s to %s: %v", out.msgType, connID, err)
			}
		}
	}
}
