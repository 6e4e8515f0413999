package session

import (
	"errors"
	"sync"
	"time"

	"kseri-server/internal/kseri"
	"kseri-server/internal/server/wire"
)

type waitingEntry struct {
	connectionID string
	playerName   string
	enqueuedAt   time.Time
}

// Directory is the process-wide Session Directory: the session registry,
// the matchmaking queue, and the connection-id to session-id reverse
// index. Its three maps are guarded independently. The waiting lock is
// never held while acquiring any other lock; registry scans may take a
// session's read lock under the sessions-map lock, always in that order,
// and no lock is ever held across a send to a connection.
type Directory struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	waitingMu sync.Mutex
	waiting   []waitingEntry

	connMu        sync.RWMutex
	connToSession map[string]string
}

// NewDirectory creates an empty Session Directory.
func NewDirectory() *Directory {
	return &Directory{
		sessions:      make(map[string]*Session),
		connToSession: make(map[string]string),
	}
}

func (d *Directory) getSession(id string) (*Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sess, ok := d.sessions[id]
	return sess, ok
}

// JoinOrCreate enrolls connID into matchmaking. If a waiter is already
// queued, it pairs them into a brand-new two-seat session; the waiter's
// one-seat placeholder session is left to expire on its own, since the
// waiting queue and the session registry are bookkept independently.
// Otherwise it creates a single-occupancy session for connID and enqueues
// it. The waiting lock is released before the sessions map or the reverse
// index is touched.
func (d *Directory) JoinOrCreate(connID, name string) (sessionID string, playerID kseri.PlayerSeat, token string, err error) {
	d.connMu.RLock()
	_, already := d.connToSession[connID]
	d.connMu.RUnlock()
	if already {
		return "", 0, "", errors.New("ALREADY_IN_SESSION: connection is already bound to a session")
	}

	sess, err := newSession()
	if err != nil {
		return "", 0, "", err
	}

	d.waitingMu.Lock()
	var waiter *waitingEntry
	if len(d.waiting) > 0 {
		w := d.waiting[0]
		d.waiting = d.waiting[1:]
		waiter = &w
	} else {
		d.waiting = append(d.waiting, waitingEntry{connectionID: connID, playerName: name, enqueuedAt: time.Now()})
	}
	d.waitingMu.Unlock()

	if waiter != nil {
		if _, _, err := sess.addSeat(waiter.connectionID, waiter.playerName); err != nil {
			return "", 0, "", err
		}
	}
	playerID, token, err = sess.addSeat(connID, name)
	if err != nil {
		return "", 0, "", err
	}

	d.mu.Lock()
	d.sessions[sess.ID] = sess
	d.mu.Unlock()

	d.connMu.Lock()
	if waiter != nil {
		d.connToSession[waiter.connectionID] = sess.ID
	}
	d.connToSession[connID] = sess.ID
	d.connMu.Unlock()

	return sess.ID, playerID, token, nil
}

// CheckGameReady returns the pair of personalized GameStarted messages iff
// both seats of sessionID are now filled.
func (d *Directory) CheckGameReady(sessionID string) ([]wire.Targeted, bool) {
	sess, ok := d.getSession(sessionID)
	if !ok {
		return nil, false
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if !sess.isReadyLocked() {
		return nil, false
	}

	out := make([]wire.Targeted, 0, 2)
	for idx, seat := range sess.seats {
		opponent := sess.seats[1-idx]
		out = append(out, wire.Targeted{
			ConnectionID: seat.ConnectionID,
			Type:         wire.OutGameStarted,
			Data: wire.GameStartedData{
				OpponentName: opponent.PlayerName,
				YourTurn:     seat.PlayerID == sess.game.Turn,
				InitialHand:  append([]kseri.Card(nil), sess.game.Hand[idx]...),
				TableCards:   append([]kseri.Card(nil), sess.game.Table...),
			},
		})
	}
	sess.addEventLocked("game_started")
	return out, true
}

// Reconnect rebinds connID to the seat holding session_token, provided the
// seat hasn't been disconnected longer than ReconnectGrace. Finding the
// session is a linear scan over the registry, acceptable given the
// dual-digit session cardinality a single server process expects to carry.
func (d *Directory) Reconnect(connID, token string) (sessionID string, playerID kseri.PlayerSeat, messages []wire.Targeted, err error) {
	d.mu.RLock()
	var found *Session
	for _, sess := range d.sessions {
		sess.mu.RLock()
		hasToken := sess.seatByTokenLocked(token) != nil
		sess.mu.RUnlock()
		if hasToken {
			found = sess
			break
		}
	}
	d.mu.RUnlock()

	if found == nil {
		return "", 0, nil, errors.New("UNKNOWN_TOKEN: no session matches this token")
	}

	found.mu.Lock()
	seat := found.seatByTokenLocked(token)
	if seat == nil {
		found.mu.Unlock()
		return "", 0, nil, errors.New("UNKNOWN_TOKEN: no session matches this token")
	}
	if !seat.DisconnectedAt.IsZero() && time.Since(seat.DisconnectedAt) > ReconnectGrace {
		found.mu.Unlock()
		return "", 0, nil, errors.New("RECONNECT_EXPIRED: reconnection timeout expired")
	}

	previousConnID := seat.ConnectionID
	seat.ConnectionID = connID
	seat.Connected = true
	seat.DisconnectedAt = time.Time{}
	playerID = seat.PlayerID
	stateData := found.stateForLocked(playerID)
	found.addEventLocked("player_reconnected")
	found.mu.Unlock()

	d.connMu.Lock()
	// A reconnect before the old connection's disconnect was processed
	// leaves the old id in the reverse index; drop it so it can't resolve
	// to a seat it no longer holds.
	if previousConnID != "" && previousConnID != connID {
		delete(d.connToSession, previousConnID)
	}
	d.connToSession[connID] = found.ID
	d.connMu.Unlock()

	messages = []wire.Targeted{
		{ConnectionID: connID, Type: wire.OutConnected, Data: wire.ConnectedData{PlayerID: int(playerID), SessionToken: token}},
		{ConnectionID: connID, Type: wire.OutStateUpdate, Data: stateData},
	}
	return found.ID, playerID, messages, nil
}

// PlayCard validates that connID holds a seat in sessionID, then plays
// card through the game engine under the session's write lock, and builds
// the full broadcast list: CardPlayed to both connected seats, a NewCards
// per connected seat if a fresh deal happened, a personalized StateUpdate per
// connected seat, and GameOver per connected seat if the engine finished.
// Engine errors are returned to the caller untranslated; the connection
// handler is responsible for turning them into an InvalidMove reply.
func (d *Directory) PlayCard(sessionID, connID string, card kseri.Card) ([]wire.Targeted, error) {
	sess, ok := d.getSession(sessionID)
	if !ok {
		return nil, errors.New("SESSION_NOT_FOUND: session does not exist")
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	seat := sess.seatByConnectionLocked(connID)
	if seat == nil {
		return nil, errors.New("NOT_SEATED: connection is not bound to this session")
	}

	result, err := sess.game.PlayCard(seat.PlayerID, card)
	if err != nil {
		return nil, err
	}

	var out []wire.Targeted

	cardPlayed := wire.CardPlayedData{
		Player:        int(seat.PlayerID),
		Card:          card,
		CapturedCards: result.CapturedCards,
		IsKseri:       result.IsKseri,
	}
	for _, s := range sess.seats {
		if s != nil && s.Connected {
			out = append(out, wire.Targeted{ConnectionID: s.ConnectionID, Type: wire.OutCardPlayed, Data: cardPlayed})
		}
	}

	if result.NewHandsDealt {
		for idx, s := range sess.seats {
			if s != nil && s.Connected {
				out = append(out, wire.Targeted{
					ConnectionID: s.ConnectionID,
					Type:         wire.OutNewCards,
					Data:         wire.NewCardsData{Cards: append([]kseri.Card(nil), sess.game.Hand[idx]...)},
				})
			}
		}
	}

	for _, s := range sess.seats {
		if s != nil && s.Connected {
			out = append(out, wire.Targeted{ConnectionID: s.ConnectionID, Type: wire.OutStateUpdate, Data: sess.stateForLocked(s.PlayerID)})
		}
	}

	if result.GameEnded {
		scores := sess.game.Scores()
		var winner *int
		if w, ok := sess.game.Winner(); ok {
			v := int(w)
			winner = &v
		}
		gameOver := wire.GameOverData{
			Winner:      winner,
			FinalScores: [2]int{scores[0], scores[1]},
			CapturedCards: [2][]kseri.Card{
				append([]kseri.Card(nil), sess.game.Won[0]...),
				append([]kseri.Card(nil), sess.game.Won[1]...),
			},
		}
		for _, s := range sess.seats {
			if s != nil && s.Connected {
				out = append(out, wire.Targeted{ConnectionID: s.ConnectionID, Type: wire.OutGameOver, Data: gameOver})
			}
		}
		sess.addEventLocked("game_ended")
	} else {
		sess.addEventLocked("card_played")
	}

	return out, nil
}

// GetStateFor builds the personalized StateUpdate view for connID, if it
// holds a seat in sessionID.
func (d *Directory) GetStateFor(sessionID, connID string) (wire.StateUpdateData, bool) {
	sess, ok := d.getSession(sessionID)
	if !ok {
		return wire.StateUpdateData{}, false
	}

	sess.mu.RLock()
	defer sess.mu.RUnlock()

	seat := sess.seatByConnectionLocked(connID)
	if seat == nil {
		return wire.StateUpdateData{}, false
	}
	return sess.stateForLocked(seat.PlayerID), true
}

// HandleDisconnect marks connID's seat disconnected and, if the opponent
// is still connected, returns the OpponentDisconnected notification for
// them to receive.
func (d *Directory) HandleDisconnect(sessionID, connID string) (wire.Targeted, bool) {
	sess, ok := d.getSession(sessionID)
	if !ok {
		return wire.Targeted{}, false
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	seat := sess.seatByConnectionLocked(connID)
	if seat == nil {
		return wire.Targeted{}, false
	}
	seat.Connected = false
	seat.DisconnectedAt = time.Now()
	sess.addEventLocked("player_disconnected")

	d.connMu.Lock()
	delete(d.connToSession, connID)
	d.connMu.Unlock()

	opponent := sess.opponentSeatLocked(seat.PlayerID)
	if opponent == nil || !opponent.Connected {
		return wire.Targeted{}, false
	}

	return wire.Targeted{
		ConnectionID: opponent.ConnectionID,
		Type:         wire.OutOpponentDisconnected,
		Data:         wire.OpponentDisconnectedData{TimeoutSeconds: int(ReconnectGrace / time.Second)},
	}, true
}

// OpponentConnection resolves the connection id of playerID's opponent in
// sessionID, if that opponent is currently connected.
func (d *Directory) OpponentConnection(sessionID string, playerID kseri.PlayerSeat) (string, bool) {
	sess, ok := d.getSession(sessionID)
	if !ok {
		return "", false
	}

	sess.mu.RLock()
	defer sess.mu.RUnlock()

	opponent := sess.opponentSeatLocked(playerID)
	if opponent == nil || !opponent.Connected {
		return "", false
	}
	return opponent.ConnectionID, true
}

// ConnectedConnections lists the connection ids of every currently
// connected seat in sessionID, used by the Broadcaster to expand a
// Session target into concrete recipients.
func (d *Directory) ConnectedConnections(sessionID string) []string {
	sess, ok := d.getSession(sessionID)
	if !ok {
		return nil
	}

	sess.mu.RLock()
	defer sess.mu.RUnlock()

	var ids []string
	for _, seat := range sess.seats {
		if seat != nil && seat.Connected {
			ids = append(ids, seat.ConnectionID)
		}
	}
	return ids
}

// SessionIDFor resolves the session bound to connID, if any.
func (d *Directory) SessionIDFor(connID string) (string, bool) {
	d.connMu.RLock()
	defer d.connMu.RUnlock()
	id, ok := d.connToSession[connID]
	return id, ok
}

// CleanupExpired evicts any session past its grace or TTL window and
// prunes waiting-queue entries older than WaitingTTL.
func (d *Directory) CleanupExpired() {
	now := time.Now()

	d.mu.Lock()
	var expired []string
	for id, sess := range d.sessions {
		sess.mu.RLock()
		exp := sess.isExpiredLocked(now)
		sess.mu.RUnlock()
		if exp {
			expired = append(expired, id)
			delete(d.sessions, id)
		}
	}
	d.mu.Unlock()

	if len(expired) > 0 {
		expiredSet := make(map[string]struct{}, len(expired))
		for _, id := range expired {
			expiredSet[id] = struct{}{}
		}

		d.connMu.Lock()
		for connID, sessID := range d.connToSession {
			if _, gone := expiredSet[sessID]; gone {
				delete(d.connToSession, connID)
			}
		}
		d.connMu.Unlock()
	}

	d.waitingMu.Lock()
	fresh := d.waiting[:0]
	for _, w := range d.waiting {
		if now.Sub(w.enqueuedAt) < WaitingTTL {
			fresh = append(fresh, w)
		}
	}
	d.waiting = fresh
	d.waitingMu.Unlock()
}
