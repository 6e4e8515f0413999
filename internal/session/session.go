// Package session owns the Session Directory: matchmaking, the session
// registry, token-based reconnection, and the single writer lock guarding
// each session's game state. It is the only component that calls into the
// game engine; callers never touch a *kseri.GameState directly.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"kseri-server/internal/kseri"
	"kseri-server/internal/server/wire"
)

// Timing constants for reconnection and eviction.
const (
	ReconnectGrace  = 30 * time.Second
	SessionTTL      = 30 * time.Minute
	WaitingTTL      = 5 * time.Minute
	eventHistoryCap = 50
)

// Seat is one occupied slot in a session: who holds it, what they're
// called, and whether they're currently connected.
type Seat struct {
	ConnectionID   string
	PlayerName     string
	PlayerID       kseri.PlayerSeat
	SessionToken   string
	Connected      bool
	DisconnectedAt time.Time // zero value means "never disconnected"
}

// event is a diagnostic entry in a session's bounded history ring.
type event struct {
	kind string
	at   time.Time
}

// Session is one two-player game in progress: its seats, its game state,
// and bookkeeping timestamps. All mutation goes through mu; readers may
// share it, writers (including seat assignment and event recording) take
// it exclusively.
type Session struct {
	ID string

	mu           sync.RWMutex
	seats        [2]*Seat
	game         *kseri.GameState
	createdAt    time.Time
	lastActivity time.Time
	history      []event
}

func newSession() (*Session, error) {
	game, err := kseri.NewGame()
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	now := time.Now()
	return &Session{
		ID:           uuid.New().String(),
		game:         game,
		createdAt:    now,
		lastActivity: now,
	}, nil
}

// newToken derives an opaque `<session-id>-<random>` token carrying 128
// bits of entropy from a process-local cryptographic random source.
func newToken(sessionID string) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return fmt.Sprintf("%s-%s", sessionID, hex.EncodeToString(buf)), nil
}

// addSeat occupies the first empty slot for connID, issuing a fresh
// session token. Returns an error if both slots are already taken.
func (s *Session) addSeat(connID, name string) (kseri.PlayerSeat, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := -1
	switch {
	case s.seats[0] == nil:
		slot = 0
	case s.seats[1] == nil:
		slot = 1
	default:
		return 0, "", errors.New("SESSION_FULL: session already has two players")
	}

	token, err := newToken(s.ID)
	if err != nil {
		return 0, "", err
	}

	playerID := kseri.PlayerSeat(slot)
	s.seats[slot] = &Seat{
		ConnectionID: connID,
		PlayerName:   name,
		PlayerID:     playerID,
		SessionToken: token,
		Connected:    true,
	}
	return playerID, token, nil
}

func (s *Session) seatByConnectionLocked(connID string) *Seat {
	for _, seat := range s.seats {
		if seat != nil && seat.ConnectionID == connID {
			return seat
		}
	}
	return nil
}

func (s *Session) seatByTokenLocked(token string) *Seat {
	for _, seat := range s.seats {
		if seat != nil && seat.SessionToken == token {
			return seat
		}
	}
	return nil
}

func (s *Session) opponentSeatLocked(playerID kseri.PlayerSeat) *Seat {
	return s.seats[playerID.Opponent()]
}

func (s *Session) isReadyLocked() bool {
	return s.seats[0] != nil && s.seats[1] != nil
}

// addEventLocked appends a diagnostic event, trimming the ring to its
// bounded capacity, and touches last-activity.
func (s *Session) addEventLocked(kind string) {
	s.history = append(s.history, event{kind: kind, at: time.Now()})
	if len(s.history) > eventHistoryCap {
		s.history = s.history[len(s.history)-eventHistoryCap:]
	}
	s.lastActivity = time.Now()
}

// stateForLocked builds the personalized StateUpdate payload for playerID.
func (s *Session) stateForLocked(playerID kseri.PlayerSeat) wire.StateUpdateData {
	opponent := playerID.Opponent()
	scores := s.game.Scores()

	var lastCapturer *int
	if s.game.LastCapturer != nil {
		v := int(*s.game.LastCapturer)
		lastCapturer = &v
	}

	return wire.StateUpdateData{
		HandCount:         len(s.game.Hand[playerID]),
		OpponentHandCount: len(s.game.Hand[opponent]),
		TableCards:        append([]kseri.Card(nil), s.game.Table...),
		YourScore:         scores[playerID],
		OpponentScore:     scores[opponent],
		DeckRemaining:     len(s.game.Deck),
		YourTurn:          s.game.Turn == playerID,
		LastCapturePlayer: lastCapturer,
	}
}

// isExpiredLocked reports whether this session is a candidate for
// eviction: either both occupied seats have been disconnected longer than
// the reconnect grace, or the session has simply lived past its TTL (which
// also reaps single-occupancy waiting placeholders that are never
// reconnected into).
func (s *Session) isExpiredLocked(now time.Time) bool {
	anySeat := false
	allDisconnected := true
	var latestDisconnect time.Time

	for _, seat := range s.seats {
		if seat == nil {
			continue
		}
		anySeat = true
		if seat.Connected {
			allDisconnected = false
			break
		}
		if seat.DisconnectedAt.After(latestDisconnect) {
			latestDisconnect = seat.DisconnectedAt
		}
	}

	if anySeat && allDisconnected && !latestDisconnect.IsZero() && now.Sub(latestDisconnect) > ReconnectGrace {
		return true
	}
	return now.Sub(s.createdAt) > SessionTTL
}
