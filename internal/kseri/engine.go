package kseri

import (
	"fmt"
	"sort"
)

// PlayerSeat is one of the two seats at a Kseri table.
type PlayerSeat int

const (
	PlayerOne PlayerSeat = 0
	PlayerTwo PlayerSeat = 1
)

func (p PlayerSeat) Opponent() PlayerSeat {
	if p == PlayerOne {
		return PlayerTwo
	}
	return PlayerOne
}

// GameState is the single invariant-carrying entity for one session: deck,
// both hands, the table pile, both won piles, and whose turn it is. All
// mutation goes through PlayCard; callers are responsible for serializing
// access (the session directory holds one write lock per session).
type GameState struct {
	Deck         []Card
	Hand         [2][]Card
	Table        []Card
	Won          [2][]Card
	KseriCount   [2]int
	Turn         PlayerSeat
	LastCapturer *PlayerSeat
	Finished     bool
}

// PlayResult describes the effect of a single PlayCard call.
type PlayResult struct {
	CapturedCards []Card
	IsKseri       bool
	NewHandsDealt bool
	GameEnded     bool
}

// NewGame shuffles a fresh deck, deals 4 cards to the table and 4 to each
// player (40 remain in the deck), and sets player one to move first. There
// is no anti-Jack reshuffle of the initial table: the engine is the
// authoritative source of truth and the client-side dealing rule that
// reshuffles on a Jack does not apply here.
func NewGame() (*GameState, error) {
	deck := NewDeck()
	if err := deck.Shuffle(); err != nil {
		return nil, err
	}

	g := &GameState{Turn: PlayerOne}
	for i := 0; i < 4; i++ {
		c, ok := deck.Draw()
		if !ok {
			break
		}
		g.Table = append(g.Table, c)
	}
	dealHands(g, deck)
	g.Deck = deck.cards
	return g, nil
}

// dealHands deals 4 cards to each player, alternating seats per round to
// match the reference dealing order, leaving any undealt remainder in deck.
func dealHands(g *GameState, deck *Deck) {
	for round := 0; round < 4; round++ {
		for _, seat := range [2]PlayerSeat{PlayerOne, PlayerTwo} {
			c, ok := deck.Draw()
			if !ok {
				return
			}
			g.Hand[seat] = append(g.Hand[seat], c)
		}
	}
}

// dealNewHands deals a fresh 4-card hand to each player from the remaining
// deck. Returns false if the deck was already empty.
func (g *GameState) dealNewHands() bool {
	if len(g.Deck) == 0 {
		return false
	}
	d := &Deck{cards: g.Deck}
	dealHands(g, d)
	g.Deck = d.cards
	return true
}

// PlayCard plays card from player's hand, resolves capture, advances turn,
// and deals a fresh round or ends the game when both hands run dry.
func (g *GameState) PlayCard(player PlayerSeat, card Card) (PlayResult, error) {
	if g.Finished {
		return PlayResult{}, fmt.Errorf("GAME_OVER: the game has already finished")
	}
	if g.Turn != player {
		return PlayResult{}, fmt.Errorf("NOT_YOUR_TURN: it is not your turn")
	}

	hand := g.Hand[player]
	pos := -1
	for i, c := range hand {
		if c == card {
			pos = i
			break
		}
	}
	if pos == -1 {
		return PlayResult{}, fmt.Errorf("CARD_NOT_IN_HAND: %s is not in your hand", describe(card))
	}
	g.Hand[player] = append(hand[:pos], hand[pos+1:]...)

	var result PlayResult

	if len(g.Table) == 0 {
		g.Table = append(g.Table, card)
	} else {
		top := g.Table[len(g.Table)-1]
		capture := card.Rank == Jack || top.Rank == card.Rank

		if capture {
			isKseri := len(g.Table) == 1 && card.Rank != Jack && g.Table[0].Rank == card.Rank

			taken := g.Table
			g.Table = nil
			taken = append(taken, card)

			g.Won[player] = append(g.Won[player], taken...)
			if isKseri {
				g.KseriCount[player]++
			}
			capturer := player
			g.LastCapturer = &capturer

			result.CapturedCards = taken
			result.IsKseri = isKseri
		} else {
			g.Table = append(g.Table, card)
		}
	}

	g.Turn = player.Opponent()

	if len(g.Hand[0]) == 0 && len(g.Hand[1]) == 0 {
		if g.dealNewHands() {
			result.NewHandsDealt = true
		} else {
			g.finish()
		}
	}

	result.GameEnded = g.Finished
	return result, nil
}

// finish awards any residual table cards to the last capturer and marks
// the game terminal. Called once the deck and both hands are exhausted.
func (g *GameState) finish() {
	g.Finished = true
	if len(g.Table) > 0 && g.LastCapturer != nil {
		g.Won[*g.LastCapturer] = append(g.Won[*g.LastCapturer], g.Table...)
		g.Table = nil
	}
}

// Scores sums each player's captured-card values, adds 10 per Kseri, and
// awards a +3 majority bonus to whoever holds a strict majority (>26) of
// captured cards. An even split of captured cards awards neither player.
func (g *GameState) Scores() [2]int {
	var scores [2]int
	for p := 0; p < 2; p++ {
		for _, c := range g.Won[p] {
			scores[p] += c.Value()
		}
		scores[p] += 10 * g.KseriCount[p]
	}

	switch {
	case len(g.Won[0]) > 26:
		scores[0] += 3
	case len(g.Won[1]) > 26:
		scores[1] += 3
	}

	return scores
}

// Winner reports the player with the higher final score. Only meaningful
// once Finished is true; a tie returns ok=false.
func (g *GameState) Winner() (player PlayerSeat, ok bool) {
	if !g.Finished {
		return 0, false
	}
	scores := g.Scores()
	switch {
	case scores[0] > scores[1]:
		return PlayerOne, true
	case scores[1] > scores[0]:
		return PlayerTwo, true
	default:
		return 0, false
	}
}

// Validate checks the conservation invariant: the deck, both hands, the
// table, and both won piles together hold exactly the 52-card deck with no
// duplicates. Used by the tests; the session layer does not call it.
func (g *GameState) Validate() error {
	all := make([]Card, 0, 52)
	all = append(all, g.Deck...)
	all = append(all, g.Hand[0]...)
	all = append(all, g.Hand[1]...)
	all = append(all, g.Table...)
	all = append(all, g.Won[0]...)
	all = append(all, g.Won[1]...)

	if len(all) != 52 {
		return fmt.Errorf("INVALID_CARD_COUNT: expected 52 cards in play, found %d", len(all))
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].Suit != all[j].Suit {
			return all[i].Suit < all[j].Suit
		}
		return all[i].Rank < all[j].Rank
	})
	for i := 1; i < len(all); i++ {
		if all[i] == all[i-1] {
			return fmt.Errorf("DUPLICATE_CARD: %s appears more than once", describe(all[i]))
		}
	}
	return nil
}

func describe(c Card) string {
	return fmt.Sprintf("%s of %s", c.Rank, c.Suit)
}
