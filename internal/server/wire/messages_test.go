package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kseri-server/internal/kseri"
)

// Test: decoding a frame then re-encoding its payload round-trips, up to key
// ordering, for a representative set of message shapes carrying data
func TestEncodeDecode_RoundTrips(t *testing.T) {
	cases := []struct {
		name string
		typ  string
		data interface{}
	}{
		{"JoinQueue", InJoinQueue, JoinQueueData{PlayerName: "Alice"}},
		{"PlayCard", InPlayCard, PlayCardData{Card: kseri.Card{Suit: kseri.Diamonds, Rank: kseri.Ten}}},
		{"GameStarted", OutGameStarted, GameStartedData{
			OpponentName: "Bob",
			YourTurn:     true,
			InitialHand:  []kseri.Card{{Suit: kseri.Hearts, Rank: kseri.Ace}},
			TableCards:   []kseri.Card{{Suit: kseri.Clubs, Rank: kseri.King}},
		}},
		{"StateUpdate", OutStateUpdate, StateUpdateData{HandCount: 3, YourTurn: true}},
		{"GameOver", OutGameOver, GameOverData{FinalScores: [2]int{15, 8}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := Encode(tc.typ, tc.data)
			require.NoError(t, err)

			env, err := Decode(frame)
			require.NoError(t, err)
			assert.Equal(t, tc.typ, env.Type)

			reEncoded, err := json.Marshal(env)
			require.NoError(t, err)

			var original, roundTripped map[string]interface{}
			require.NoError(t, json.Unmarshal(frame, &original))
			require.NoError(t, json.Unmarshal(reEncoded, &roundTripped))
			assert.Equal(t, original, roundTripped)
		})
	}
}

// Test: a nil payload encodes as an empty object rather than null, so
// no-data message types (Pong, WaitingForOpponent) decode cleanly
func TestEncode_NilDataBecomesEmptyObject(t *testing.T) {
	frame, err := Encode(OutPong, nil)
	require.NoError(t, err)

	env, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, OutPong, env.Type)
	assert.JSONEq(t, "{}", string(env.Data))
}

// Test: a frame that isn't valid JSON fails to decode rather than panicking
func TestDecode_InvalidJSONFails(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)
}
