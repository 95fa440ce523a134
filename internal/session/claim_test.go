// internal/session/claim_test.go
package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimDecidesGameOnCompletedRow(t *testing.T) {
	e, _ := newTestEngine(testOptions())
	ctx := context.Background()

	seedActiveLobby(t, e, "lobby_claim", 3500, map[string]Grid{
		"player_1": {{1, 2, 3}, {4, 5, 6}, {7, 8, 9}},
		"player_2": {{2, 4, 6}, {8, 10, 12}, {14, 16, 18}},
	})
	require.NoError(t, e.store.HSet(ctx, lobbyKey("lobby_claim"), map[string]string{
		"pot": "7000",
	}))
	seedDraws(t, e, "lobby_claim", []int{1, 2, 3, 10, 11})

	res, err := e.Claim(ctx, "lobby_claim", "player_1")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, "player_1", res.Winner)
	assert.Equal(t, "row_0", res.Pattern)
	assert.EqualValues(t, 7000, res.Pot)

	rec, err := e.loadLobby(ctx, "lobby_claim")
	require.NoError(t, err)
	assert.Equal(t, PhaseFinished, rec.Phase)
	assert.Equal(t, "player_1", rec.Winner)

	// The race loser sees the decided lobby.
	_, err = e.Claim(ctx, "lobby_claim", "player_2")
	assert.ErrorIs(t, err, ErrAlreadyDecided)
}

func TestInvalidClaimKicksClaimantOnly(t *testing.T) {
	e, _ := newTestEngine(testOptions())
	ctx := context.Background()

	seedActiveLobby(t, e, "lobby_kick", 1000, map[string]Grid{
		"player_1": {{1, 2, 3}, {4, 5, 6}, {7, 8, 9}},
		"player_2": {{2, 4, 6}, {8, 10, 12}, {14, 16, 18}},
	})
	seedDraws(t, e, "lobby_kick", []int{1, 2, 3, 10, 11})

	res, err := e.Claim(ctx, "lobby_kick", "player_2")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.True(t, res.Kicked)
	assert.NotEmpty(t, res.Missing)

	m, err := e.loadMember(ctx, "lobby_kick", "player_2")
	require.NoError(t, err)
	assert.False(t, m.Active)

	// The game goes on for everyone else.
	rec, err := e.loadLobby(ctx, "lobby_kick")
	require.NoError(t, err)
	assert.Equal(t, PhaseActive, rec.Phase)

	// A kicked player cannot claim again.
	_, err = e.Claim(ctx, "lobby_kick", "player_2")
	assert.ErrorIs(t, err, ErrInactivePlayer)

	// The honest claimant still wins.
	res, err = e.Claim(ctx, "lobby_kick", "player_1")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, "player_1", res.Winner)
}

func TestAllKickedResolvesLobbyUnwon(t *testing.T) {
	e, _ := newTestEngine(testOptions())
	ctx := context.Background()

	seedActiveLobby(t, e, "lobby_empty", 1000, map[string]Grid{
		"player_1": {{1, 2, 3}, {4, 5, 6}, {7, 8, 9}},
		"player_2": {{10, 11, 12}, {13, 14, 15}, {16, 17, 18}},
	})
	seedDraws(t, e, "lobby_empty", []int{19, 20})

	res, err := e.Claim(ctx, "lobby_empty", "player_1")
	require.NoError(t, err)
	require.False(t, res.Valid)

	res, err = e.Claim(ctx, "lobby_empty", "player_2")
	require.NoError(t, err)
	require.False(t, res.Valid)

	rec, err := e.loadLobby(ctx, "lobby_empty")
	require.NoError(t, err)
	assert.Equal(t, PhaseFinished, rec.Phase)
	assert.Empty(t, rec.Winner)
}

func TestClaimRequiresActivePhase(t *testing.T) {
	e, _ := newTestEngine(testOptions())
	ctx := context.Background()

	res, err := e.Join(ctx, "player_1", 1000)
	require.NoError(t, err)

	_, err = e.Claim(ctx, res.LobbyID, "player_1")
	assert.ErrorIs(t, err, ErrWrongPhase)
}

func TestClaimUnknownLobby(t *testing.T) {
	e, _ := newTestEngine(testOptions())
	_, err := e.Claim(context.Background(), "lobby_missing", "player_1")
	assert.ErrorIs(t, err, ErrLobbyNotFound)
}

func TestClaimByNonMember(t *testing.T) {
	e, _ := newTestEngine(testOptions())
	ctx := context.Background()

	seedActiveLobby(t, e, "lobby_outsider", 1000, map[string]Grid{
		"player_1": {{1, 2, 3}, {4, 5, 6}, {7, 8, 9}},
	})
	_, err := e.Claim(ctx, "lobby_outsider", "intruder")
	assert.ErrorIs(t, err, ErrInactivePlayer)
}
