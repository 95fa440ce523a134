// internal/session/claim.go
package session

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// ClaimResult reports the outcome of a win claim. An invalid claim is a
// legitimate outcome, not an error: the claimant is kicked and told which
// values their nearest pattern still missed (diagnostic only).
type ClaimResult struct {
	Valid   bool   `json:"valid"`
	Winner  string `json:"winner,omitempty"`
	Pattern string `json:"pattern,omitempty"`
	Pot     int64  `json:"pot,omitempty"`
	Kicked  bool   `json:"kicked,omitempty"`
	Missing []int  `json:"missing,omitempty"`
}

// Claim verifies a win claim against the claimant's stored grid and the
// server-held draw history; client-reported numbers are never consulted.
// The first valid claim to land wins the pot atomically; a racing claim
// observes the decided lobby and fails with ErrAlreadyDecided.
func (e *Engine) Claim(ctx context.Context, lobbyID, identity string) (ClaimResult, error) {
	mu := e.locks.get(lobbyID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := e.loadLobby(ctx, lobbyID)
	if err != nil {
		return ClaimResult{}, err
	}
	if rec.Phase != PhaseActive {
		if rec.Phase == PhaseFinished && rec.Winner != "" {
			return ClaimResult{}, ErrAlreadyDecided
		}
		return ClaimResult{}, fmt.Errorf("%w: lobby is %s", ErrWrongPhase, rec.Phase)
	}

	player, err := e.loadMember(ctx, lobbyID, identity)
	if err != nil {
		return ClaimResult{}, err
	}
	if !player.Active {
		return ClaimResult{}, ErrInactivePlayer
	}

	grid, err := unmarshalGrid(player.Grid)
	if err != nil {
		return ClaimResult{}, err
	}
	drawn, err := e.drawnSet(ctx, lobbyID)
	if err != nil {
		return ClaimResult{}, err
	}

	won, ok, nearest, missing := evaluatePatterns(grid, drawn)
	if ok {
		// First writer of the winner field decides the game.
		set, err := e.store.HSetNX(ctx, lobbyKey(lobbyID), "winner", identity)
		if err != nil {
			return ClaimResult{}, err
		}
		if !set {
			return ClaimResult{}, ErrAlreadyDecided
		}
		pot := rec.Pot
		if err := e.finishUnsafe(ctx, rec, identity); err != nil {
			return ClaimResult{}, err
		}
		log.WithFields(log.Fields{
			"lobby":   lobbyID,
			"winner":  identity,
			"pattern": won,
			"pot":     pot,
		}).Info("claim verified, game decided")
		return ClaimResult{Valid: true, Winner: identity, Pattern: won, Pot: pot}, nil
	}

	// Invalid claim: the claimant drops to inactive; the lobby's phase is
	// untouched and everyone else keeps playing.
	if err := e.store.HSet(ctx, playerKey(lobbyID, identity), map[string]string{
		"active": "false",
	}); err != nil {
		return ClaimResult{}, err
	}
	log.WithFields(log.Fields{"lobby": lobbyID, "player": identity}).
		Info("invalid claim, player kicked")

	// With nobody left to claim, the lobby must still resolve rather than
	// tick draws to exhaustion for an empty room.
	remaining, err := e.activeMembersUnsafe(ctx, lobbyID)
	if err == nil && len(remaining) == 0 {
		if err := e.finishUnsafe(ctx, rec, ""); err != nil {
			log.WithField("lobby", lobbyID).WithError(err).Error("all-kicked finish failed")
		}
	}

	return ClaimResult{Valid: false, Kicked: true, Pattern: nearest, Missing: missing}, nil
}
