// internal/session/status.go
package session

import (
	"context"
	"strconv"
	"time"
)

// PlayerStatus is the roster entry exposed to every member of a lobby.
// Grids stay private: only the viewer's own grid appears on the snapshot.
type PlayerStatus struct {
	Identity string `json:"identity"`
	Ready    bool   `json:"ready"`
	Active   bool   `json:"active"`
	Paid     bool   `json:"paid"`
	JoinedAt string `json:"joined_at,omitempty"`
}

// Snapshot is the phase-gated projection served to polling clients. The
// unrevealed draw history is never part of it: before the game ends only the
// latest and previous values are visible (the memory-challenge mechanic);
// the full history appears once the lobby is finished.
type Snapshot struct {
	LobbyID         string         `json:"lobby_id"`
	Phase           string         `json:"status"`
	Tier            int64          `json:"tier"`
	Pot             int64          `json:"pot"`
	PlayerCount     int            `json:"player_count"`
	ReadyCount      int            `json:"ready_count"`
	Players         []PlayerStatus `json:"players"`
	FormingDeadline string         `json:"forming_deadline,omitempty"`
	ArrangeDeadline string         `json:"arrange_deadline,omitempty"`
	LatestNumber    *int           `json:"latest_number,omitempty"`
	PreviousNumber  *int           `json:"previous_number,omitempty"`
	CalledCount     int64          `json:"called_count"`
	Numbers         []int          `json:"numbers,omitempty"`
	Winner          string         `json:"winner,omitempty"`
	TimeElapsed     int64          `json:"time_elapsed"`
	YourGrid        *Grid          `json:"your_grid,omitempty"`
}

// Status builds a weakly consistent snapshot for the viewer. It takes no
// lobby lock; a draw value visible one tick late is acceptable.
func (e *Engine) Status(ctx context.Context, lobbyID, viewer string) (*Snapshot, error) {
	rec, err := e.loadLobby(ctx, lobbyID)
	if err != nil {
		return nil, err
	}

	roster, err := e.store.ZRange(ctx, playersKey(lobbyID))
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		LobbyID:         rec.ID,
		Phase:           rec.Phase,
		Tier:            rec.Tier,
		Pot:             rec.Pot,
		FormingDeadline: rec.FormingDeadline,
		ArrangeDeadline: rec.ArrangeDeadline,
		Winner:          rec.Winner,
		Players:         make([]PlayerStatus, 0, len(roster)),
	}

	for _, identity := range roster {
		m, err := e.loadMember(ctx, lobbyID, identity)
		if err != nil {
			continue
		}
		snap.Players = append(snap.Players, PlayerStatus{
			Identity: m.Identity,
			Ready:    m.Ready,
			Active:   m.Active,
			Paid:     m.Paid,
			JoinedAt: m.JoinedAt,
		})
		if m.Ready && m.Active {
			snap.ReadyCount++
		}
		if identity == viewer && m.Grid != "" {
			if g, err := unmarshalGrid(m.Grid); err == nil {
				snap.YourGrid = &g
			}
		}
	}
	snap.PlayerCount = len(snap.Players)

	if n, err := strconv.Atoi(rec.LatestNumber); err == nil {
		snap.LatestNumber = &n
	}
	if n, err := strconv.Atoi(rec.PreviousNumber); err == nil {
		snap.PreviousNumber = &n
	}
	snap.CalledCount, _ = e.store.LLen(ctx, numbersKey(lobbyID))

	if rec.Phase == PhaseFinished {
		raw, err := e.store.LRange(ctx, numbersKey(lobbyID))
		if err == nil {
			for _, s := range raw {
				if n, err := strconv.Atoi(s); err == nil {
					snap.Numbers = append(snap.Numbers, n)
				}
			}
		}
	}

	if rec.StartedAt != "" {
		if started, err := time.Parse(time.RFC3339, rec.StartedAt); err == nil {
			snap.TimeElapsed = int64(time.Since(started).Seconds())
		}
	}

	return snap, nil
}
