// internal/session/engine.go
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Lobby phases. Transitions are monotonic: forming -> arranging -> active ->
// finished. A lobby may also vanish via TTL expiry without reaching finished.
const (
	PhaseForming   = "forming"
	PhaseArranging = "arranging"
	PhaseActive    = "active"
	PhaseFinished  = "finished"
)

// Options tunes a session engine. Zero values are not usable; build it from
// config.Config.
type Options struct {
	MinPlayers      int
	MaxPlayers      int
	FormingWindow   time.Duration
	ArrangingWindow time.Duration
	CallInterval    time.Duration
	LobbyTTL        time.Duration
	MaxNumber       int
	BuyInTiers      []int64
}

// SettlementRecord summarizes a finished lobby for the archiver queue.
type SettlementRecord struct {
	LobbyID    string    `json:"lobby_id"`
	Tier       int64     `json:"tier"`
	Pot        int64     `json:"pot"`
	Winner     string    `json:"winner,omitempty"`
	Pattern    string    `json:"pattern,omitempty"`
	DrawCount  int64     `json:"draw_count"`
	FinishedAt time.Time `json:"finished_at"`
}

// PublishFunc receives the settlement record of every finished lobby. It must
// not block for long; engine correctness never depends on it.
type PublishFunc func(ctx context.Context, rec SettlementRecord)

// Engine owns lobby lifecycle: admission, phase transitions, the per-lobby
// draw caller, claim verification, and the projections served to clients.
// All durable state lives in the Store; the engine itself only holds locks
// and scheduler handles.
type Engine struct {
	store   Store
	opts    Options
	locks   *lockTable
	callers *callerRegistry
	publish PublishFunc
}

// NewEngine builds an engine on the given store.
func NewEngine(store Store, opts Options) *Engine {
	return &Engine{
		store:   store,
		opts:    opts,
		locks:   newLockTable(),
		callers: newCallerRegistry(),
	}
}

// SetPublisher installs the settlement publisher. Call before serving traffic.
func (e *Engine) SetPublisher(fn PublishFunc) { e.publish = fn }

// JoinResult reports the lobby a join resolved to. On ErrAlreadyJoined it
// still carries the lobby id of the membership the identity already holds.
type JoinResult struct {
	LobbyID     string `json:"lobby_id"`
	Phase       string `json:"status"`
	Tier        int64  `json:"tier"`
	PlayerCount int    `json:"player_count"`
	Pot         int64  `json:"pot"`
}

// SubmitResult acknowledges a grid submission.
type SubmitResult struct {
	ReadyCount int  `json:"ready_count"`
	Started    bool `json:"started"`
}

// lobbyRecord is the parsed lobby hash.
type lobbyRecord struct {
	ID              string
	Tier            int64
	Phase           string
	Pot             int64
	Winner          string
	CreatedAt       string
	FormingDeadline string
	ArrangeDeadline string
	StartedAt       string
	FinishedAt      string
	LatestNumber    string
	PreviousNumber  string
}

// memberRecord is the parsed per-player hash.
type memberRecord struct {
	Identity string
	Grid     string
	Ready    bool
	Active   bool
	Paid     bool
	JoinedAt string
}

// Join admits an identity into the open forming lobby of the given buy-in
// tier, creating one when none is open. It enforces one active ticket per
// identity per tier and kicks off the forming timer on the first admission.
func (e *Engine) Join(ctx context.Context, identity string, tier int64) (JoinResult, error) {
	if !e.validTier(tier) {
		return JoinResult{}, fmt.Errorf("unknown buy-in tier %d", tier)
	}

	// The open-lobby pointer can go stale (lobby moved past forming, or
	// expired); retry once against a fresh lobby.
	for attempt := 0; attempt < 2; attempt++ {
		lobbyID, err := e.getOrCreateOpenLobby(ctx, tier)
		if err != nil {
			return JoinResult{}, err
		}

		res, retry, err := e.joinLobby(ctx, lobbyID, identity, tier)
		if retry {
			continue
		}
		return res, err
	}
	return JoinResult{}, fmt.Errorf("no open lobby for tier %d", tier)
}

// joinLobby attempts admission into one specific lobby. retry=true means the
// lobby was not admissible (stale pointer) and the caller should resolve a
// fresh one.
func (e *Engine) joinLobby(ctx context.Context, lobbyID, identity string, tier int64) (JoinResult, bool, error) {
	mu := e.locks.get(lobbyID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := e.loadLobby(ctx, lobbyID)
	if err != nil && !errors.Is(err, ErrLobbyNotFound) {
		// A transient read failure says nothing about the pointer; dropping it
		// here would orphan a healthy forming lobby.
		return JoinResult{}, false, err
	}
	if err != nil || rec.Phase != PhaseForming {
		// Stale pointer: drop it so the next attempt creates a fresh lobby.
		if derr := e.store.Del(ctx, openLobbyKey(tier)); derr != nil {
			return JoinResult{}, false, derr
		}
		return JoinResult{}, true, nil
	}

	// One ticket per identity per tier.
	if _, member, err := e.store.ZScore(ctx, playersKey(lobbyID), identity); err != nil {
		return JoinResult{}, false, err
	} else if member {
		return JoinResult{LobbyID: lobbyID, Phase: rec.Phase, Tier: tier}, false, ErrAlreadyJoined
	}
	if ok, err := e.store.SetNX(ctx, ticketKey(tier, identity), lobbyID, e.opts.LobbyTTL); err != nil {
		return JoinResult{}, false, err
	} else if !ok {
		held, found, err := e.store.Get(ctx, ticketKey(tier, identity))
		if err != nil {
			return JoinResult{}, false, err
		}
		if found && e.membershipAlive(ctx, held, identity) {
			return JoinResult{LobbyID: held, Tier: tier}, false, ErrAlreadyJoined
		}
		// Ticket points at a dead lobby; reclaim it.
		if err := e.store.Set(ctx, ticketKey(tier, identity), lobbyID, e.opts.LobbyTTL); err != nil {
			return JoinResult{}, false, err
		}
	}

	count, err := e.store.ZCard(ctx, playersKey(lobbyID))
	if err != nil {
		return JoinResult{}, false, err
	}
	if int(count) >= e.opts.MaxPlayers {
		// Should not normally happen: a full lobby leaves forming. Covers the
		// race where two instances admit concurrently.
		_ = e.store.Del(ctx, ticketKey(tier, identity))
		return JoinResult{}, false, ErrLobbyFull
	}

	now := time.Now().UTC()
	if err := e.store.ZAdd(ctx, playersKey(lobbyID), identity, float64(now.UnixNano())); err != nil {
		return JoinResult{}, false, err
	}
	if err := e.store.HSet(ctx, playerKey(lobbyID, identity), map[string]string{
		"identity":  identity,
		"grid":      "",
		"ready":     "false",
		"active":    "true",
		"paid":      "false",
		"joined_at": now.Format(time.RFC3339),
	}); err != nil {
		return JoinResult{}, false, err
	}
	_ = e.store.Expire(ctx, playerKey(lobbyID, identity), e.opts.LobbyTTL)
	_ = e.store.Expire(ctx, playersKey(lobbyID), e.opts.LobbyTTL)

	playerCount := int(count) + 1
	log.WithFields(log.Fields{"lobby": lobbyID, "player": identity, "count": playerCount}).
		Info("player joined lobby")

	// First admission starts the formation timer.
	if count == 0 {
		deadline := now.Add(e.opts.FormingWindow)
		if err := e.store.HSet(ctx, lobbyKey(lobbyID), map[string]string{
			"forming_deadline": deadline.Format(time.RFC3339),
		}); err != nil {
			return JoinResult{}, false, err
		}
		time.AfterFunc(e.opts.FormingWindow, func() { e.formingTimeout(lobbyID) })
	}

	phase := rec.Phase
	if playerCount >= e.opts.MaxPlayers {
		if err := e.beginArrangingUnsafe(ctx, rec); err != nil {
			return JoinResult{}, false, err
		}
		phase = PhaseArranging
	}

	return JoinResult{
		LobbyID:     lobbyID,
		Phase:       phase,
		Tier:        tier,
		PlayerCount: playerCount,
		Pot:         rec.Pot,
	}, false, nil
}

// SubmitGrid stores a player's arranged grid and marks them ready. Allowed
// only in the arranging phase; resubmission before activation overwrites.
// When every active player is ready the lobby starts immediately.
func (e *Engine) SubmitGrid(ctx context.Context, lobbyID, identity string, g Grid) (SubmitResult, error) {
	mu := e.locks.get(lobbyID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := e.loadLobby(ctx, lobbyID)
	if err != nil {
		return SubmitResult{}, err
	}
	if rec.Phase != PhaseArranging {
		return SubmitResult{}, fmt.Errorf("%w: lobby is %s", ErrWrongPhase, rec.Phase)
	}

	player, err := e.loadMember(ctx, lobbyID, identity)
	if err != nil {
		return SubmitResult{}, err
	}
	if !player.Active {
		return SubmitResult{}, ErrInactivePlayer
	}

	if err := ValidateGrid(g, e.opts.MaxNumber); err != nil {
		return SubmitResult{}, err
	}

	if err := e.store.HSet(ctx, playerKey(lobbyID, identity), map[string]string{
		"grid":  marshalGrid(g),
		"ready": "true",
	}); err != nil {
		return SubmitResult{}, err
	}

	members, err := e.activeMembersUnsafe(ctx, lobbyID)
	if err != nil {
		return SubmitResult{}, err
	}
	ready := 0
	for _, m := range members {
		if m.Ready {
			ready++
		}
	}

	started := false
	if ready == len(members) && len(members) >= e.opts.MinPlayers {
		if err := e.startActiveUnsafe(ctx, rec); err != nil {
			return SubmitResult{}, err
		}
		started = true
	}

	return SubmitResult{ReadyCount: ready, Started: started}, nil
}

// validTier reports whether the tier belongs to the fixed buy-in set.
func (e *Engine) validTier(tier int64) bool {
	for _, t := range e.opts.BuyInTiers {
		if t == tier {
			return true
		}
	}
	return false
}

// getOrCreateOpenLobby resolves the forming lobby for a tier, creating one
// when the pointer is empty. The lobby hash exists before the pointer is
// published so a concurrent joiner never resolves to a missing record.
func (e *Engine) getOrCreateOpenLobby(ctx context.Context, tier int64) (string, error) {
	if id, ok, err := e.store.Get(ctx, openLobbyKey(tier)); err != nil {
		return "", err
	} else if ok {
		return id, nil
	}

	id := "lobby_" + uuid.NewString()[:8]
	now := time.Now().UTC()
	if err := e.store.HSet(ctx, lobbyKey(id), map[string]string{
		"lobby_id":         id,
		"tier":             strconv.FormatInt(tier, 10),
		"status":           PhaseForming,
		"pot":              "0",
		"created_at":       now.Format(time.RFC3339),
		"forming_deadline": "",
		"arrange_deadline": "",
		"started_at":       "",
		"finished_at":      "",
	}); err != nil {
		return "", err
	}
	if err := e.store.Expire(ctx, lobbyKey(id), e.opts.LobbyTTL); err != nil {
		return "", err
	}

	won, err := e.store.SetNX(ctx, openLobbyKey(tier), id, e.opts.LobbyTTL)
	if err != nil {
		return "", err
	}
	if !won {
		// Lost the race: use the winner's lobby, discard ours.
		_ = e.store.Del(ctx, lobbyKey(id))
		if other, ok, err := e.store.Get(ctx, openLobbyKey(tier)); err != nil {
			return "", err
		} else if ok {
			return other, nil
		}
		return "", fmt.Errorf("open lobby pointer vanished for tier %d", tier)
	}

	log.WithFields(log.Fields{"lobby": id, "tier": tier}).Info("created lobby")
	return id, nil
}

// membershipAlive reports whether identity still holds an active membership
// in a lobby that has not finished or expired.
func (e *Engine) membershipAlive(ctx context.Context, lobbyID, identity string) bool {
	rec, err := e.loadLobby(ctx, lobbyID)
	if err != nil || rec.Phase == PhaseFinished {
		return false
	}
	m, err := e.loadMember(ctx, lobbyID, identity)
	return err == nil && m.Active
}

// formingTimeout fires when the formation window elapses. Enough players ->
// arranging; otherwise the lobby resolves to finished with no winner. The
// phase re-check makes a stale timer harmless.
func (e *Engine) formingTimeout(lobbyID string) {
	ctx := context.Background()
	mu := e.locks.get(lobbyID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := e.loadLobby(ctx, lobbyID)
	if err != nil || rec.Phase != PhaseForming {
		return
	}
	members, err := e.activeMembersUnsafe(ctx, lobbyID)
	if err != nil {
		log.WithField("lobby", lobbyID).WithError(err).Error("forming timeout: roster load failed")
		return
	}
	if len(members) >= e.opts.MinPlayers {
		if err := e.beginArrangingUnsafe(ctx, rec); err != nil {
			log.WithField("lobby", lobbyID).WithError(err).Error("forming timeout: begin arranging failed")
		}
		return
	}
	if err := e.finishUnsafe(ctx, rec, ""); err != nil {
		log.WithField("lobby", lobbyID).WithError(err).Error("forming timeout: finish failed")
	}
}

// beginArrangingUnsafe moves a forming lobby into the arranging phase and
// arms the arrangement window. Assumes the lobby lock is held.
func (e *Engine) beginArrangingUnsafe(ctx context.Context, rec *lobbyRecord) error {
	now := time.Now().UTC()
	deadline := now.Add(e.opts.ArrangingWindow)
	if err := e.store.HSet(ctx, lobbyKey(rec.ID), map[string]string{
		"status":           PhaseArranging,
		"arrange_deadline": deadline.Format(time.RFC3339),
	}); err != nil {
		return err
	}
	e.clearOpenPointer(ctx, rec)
	e.refreshTTLUnsafe(ctx, rec.ID)

	log.WithField("lobby", rec.ID).Info("lobby arranging")
	time.AfterFunc(e.opts.ArrangingWindow, func() { e.arrangeTimeout(rec.ID) })
	return nil
}

// arrangeTimeout fires when the arrangement window elapses. Players who never
// submitted a grid get a random valid one (the engine's fixed policy), then
// the game starts if enough active players remain.
func (e *Engine) arrangeTimeout(lobbyID string) {
	ctx := context.Background()
	mu := e.locks.get(lobbyID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := e.loadLobby(ctx, lobbyID)
	if err != nil || rec.Phase != PhaseArranging {
		return
	}

	members, err := e.activeMembersUnsafe(ctx, lobbyID)
	if err != nil {
		log.WithField("lobby", lobbyID).WithError(err).Error("arrange timeout: roster load failed")
		return
	}

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for _, m := range members {
		if m.Ready {
			continue
		}
		g := randomGrid(r, e.opts.MaxNumber)
		if err := e.store.HSet(ctx, playerKey(lobbyID, m.Identity), map[string]string{
			"grid":  marshalGrid(g),
			"ready": "true",
		}); err != nil {
			log.WithField("lobby", lobbyID).WithError(err).Error("arrange timeout: auto-assign failed")
			return
		}
		log.WithFields(log.Fields{"lobby": lobbyID, "player": m.Identity}).
			Info("auto-assigned random grid")
	}

	if len(members) >= e.opts.MinPlayers {
		if err := e.startActiveUnsafe(ctx, rec); err != nil {
			log.WithField("lobby", lobbyID).WithError(err).Error("arrange timeout: start failed")
		}
		return
	}
	if err := e.finishUnsafe(ctx, rec, ""); err != nil {
		log.WithField("lobby", lobbyID).WithError(err).Error("arrange timeout: finish failed")
	}
}

// startActiveUnsafe transitions arranging -> active and launches the draw
// caller. A SETNX start lock keeps a second instance from double-starting.
// Assumes the lobby lock is held.
func (e *Engine) startActiveUnsafe(ctx context.Context, rec *lobbyRecord) error {
	won, err := e.store.SetNX(ctx, startLockKey(rec.ID), "1", 30*time.Second)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	// Re-read the phase: another instance may have raced us past arranging.
	fresh, err := e.loadLobby(ctx, rec.ID)
	if err != nil {
		return err
	}
	if fresh.Phase != PhaseArranging {
		return nil
	}

	if err := e.store.HSet(ctx, lobbyKey(rec.ID), map[string]string{
		"status":     PhaseActive,
		"started_at": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return err
	}
	e.refreshTTLUnsafe(ctx, rec.ID)

	log.WithField("lobby", rec.ID).Info("lobby active, draw caller started")
	e.startCaller(rec.ID)
	return nil
}

// finishUnsafe resolves a lobby to the terminal finished phase: stops the
// draw caller, records the winner (first writer wins, "" = house), releases
// tickets and the open pointer, and publishes the settlement record.
// Assumes the lobby lock is held.
func (e *Engine) finishUnsafe(ctx context.Context, rec *lobbyRecord, winner string) error {
	e.callers.stop(rec.ID)

	// HSETNX keeps a concurrently recorded winner intact.
	if _, err := e.store.HSetNX(ctx, lobbyKey(rec.ID), "winner", winner); err != nil {
		return err
	}
	if err := e.store.HSet(ctx, lobbyKey(rec.ID), map[string]string{
		"status":      PhaseFinished,
		"finished_at": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return err
	}
	e.clearOpenPointer(ctx, rec)

	roster, err := e.store.ZRange(ctx, playersKey(rec.ID))
	if err == nil {
		tickets := make([]string, 0, len(roster))
		for _, identity := range roster {
			tickets = append(tickets, ticketKey(rec.Tier, identity))
		}
		_ = e.store.Del(ctx, tickets...)
	}

	fresh, err := e.loadLobby(ctx, rec.ID)
	if err != nil {
		return err
	}
	drawCount, _ := e.store.LLen(ctx, numbersKey(rec.ID))

	log.WithFields(log.Fields{
		"lobby":  rec.ID,
		"winner": fresh.Winner,
		"pot":    fresh.Pot,
		"draws":  drawCount,
	}).Info("lobby finished")

	if e.publish != nil {
		e.publish(ctx, SettlementRecord{
			LobbyID:    rec.ID,
			Tier:       rec.Tier,
			Pot:        fresh.Pot,
			Winner:     fresh.Winner,
			DrawCount:  drawCount,
			FinishedAt: time.Now().UTC(),
		})
	}

	e.locks.drop(rec.ID)
	return nil
}

// clearOpenPointer removes the tier's open-lobby pointer if it still points
// at this lobby.
func (e *Engine) clearOpenPointer(ctx context.Context, rec *lobbyRecord) {
	val, ok, err := e.store.Get(ctx, openLobbyKey(rec.Tier))
	if err == nil && ok && val == rec.ID {
		_ = e.store.Del(ctx, openLobbyKey(rec.Tier))
	}
}

// refreshTTLUnsafe re-arms the TTL on every lobby-scoped key at a phase
// boundary.
func (e *Engine) refreshTTLUnsafe(ctx context.Context, lobbyID string) {
	_ = e.store.Expire(ctx, lobbyKey(lobbyID), e.opts.LobbyTTL)
	_ = e.store.Expire(ctx, playersKey(lobbyID), e.opts.LobbyTTL)
	_ = e.store.Expire(ctx, numbersKey(lobbyID), e.opts.LobbyTTL)
	roster, err := e.store.ZRange(ctx, playersKey(lobbyID))
	if err != nil {
		return
	}
	for _, identity := range roster {
		_ = e.store.Expire(ctx, playerKey(lobbyID, identity), e.opts.LobbyTTL)
	}
}

// loadLobby reads and parses the lobby hash.
func (e *Engine) loadLobby(ctx context.Context, lobbyID string) (*lobbyRecord, error) {
	fields, err := e.store.HGetAll(ctx, lobbyKey(lobbyID))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrLobbyNotFound
	}
	tier, _ := strconv.ParseInt(fields["tier"], 10, 64)
	pot, _ := strconv.ParseInt(fields["pot"], 10, 64)
	return &lobbyRecord{
		ID:              fields["lobby_id"],
		Tier:            tier,
		Phase:           fields["status"],
		Pot:             pot,
		Winner:          fields["winner"],
		CreatedAt:       fields["created_at"],
		FormingDeadline: fields["forming_deadline"],
		ArrangeDeadline: fields["arrange_deadline"],
		StartedAt:       fields["started_at"],
		FinishedAt:      fields["finished_at"],
		LatestNumber:    fields["latest_number"],
		PreviousNumber:  fields["previous_number"],
	}, nil
}

// loadMember reads and parses one membership hash.
func (e *Engine) loadMember(ctx context.Context, lobbyID, identity string) (*memberRecord, error) {
	fields, err := e.store.HGetAll(ctx, playerKey(lobbyID, identity))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrInactivePlayer
	}
	return &memberRecord{
		Identity: fields["identity"],
		Grid:     fields["grid"],
		Ready:    fields["ready"] == "true",
		Active:   fields["active"] == "true",
		Paid:     fields["paid"] == "true",
		JoinedAt: fields["joined_at"],
	}, nil
}

// CreditPot applies a confirmed payment to a lobby: the pot grows by the
// notified amount (atomic increment, never read-modify-write) and the payer
// is marked paid. Called by the payment reconciler after it has verified and
// deduplicated the notification. Only admitted players fund the pot: a
// payment for an identity without a membership record is refused. A kicked
// member's payment still lands (the buy-in is forfeited to the pot), and
// payments arriving after the lobby finished leave the finalized pot
// untouched.
func (e *Engine) CreditPot(ctx context.Context, lobbyID, identity string, amount int64) (int64, error) {
	mu := e.locks.get(lobbyID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := e.loadLobby(ctx, lobbyID)
	if err != nil {
		return 0, err
	}
	if rec.Phase == PhaseFinished {
		log.WithFields(log.Fields{"lobby": lobbyID, "player": identity, "amount": amount}).
			Warn("payment confirmed after lobby finished, pot left untouched")
		return rec.Pot, nil
	}

	if _, err := e.loadMember(ctx, lobbyID, identity); err != nil {
		return 0, err
	}

	pot, err := e.store.HIncrBy(ctx, lobbyKey(lobbyID), "pot", amount)
	if err != nil {
		return 0, err
	}
	if err := e.store.HSet(ctx, playerKey(lobbyID, identity), map[string]string{
		"paid": "true",
	}); err != nil {
		return pot, err
	}

	log.WithFields(log.Fields{"lobby": lobbyID, "player": identity, "amount": amount, "pot": pot}).
		Info("payment credited to pot")
	return pot, nil
}

// activeMembersUnsafe returns the active membership records in join order.
// Assumes the lobby lock is held.
func (e *Engine) activeMembersUnsafe(ctx context.Context, lobbyID string) ([]*memberRecord, error) {
	roster, err := e.store.ZRange(ctx, playersKey(lobbyID))
	if err != nil {
		return nil, err
	}
	members := make([]*memberRecord, 0, len(roster))
	for _, identity := range roster {
		m, err := e.loadMember(ctx, lobbyID, identity)
		if err != nil {
			continue
		}
		if m.Active {
			members = append(members, m)
		}
	}
	return members, nil
}
