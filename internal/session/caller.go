// internal/session/caller.go
package session

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// callerRegistry tracks the draw caller goroutine of every active lobby,
// strictly one per lobby, so leaving the active phase can cancel it
// synchronously with the transition.
type callerRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newCallerRegistry() *callerRegistry {
	return &callerRegistry{cancels: make(map[string]context.CancelFunc)}
}

func (r *callerRegistry) add(lobbyID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.cancels[lobbyID]; ok {
		old()
	}
	r.cancels[lobbyID] = cancel
}

func (r *callerRegistry) stop(lobbyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.cancels[lobbyID]; ok {
		cancel()
		delete(r.cancels, lobbyID)
	}
}

// startCaller launches the autonomous draw caller for an active lobby.
func (e *Engine) startCaller(lobbyID string) {
	ctx, cancel := context.WithCancel(context.Background())
	e.callers.add(lobbyID, cancel)
	go e.runCaller(ctx, lobbyID)
}

// runCaller emits one previously-unseen value from the draw universe per call
// interval until the pool is exhausted, the lobby leaves the active phase, or
// the context is cancelled. Ticks are serialized by construction: this is the
// only goroutine appending to the lobby's draw history.
func (e *Engine) runCaller(ctx context.Context, lobbyID string) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	pool := r.Perm(e.opts.MaxNumber)

	for _, idx := range pool {
		if !e.appendDraw(ctx, lobbyID, idx+1) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.opts.CallInterval):
		}
	}

	// Universe exhausted with no valid claim: the lobby resolves to finished
	// with no winner and the house keeps the pot.
	mu := e.locks.get(lobbyID)
	mu.Lock()
	defer mu.Unlock()
	rec, err := e.loadLobby(ctx, lobbyID)
	if err != nil || rec.Phase != PhaseActive {
		return
	}
	log.WithField("lobby", lobbyID).Info("draw universe exhausted, no winner")
	if err := e.finishUnsafe(ctx, rec, ""); err != nil {
		log.WithField("lobby", lobbyID).WithError(err).Error("exhaustion finish failed")
	}
}

// appendDraw appends one value to the draw history and advances the
// latest/previous pointers, under the lobby lock. It reports false once the
// lobby is no longer active, which stops the caller.
func (e *Engine) appendDraw(ctx context.Context, lobbyID string, number int) bool {
	mu := e.locks.get(lobbyID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := e.loadLobby(ctx, lobbyID)
	if err != nil || rec.Phase != PhaseActive {
		return false
	}

	if err := e.store.RPush(ctx, numbersKey(lobbyID), strconv.Itoa(number)); err != nil {
		log.WithField("lobby", lobbyID).WithError(err).Error("draw append failed")
		return false
	}
	_ = e.store.Expire(ctx, numbersKey(lobbyID), e.opts.LobbyTTL)

	update := map[string]string{"latest_number": strconv.Itoa(number)}
	if rec.LatestNumber != "" {
		update["previous_number"] = rec.LatestNumber
	}
	if err := e.store.HSet(ctx, lobbyKey(lobbyID), update); err != nil {
		log.WithField("lobby", lobbyID).WithError(err).Error("draw pointer update failed")
		return false
	}
	return true
}

// drawnSet loads the draw history as a membership set.
func (e *Engine) drawnSet(ctx context.Context, lobbyID string) (map[int]bool, error) {
	raw, err := e.store.LRange(ctx, numbersKey(lobbyID))
	if err != nil {
		return nil, err
	}
	drawn := make(map[int]bool, len(raw))
	for _, s := range raw {
		n, err := strconv.Atoi(s)
		if err != nil {
			continue
		}
		drawn[n] = true
	}
	return drawn, nil
}
