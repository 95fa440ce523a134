// internal/handlers/api.go
package handlers

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alienarcade/bingo-service/internal/auth"
	"github.com/alienarcade/bingo-service/internal/cache"
	"github.com/alienarcade/bingo-service/internal/payments"
	"github.com/alienarcade/bingo-service/internal/session"
)

// SignatureHeader carries the notifier's hex-encoded detached ed25519
// signature over the raw webhook body.
const SignatureHeader = "X-Payment-Signature"

// API bundles the collaborators every HTTP handler needs.
type API struct {
	Engine   *session.Engine
	Payments *payments.Service
	Auth     *auth.Verifier
	Logger   *logrus.Logger
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// statusForError maps the engine's error taxonomy onto HTTP codes. Every
// entry is a request rejection, not a fault.
func statusForError(err error) int {
	switch {
	case errors.Is(err, session.ErrLobbyNotFound), errors.Is(err, payments.ErrIntentNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrAlreadyJoined), errors.Is(err, session.ErrAlreadyDecided):
		return http.StatusConflict
	case errors.Is(err, payments.ErrSignatureInvalid):
		return http.StatusForbidden
	case errors.Is(err, session.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// identity authenticates the request through the identity gate.
func (a *API) identity(r *http.Request) (string, error) {
	return a.Auth.Identity(r.Header.Get("Authorization"))
}

// HealthHandler reports liveness and store reachability.
func (a *API) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		redisOK := cache.Rdb != nil && cache.Rdb.Ping(ctx).Err() == nil
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":          "healthy",
			"redis_connected": redisOK,
			"timestamp":       time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// JoinHandler admits the caller into the open lobby of the requested tier.
// A repeat join answers 409 and still names the lobby the caller holds.
func (a *API) JoinHandler() http.HandlerFunc {
	type joinRequest struct {
		Tier int64 `json:"tier"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := a.identity(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		var req joinRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("bad join payload: %w", err))
			return
		}

		res, err := a.Engine.Join(r.Context(), identity, req.Tier)
		if errors.Is(err, session.ErrAlreadyJoined) {
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error":    err.Error(),
				"lobby_id": res.LobbyID,
			})
			return
		}
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// SubmitGridHandler stores the caller's arranged grid.
func (a *API) SubmitGridHandler() http.HandlerFunc {
	type submitRequest struct {
		Grid [][]int `json:"grid"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := a.identity(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		lobbyID := r.PathValue("lobby_id")

		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("bad grid payload: %w", err))
			return
		}
		grid, err := gridFromRows(req.Grid)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		res, err := a.Engine.SubmitGrid(r.Context(), lobbyID, identity, grid)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// gridFromRows validates the wire shape before the engine validates values.
func gridFromRows(rows [][]int) (session.Grid, error) {
	var g session.Grid
	if len(rows) != session.GridSize {
		return g, fmt.Errorf("%w: grid must be %dx%d", session.ErrInvalidGrid, session.GridSize, session.GridSize)
	}
	for i, row := range rows {
		if len(row) != session.GridSize {
			return g, fmt.Errorf("%w: grid must be %dx%d", session.ErrInvalidGrid, session.GridSize, session.GridSize)
		}
		for j, n := range row {
			g[i][j] = n
		}
	}
	return g, nil
}

// StatusHandler serves the viewer-scoped lobby snapshot for polling clients.
func (a *API) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := a.identity(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		snap, err := a.Engine.Status(r.Context(), r.PathValue("lobby_id"), identity)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// ClaimHandler verifies a win claim. An invalid claim is answered 200 with
// the structured kick result, not an error.
func (a *API) ClaimHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := a.identity(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		res, err := a.Engine.Claim(r.Context(), r.PathValue("lobby_id"), identity)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// InvoiceHandler issues a pending payment intent for the lobby's buy-in.
// Only admitted, active members can be invoiced for a lobby.
func (a *API) InvoiceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := a.identity(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		lobbyID := r.PathValue("lobby_id")

		snap, err := a.Engine.Status(r.Context(), lobbyID, identity)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}

		member := false
		for _, p := range snap.Players {
			if p.Identity == identity && p.Active {
				member = true
				break
			}
		}
		if !member {
			writeError(w, statusForError(session.ErrInactivePlayer), session.ErrInactivePlayer)
			return
		}

		intent, err := a.Payments.CreateIntent(r.Context(), lobbyID, identity, snap.Tier)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, intent)
	}
}

// PaymentWebhookHandler consumes the notifier's signed delivery. Replays of
// an already-settled intent are acknowledged as success.
func (a *API) PaymentWebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
			return
		}
		sig, err := hex.DecodeString(r.Header.Get(SignatureHeader))
		if err != nil {
			writeError(w, http.StatusForbidden, payments.ErrSignatureInvalid)
			return
		}

		outcome, err := a.Payments.Reconcile(r.Context(), body, sig)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, outcome)
	}
}
