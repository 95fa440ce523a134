// internal/handlers/api_test.go
package handlers

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alienarcade/bingo-service/internal/auth"
	"github.com/alienarcade/bingo-service/internal/payments"
	"github.com/alienarcade/bingo-service/internal/session"
	"github.com/alienarcade/bingo-service/internal/session/sessiontest"
)

// newTestAPI wires the full handler stack on an in-memory store, with the
// identity gate in dev mode so bearer tokens are identities verbatim.
func newTestAPI(t *testing.T) (http.Handler, ed25519.PrivateKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	verifier, err := auth.New(true, "")
	require.NoError(t, err)

	store := sessiontest.NewMemStore()
	engine := session.NewEngine(store, session.Options{
		MinPlayers:      2,
		MaxPlayers:      2,
		FormingWindow:   time.Hour,
		ArrangingWindow: time.Hour,
		CallInterval:    time.Hour,
		LobbyTTL:        time.Hour,
		MaxNumber:       20,
		BuyInTiers:      []int64{1000, 3500, 10000},
	})
	pay := payments.NewService(store, engine, pub, 15*time.Minute)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	api := &API{Engine: engine, Payments: pay, Auth: verifier, Logger: logger}
	return api.Routes(), priv
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	h, _ := newTestAPI(t)
	w := doJSON(t, h, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])
}

func TestJoinEndpoint(t *testing.T) {
	h, _ := newTestAPI(t)

	w := doJSON(t, h, http.MethodPost, "/api/game/join", "player_1", map[string]int64{"tier": 1000})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	lobbyID, _ := body["lobby_id"].(string)
	assert.NotEmpty(t, lobbyID)
	assert.Equal(t, "forming", body["status"])

	// Repeat join conflicts but still names the held lobby.
	w = doJSON(t, h, http.MethodPost, "/api/game/join", "player_1", map[string]int64{"tier": 1000})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, lobbyID, decode(t, w)["lobby_id"])

	// Unknown tier is a plain rejection.
	w = doJSON(t, h, http.MethodPost, "/api/game/join", "player_2", map[string]int64{"tier": 42})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// No bearer token, no entry.
	w = doJSON(t, h, http.MethodPost, "/api/game/join", "", map[string]int64{"tier": 1000})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSubmitGridAndClaimEndpoints(t *testing.T) {
	h, _ := newTestAPI(t)

	w := doJSON(t, h, http.MethodPost, "/api/game/join", "player_1", map[string]int64{"tier": 1000})
	require.Equal(t, http.StatusOK, w.Code)
	lobbyID := decode(t, w)["lobby_id"].(string)

	// Claiming before the game starts is a phase error.
	w = doJSON(t, h, http.MethodPost, "/api/game/"+lobbyID+"/claim", "player_1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Second join fills the lobby and moves it to arranging.
	w = doJSON(t, h, http.MethodPost, "/api/game/join", "player_2", map[string]int64{"tier": 1000})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "arranging", decode(t, w)["status"])

	// Wire-shape violations never reach the engine.
	w = doJSON(t, h, http.MethodPost, "/api/game/"+lobbyID+"/submit-grid", "player_1",
		map[string][][]int{"grid": {{1, 2}, {3, 4}}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/game/"+lobbyID+"/submit-grid", "player_1",
		map[string][][]int{"grid": {{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["started"])

	w = doJSON(t, h, http.MethodPost, "/api/game/"+lobbyID+"/submit-grid", "player_2",
		map[string][][]int{"grid": {{10, 11, 12}, {13, 14, 15}, {16, 17, 18}}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["started"])

	// At most one draw is out this early, so no pattern can be complete and
	// any claim is an invalid one that kicks the claimant.
	w = doJSON(t, h, http.MethodPost, "/api/game/"+lobbyID+"/claim", "player_1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, true, body["kicked"])

	// The kicked player's follow-up claim is rejected outright.
	w = doJSON(t, h, http.MethodPost, "/api/game/"+lobbyID+"/claim", "player_1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusEndpointScopesToViewer(t *testing.T) {
	h, _ := newTestAPI(t)

	w := doJSON(t, h, http.MethodPost, "/api/game/join", "player_1", map[string]int64{"tier": 3500})
	require.Equal(t, http.StatusOK, w.Code)
	lobbyID := decode(t, w)["lobby_id"].(string)

	w = doJSON(t, h, http.MethodGet, "/api/game/"+lobbyID+"/status", "player_1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "forming", body["status"])
	assert.EqualValues(t, 1, body["player_count"])
	assert.Nil(t, body["numbers"])

	w = doJSON(t, h, http.MethodGet, "/api/game/lobby_missing/status", "player_1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, h, http.MethodGet, "/api/game/"+lobbyID+"/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestInvoiceAndWebhookFlow(t *testing.T) {
	h, priv := newTestAPI(t)

	w := doJSON(t, h, http.MethodPost, "/api/game/join", "player_1", map[string]int64{"tier": 1000})
	require.Equal(t, http.StatusOK, w.Code)
	lobbyID := decode(t, w)["lobby_id"].(string)

	w = doJSON(t, h, http.MethodPost, "/api/game/"+lobbyID+"/invoice", "player_1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	invoice := decode(t, w)
	intentID := invoice["intent_id"].(string)
	assert.EqualValues(t, 1000, invoice["amount"])
	assert.Equal(t, "pending", invoice["status"])

	payload, err := json.Marshal(payments.Notice{IntentID: intentID, Status: payments.StatusFinalized, Amount: 1000})
	require.NoError(t, err)
	sig := ed25519.Sign(priv, payload)

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/webhooks/payment", bytes.NewReader(payload))
		req.Header.Set(SignatureHeader, hex.EncodeToString(sig))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	w = post()
	require.Equal(t, http.StatusOK, w.Code)
	outcome := decode(t, w)
	assert.EqualValues(t, 1000, outcome["pot"])

	// At-least-once delivery: the replay is acknowledged, the pot stays put.
	w = post()
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["duplicate"])

	w = doJSON(t, h, http.MethodGet, "/api/game/"+lobbyID+"/status", "player_1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 1000, body["pot"])
	players := body["players"].([]interface{})
	require.Len(t, players, 1)
	assert.Equal(t, true, players[0].(map[string]interface{})["paid"])
}

func TestInvoiceOnlyForMembers(t *testing.T) {
	h, _ := newTestAPI(t)

	w := doJSON(t, h, http.MethodPost, "/api/game/join", "player_1", map[string]int64{"tier": 1000})
	require.Equal(t, http.StatusOK, w.Code)
	lobbyID := decode(t, w)["lobby_id"].(string)

	// An authenticated outsider cannot be invoiced for someone else's lobby.
	w = doJSON(t, h, http.MethodPost, "/api/game/"+lobbyID+"/invoice", "intruder", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/game/"+lobbyID+"/invoice", "player_1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	h, _ := newTestAPI(t)

	payload := []byte(`{"intent_id":"x","status":"finalized","amount":1000}`)

	// Forged signature.
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/payment", bytes.NewReader(payload))
	req.Header.Set(SignatureHeader, hex.EncodeToString(make([]byte, ed25519.SignatureSize)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Signature header that is not even hex.
	req = httptest.NewRequest(http.MethodPost, "/api/webhooks/payment", bytes.NewReader(payload))
	req.Header.Set(SignatureHeader, "not-hex")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
