// internal/payments/payments_test.go
package payments

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alienarcade/bingo-service/internal/session/sessiontest"
)

// ledgerStub records pot credits instead of touching a live engine. Setting
// failures makes the next N credit attempts error, imitating a transiently
// unreachable store.
type ledgerStub struct {
	mu       sync.Mutex
	pot      int64
	calls    int
	failures int
}

func (l *ledgerStub) CreditPot(_ context.Context, _, _ string, amount int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.failures > 0 {
		l.failures--
		return 0, errors.New("credit failed")
	}
	l.pot += amount
	return l.pot, nil
}

func (l *ledgerStub) state() (int64, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pot, l.calls
}

func newTestService(t *testing.T) (*Service, *ledgerStub, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	ledger := &ledgerStub{}
	svc := NewService(sessiontest.NewMemStore(), ledger, pub, 15*time.Minute)
	return svc, ledger, priv
}

func signedNotice(t *testing.T, priv ed25519.PrivateKey, n Notice) (payload, sig []byte) {
	t.Helper()
	payload, err := json.Marshal(n)
	require.NoError(t, err)
	return payload, ed25519.Sign(priv, payload)
}

func TestReconcileSettlesIntentExactlyOnce(t *testing.T) {
	svc, ledger, priv := newTestService(t)
	ctx := context.Background()

	intent, err := svc.CreateIntent(ctx, "lobby_a", "player_1", 3500)
	require.NoError(t, err)
	require.Equal(t, StatusPending, intent.Status)

	payload, sig := signedNotice(t, priv, Notice{IntentID: intent.ID, Status: StatusFinalized, Amount: 3500})

	out, err := svc.Reconcile(ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, StatusFinalized, out.Status)
	assert.False(t, out.Duplicate)
	assert.EqualValues(t, 3500, out.Pot)

	// The notifier retries; the pot must not grow again.
	out, err = svc.Reconcile(ctx, payload, sig)
	require.NoError(t, err)
	assert.True(t, out.Duplicate)

	pot, calls := ledger.state()
	assert.EqualValues(t, 3500, pot)
	assert.Equal(t, 1, calls)
}

func TestReconcileRetriesAfterCreditFailure(t *testing.T) {
	svc, ledger, priv := newTestService(t)
	ctx := context.Background()

	intent, err := svc.CreateIntent(ctx, "lobby_a", "player_1", 3500)
	require.NoError(t, err)

	payload, sig := signedNotice(t, priv, Notice{IntentID: intent.ID, Status: StatusFinalized, Amount: 3500})

	// The first credit attempt fails after the settled flag is taken. The
	// retry must still settle the payment, not bounce off a stale flag as a
	// duplicate.
	ledger.mu.Lock()
	ledger.failures = 1
	ledger.mu.Unlock()

	_, err = svc.Reconcile(ctx, payload, sig)
	require.Error(t, err)
	pot, _ := ledger.state()
	assert.Zero(t, pot)

	out, err := svc.Reconcile(ctx, payload, sig)
	require.NoError(t, err)
	assert.False(t, out.Duplicate)
	assert.EqualValues(t, 3500, out.Pot)

	// From here on replays are genuine duplicates.
	out, err = svc.Reconcile(ctx, payload, sig)
	require.NoError(t, err)
	assert.True(t, out.Duplicate)

	pot, _ = ledger.state()
	assert.EqualValues(t, 3500, pot)
}

func TestReconcileRejectsBadSignature(t *testing.T) {
	svc, ledger, priv := newTestService(t)
	ctx := context.Background()

	intent, err := svc.CreateIntent(ctx, "lobby_a", "player_1", 3500)
	require.NoError(t, err)

	payload, sig := signedNotice(t, priv, Notice{IntentID: intent.ID, Status: StatusFinalized, Amount: 3500})

	// Tampered payload under the old signature.
	tampered := append([]byte{}, payload...)
	tampered[0] ^= 0x01
	_, err = svc.Reconcile(ctx, tampered, sig)
	assert.ErrorIs(t, err, ErrSignatureInvalid)

	// Signature from a different key.
	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, err = svc.Reconcile(ctx, payload, ed25519.Sign(otherPriv, payload))
	assert.ErrorIs(t, err, ErrSignatureInvalid)

	_, calls := ledger.state()
	assert.Zero(t, calls)
}

func TestReconcileUnknownIntent(t *testing.T) {
	svc, _, priv := newTestService(t)

	payload, sig := signedNotice(t, priv, Notice{IntentID: "no-such-intent", Status: StatusFinalized, Amount: 3500})
	_, err := svc.Reconcile(context.Background(), payload, sig)
	assert.ErrorIs(t, err, ErrIntentNotFound)
}

func TestReconcileFailureLeavesPotUntouched(t *testing.T) {
	svc, ledger, priv := newTestService(t)
	ctx := context.Background()

	intent, err := svc.CreateIntent(ctx, "lobby_a", "player_1", 1000)
	require.NoError(t, err)

	payload, sig := signedNotice(t, priv, Notice{IntentID: intent.ID, Status: StatusFailed})
	out, err := svc.Reconcile(ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)

	_, calls := ledger.state()
	assert.Zero(t, calls)
}

func TestReconcileNeverDemotesFinalized(t *testing.T) {
	svc, ledger, priv := newTestService(t)
	ctx := context.Background()

	intent, err := svc.CreateIntent(ctx, "lobby_a", "player_1", 1000)
	require.NoError(t, err)

	finPayload, finSig := signedNotice(t, priv, Notice{IntentID: intent.ID, Status: StatusFinalized, Amount: 1000})
	_, err = svc.Reconcile(ctx, finPayload, finSig)
	require.NoError(t, err)

	// A late, out-of-order failure delivery is acknowledged but ignored.
	failPayload, failSig := signedNotice(t, priv, Notice{IntentID: intent.ID, Status: StatusFailed})
	out, err := svc.Reconcile(ctx, failPayload, failSig)
	require.NoError(t, err)
	assert.Equal(t, StatusFinalized, out.Status)
	assert.True(t, out.Duplicate)

	pot, calls := ledger.state()
	assert.EqualValues(t, 1000, pot)
	assert.Equal(t, 1, calls)
}

func TestReconcileMalformedPayload(t *testing.T) {
	svc, _, priv := newTestService(t)

	payload := []byte("not json at all")
	sig := ed25519.Sign(priv, payload)
	_, err := svc.Reconcile(context.Background(), payload, sig)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrSignatureInvalid)
}

func TestCreateIntentRejectsNonPositiveAmount(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.CreateIntent(context.Background(), "lobby_a", "player_1", 0)
	assert.Error(t, err)
}
