// internal/payments/payments.go
package payments

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/alienarcade/bingo-service/internal/session"
)

// Sentinel errors for webhook reconciliation.
var (
	// ErrSignatureInvalid means the payload's detached signature did not
	// verify against the notifier's public key. Nothing is mutated.
	ErrSignatureInvalid = errors.New("payment notification signature invalid")

	// ErrIntentNotFound means the referenced payment intent is unknown or
	// already expired. Recoverable: logged and rejected, never a fault.
	ErrIntentNotFound = errors.New("payment intent not found")
)

// Intent statuses.
const (
	StatusPending   = "pending"
	StatusFinalized = "finalized"
	StatusFailed    = "failed"
)

func intentKey(id string) string { return "intent:" + id }

// Ledger is the slice of the session engine the reconciler feeds pot and
// paid-state back through.
type Ledger interface {
	CreditPot(ctx context.Context, lobbyID, identity string, amount int64) (int64, error)
}

// Service issues payment intents and reconciles the notifier's asynchronous,
// signed webhook deliveries into lobby state exactly once each.
type Service struct {
	store     session.Store
	ledger    Ledger
	publicKey ed25519.PublicKey
	intentTTL time.Duration
}

// NewService builds the payment service. publicKey is the notifier's ed25519
// verification key.
func NewService(store session.Store, ledger Ledger, publicKey ed25519.PublicKey, intentTTL time.Duration) *Service {
	return &Service{store: store, ledger: ledger, publicKey: publicKey, intentTTL: intentTTL}
}

// Intent is a short-lived record linking a pending payment to one identity
// and one lobby. It is consumed exactly once by Reconcile.
type Intent struct {
	ID        string `json:"intent_id"`
	LobbyID   string `json:"lobby_id"`
	Identity  string `json:"identity"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// CreateIntent issues a pending intent for a buy-in.
func (s *Service) CreateIntent(ctx context.Context, lobbyID, identity string, amount int64) (*Intent, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("intent amount must be positive, got %d", amount)
	}
	intent := &Intent{
		ID:        uuid.NewString(),
		LobbyID:   lobbyID,
		Identity:  identity,
		Amount:    amount,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.store.HSet(ctx, intentKey(intent.ID), map[string]string{
		"intent_id":  intent.ID,
		"lobby_id":   intent.LobbyID,
		"identity":   intent.Identity,
		"amount":     fmt.Sprintf("%d", intent.Amount),
		"status":     intent.Status,
		"created_at": intent.CreatedAt,
	}); err != nil {
		return nil, err
	}
	if err := s.store.Expire(ctx, intentKey(intent.ID), s.intentTTL); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"intent": intent.ID, "lobby": lobbyID, "amount": amount}).
		Info("payment intent created")
	return intent, nil
}

// Notice is the payment notifier's webhook payload.
type Notice struct {
	IntentID string `json:"intent_id"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
}

// Outcome acknowledges a reconciled notification. Duplicate deliveries are
// acknowledged as success so the notifier's at-least-once retries settle.
type Outcome struct {
	IntentID  string `json:"intent_id"`
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Pot       int64  `json:"pot,omitempty"`
}

// Reconcile verifies a signed notification and applies it idempotently,
// keyed by intent id. The signature check precedes every other read or
// write; a bad signature mutates nothing.
func (s *Service) Reconcile(ctx context.Context, payload, signature []byte) (Outcome, error) {
	if !ed25519.Verify(s.publicKey, payload, signature) {
		return Outcome{}, ErrSignatureInvalid
	}

	var notice Notice
	if err := json.Unmarshal(payload, &notice); err != nil {
		return Outcome{}, fmt.Errorf("malformed payment notification: %w", err)
	}
	if notice.IntentID == "" {
		return Outcome{}, fmt.Errorf("payment notification missing intent id: %w", ErrIntentNotFound)
	}

	fields, err := s.store.HGetAll(ctx, intentKey(notice.IntentID))
	if err != nil {
		return Outcome{}, err
	}
	if len(fields) == 0 {
		log.WithField("intent", notice.IntentID).Warn("notification for unknown or expired intent")
		return Outcome{}, ErrIntentNotFound
	}

	switch notice.Status {
	case StatusFinalized:
		return s.applyFinalized(ctx, notice, fields)
	case StatusFailed:
		return s.applyFailed(ctx, notice, fields)
	case StatusPending:
		return Outcome{IntentID: notice.IntentID, Status: fields["status"]}, nil
	default:
		return Outcome{}, fmt.Errorf("unknown payment status %q", notice.Status)
	}
}

// applyFinalized settles an intent exactly once. The settled flag is written
// with a set-if-absent hash op, so webhook retries and out-of-order
// deliveries collapse into a single pot increment. The pot credit is the
// commit point: if it fails, the settled flag is rolled back so the
// notifier's next retry can settle the intent instead of being swallowed as
// a duplicate.
func (s *Service) applyFinalized(ctx context.Context, notice Notice, fields map[string]string) (Outcome, error) {
	settled, err := s.store.HSetNX(ctx, intentKey(notice.IntentID), "settled", "1")
	if err != nil {
		return Outcome{}, err
	}
	if !settled {
		return Outcome{IntentID: notice.IntentID, Status: StatusFinalized, Duplicate: true}, nil
	}

	pot, err := s.ledger.CreditPot(ctx, fields["lobby_id"], fields["identity"], notice.Amount)
	if err != nil {
		if derr := s.store.HDel(ctx, intentKey(notice.IntentID), "settled"); derr != nil {
			log.WithField("intent", notice.IntentID).WithError(derr).
				Error("settled flag rollback failed, intent stuck unsettled")
		}
		return Outcome{}, err
	}

	if err := s.store.HSet(ctx, intentKey(notice.IntentID), map[string]string{
		"status": StatusFinalized,
	}); err != nil {
		return Outcome{}, err
	}
	return Outcome{IntentID: notice.IntentID, Status: StatusFinalized, Pot: pot}, nil
}

// applyFailed marks an unsettled intent failed. The player stays unpaid and
// the pot is untouched; a finalized intent is never demoted.
func (s *Service) applyFailed(ctx context.Context, notice Notice, fields map[string]string) (Outcome, error) {
	if fields["settled"] == "1" {
		return Outcome{IntentID: notice.IntentID, Status: StatusFinalized, Duplicate: true}, nil
	}
	if err := s.store.HSet(ctx, intentKey(notice.IntentID), map[string]string{
		"status": StatusFailed,
	}); err != nil {
		return Outcome{}, err
	}
	log.WithField("intent", notice.IntentID).Info("payment intent failed")
	return Outcome{IntentID: notice.IntentID, Status: StatusFailed}, nil
}
