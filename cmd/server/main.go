// cmd/server/main.go
package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net/http"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/alienarcade/bingo-service/internal/auth"
	"github.com/alienarcade/bingo-service/internal/cache"
	"github.com/alienarcade/bingo-service/internal/config"
	"github.com/alienarcade/bingo-service/internal/handlers"
	"github.com/alienarcade/bingo-service/internal/middleware"
	"github.com/alienarcade/bingo-service/internal/payments"
	"github.com/alienarcade/bingo-service/internal/session"
)

func main() {
	logger := logrus.New()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	if err := cache.ConnectRedis(cfg.RedisAddr, cfg.RedisDB); err != nil {
		logger.Fatalf("redis: %v", err)
	}

	verifier, err := auth.New(cfg.DevMode, cfg.AuthPublicKey)
	if err != nil {
		logger.Fatalf("auth: %v", err)
	}
	if cfg.DevMode {
		logger.Warn("DEV_MODE enabled: bearer tokens are accepted unverified")
	}

	paymentKey, err := parsePaymentKey(cfg.PaymentPublicKey)
	if err != nil {
		logger.Fatalf("payment key: %v", err)
	}

	store := session.NewRedisStore(cache.Rdb)
	engine := session.NewEngine(store, session.Options{
		MinPlayers:      cfg.MinPlayers,
		MaxPlayers:      cfg.MaxPlayers,
		FormingWindow:   cfg.FormingWindow,
		ArrangingWindow: cfg.ArrangingWindow,
		CallInterval:    cfg.CallInterval,
		LobbyTTL:        cfg.LobbyTTL,
		MaxNumber:       cfg.MaxNumber,
		BuyInTiers:      cfg.BuyInTiers,
	})
	engine.SetPublisher(cache.PublishSettlement)

	pay := payments.NewService(store, engine, paymentKey, cfg.IntentTTL)

	api := &handlers.API{
		Engine:   engine,
		Payments: pay,
		Auth:     verifier,
		Logger:   logger,
	}

	handler := middleware.LogMiddleware(logger)(api.Routes())

	logger.Infof("Running on %s", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, handler); err != nil {
		logger.Fatalf("server exited: %v", err)
	}
}

// parsePaymentKey decodes the notifier's hex-encoded ed25519 public key.
func parsePaymentKey(hexKey string) (ed25519.PublicKey, error) {
	if hexKey == "" {
		return nil, fmt.Errorf("PAYMENT_PUBLIC_KEY is required")
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
