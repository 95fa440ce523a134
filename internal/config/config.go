// internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every tunable for the session engine and its entrypoints.
// Values come from the environment (a .env file is loaded by the entrypoints
// via godotenv/autoload before parsing).
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	RedisAddr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`

	// DatabaseURL is only required by the settlement archiver.
	DatabaseURL string `env:"DATABASE_URL"`

	// DevMode skips bearer-token verification and treats the raw token as the
	// player identity. Never enable in production.
	DevMode bool `env:"DEV_MODE" envDefault:"true"`

	// AuthPublicKey is the hex-encoded ed25519 public key of the external SSO
	// that signs player tokens. Required unless DevMode is set.
	AuthPublicKey string `env:"AUTH_PUBLIC_KEY"`

	// PaymentPublicKey is the hex-encoded ed25519 public key the payment
	// notifier signs webhook payloads with.
	PaymentPublicKey string `env:"PAYMENT_PUBLIC_KEY"`

	MinPlayers int `env:"MIN_PLAYERS" envDefault:"2"`
	MaxPlayers int `env:"MAX_PLAYERS" envDefault:"10"`

	FormingWindow   time.Duration `env:"FORMING_WINDOW" envDefault:"120s"`
	ArrangingWindow time.Duration `env:"ARRANGING_WINDOW" envDefault:"60s"`
	CallInterval    time.Duration `env:"CALL_INTERVAL" envDefault:"3s"`

	LobbyTTL  time.Duration `env:"LOBBY_TTL" envDefault:"10m"`
	IntentTTL time.Duration `env:"INTENT_TTL" envDefault:"15m"`

	// MaxNumber is the size of the draw universe; grids are filled with
	// distinct values in [1, MaxNumber].
	MaxNumber int `env:"MAX_NUMBER" envDefault:"20"`

	// BuyInTiers is the fixed set of entry-fee amounts lobbies are grouped by.
	BuyInTiers []int64 `env:"BUY_IN_TIERS" envDefault:"1000,3500,10000"`

	ArchiverBatchSize int           `env:"ARCHIVER_BATCH_SIZE" envDefault:"20"`
	ArchiverFlushMs   time.Duration `env:"ARCHIVER_FLUSH" envDefault:"500ms"`
}

// Load parses the environment into a Config and validates the parts the
// session engine cannot run without.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	if cfg.MinPlayers < 2 {
		return nil, fmt.Errorf("MIN_PLAYERS must be at least 2, got %d", cfg.MinPlayers)
	}
	if cfg.MaxPlayers < cfg.MinPlayers {
		return nil, fmt.Errorf("MAX_PLAYERS (%d) below MIN_PLAYERS (%d)", cfg.MaxPlayers, cfg.MinPlayers)
	}
	if cfg.MaxNumber < 9 {
		// A 3x3 grid needs at least 9 distinct values to draw from.
		return nil, fmt.Errorf("MAX_NUMBER must be at least 9, got %d", cfg.MaxNumber)
	}
	if len(cfg.BuyInTiers) == 0 {
		return nil, fmt.Errorf("BUY_IN_TIERS must not be empty")
	}
	return &cfg, nil
}
