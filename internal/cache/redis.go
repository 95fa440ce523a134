// internal/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/alienarcade/bingo-service/internal/session"
)

// Rdb is the global Redis client. Connect it once at application startup.
var Rdb *redis.Client

// SettlementQueue is the Redis list the archiver consumes finished-lobby
// records from.
var SettlementQueue = "settlements"

// ConnectRedis initializes the global Redis client and pings it.
func ConnectRedis(addr string, db int) error {
	Rdb = redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := Rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return nil
}

// PublishSettlement serializes a finished-lobby record onto the settlement
// queue. Errors are logged, never propagated: the engine's correctness must
// not depend on the archiver.
func PublishSettlement(ctx context.Context, rec session.SettlementRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		log.WithError(err).Error("failed to marshal settlement record")
		return
	}
	if err := Rdb.RPush(ctx, SettlementQueue, data).Err(); err != nil {
		log.WithFields(log.Fields{"lobby": rec.LobbyID}).WithError(err).
			Error("failed to enqueue settlement record")
	}
}
