// internal/archiver/archiver.go
//
// The settlement archiver is an asynchronous companion service: it pops
// finished-lobby settlement records from a Redis queue and persists them to
// PostgreSQL in batched transactions. The session engine publishes records
// fire-and-forget; losing the archiver never affects a running game.
package archiver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/alienarcade/bingo-service/internal/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS settlements (
	lobby_id    TEXT PRIMARY KEY,
	tier        BIGINT NOT NULL,
	pot         BIGINT NOT NULL,
	winner      TEXT NOT NULL DEFAULT '',
	draw_count  BIGINT NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
)`

// Service encapsulates the Redis queue consumer and the Postgres writer.
type Service struct {
	redisClient *redis.Client
	db          *pgxpool.Pool
	queueName   string
	batchSize   int
	flushDelay  time.Duration

	batchMu  sync.Mutex
	batch    []session.SettlementRecord
	ctx      context.Context
	cancelFn context.CancelFunc
}

// Options configures a Service.
type Options struct {
	RedisAddr   string
	RedisDB     int
	DatabaseURL string
	QueueName   string
	BatchSize   int
	FlushDelay  time.Duration
}

// New constructs a Service and connects both stores.
func New(ctx context.Context, opts Options) (*Service, error) {
	if opts.DatabaseURL == "" {
		return nil, fmt.Errorf("archiver requires DATABASE_URL")
	}

	rdb := redis.NewClient(&redis.Options{Addr: opts.RedisAddr, DB: opts.RedisDB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	db, err := pgxpool.New(ctx, opts.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if _, err := db.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("ensure settlements schema: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	return &Service{
		redisClient: rdb,
		db:          db,
		queueName:   opts.QueueName,
		batchSize:   opts.BatchSize,
		flushDelay:  opts.FlushDelay,
		batch:       make([]session.SettlementRecord, 0, opts.BatchSize),
		ctx:         runCtx,
		cancelFn:    cancel,
	}, nil
}

// Run consumes the queue until Stop is called.
func (s *Service) Run() {
	go s.readQueueLoop()
	log.Info("settlement archiver started")
	<-s.ctx.Done()
	s.flushBatch()
	log.Info("settlement archiver shutting down")
}

// Stop gracefully stops the archiver, flushing any buffered records.
func (s *Service) Stop() {
	s.cancelFn()
}

// readQueueLoop blocks on the queue and accumulates records; a ticker flushes
// partial batches so records never linger.
func (s *Service) readQueueLoop() {
	ticker := time.NewTicker(s.flushDelay)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case <-ticker.C:
			s.flushBatch()

		default:
			// BLPop with a short timeout so cancellation is handled.
			res, err := s.redisClient.BLPop(s.ctx, 3*time.Second, s.queueName).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				if s.ctx.Err() != nil {
					return
				}
				log.WithError(err).Error("settlement queue blpop failed")
				continue
			}
			if len(res) < 2 {
				continue
			}

			var rec session.SettlementRecord
			if err := json.Unmarshal([]byte(res[1]), &rec); err != nil {
				log.WithError(err).Warn("invalid settlement record, skipping")
				continue
			}
			s.appendToBatch(rec)
		}
	}
}

func (s *Service) appendToBatch(rec session.SettlementRecord) {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	s.batch = append(s.batch, rec)
	if len(s.batch) >= s.batchSize {
		s.flushBatchLocked()
	}
}

func (s *Service) flushBatch() {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	s.flushBatchLocked()
}

// flushBatchLocked writes the buffered records in a single transaction.
// Assumes batchMu is held.
func (s *Service) flushBatchLocked() {
	if len(s.batch) == 0 {
		return
	}
	batchCopy := make([]session.SettlementRecord, len(s.batch))
	copy(batchCopy, s.batch)
	s.batch = s.batch[:0]

	ctx := context.Background()
	err := beginTxFunc(ctx, s.db, func(tx pgx.Tx) error {
		for _, rec := range batchCopy {
			if err := insertSettlementTx(ctx, tx, rec); err != nil {
				return fmt.Errorf("insert settlement %s: %w", rec.LobbyID, err)
			}
		}
		return nil
	})
	if err != nil {
		log.WithError(err).Error("settlement batch flush failed")
		return
	}
	log.WithField("count", len(batchCopy)).Info("flushed settlements to database")
}

// insertSettlementTx upserts one settlement row. Upsert keeps a replayed
// queue entry from failing the whole batch.
func insertSettlementTx(ctx context.Context, tx pgx.Tx, rec session.SettlementRecord) error {
	q := `
		INSERT INTO settlements (lobby_id, tier, pot, winner, draw_count, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (lobby_id)
		DO UPDATE SET pot = EXCLUDED.pot, winner = EXCLUDED.winner,
		              draw_count = EXCLUDED.draw_count, finished_at = EXCLUDED.finished_at
	`
	_, err := tx.Exec(ctx, q, rec.LobbyID, rec.Tier, rec.Pot, rec.Winner, rec.DrawCount, rec.FinishedAt)
	return err
}

// beginTxFunc starts a transaction, calls f, and commits or rolls back.
func beginTxFunc(ctx context.Context, pool *pgxpool.Pool, f func(tx pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	if err := f(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("tx rollback error: %v; original error: %w", rbErr, err)
		}
		return err
	}
	return tx.Commit(ctx)
}
