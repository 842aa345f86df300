package main

import (
	"context"
	"database/sql"
	"log"

	"tripbook/cmd/server/config"
	"tripbook/internal/booking"
	"tripbook/internal/booking/saga"
	bookingdb "tripbook/internal/db/booking"
	"tripbook/internal/statestore"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

var openBookingDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

// persistence is everything the booking subsystem keeps outside the process.
type persistence struct {
	store   saga.Store
	lister  saga.Lister
	ledger  booking.PaymentLedger
	journal *bookingdb.Journal
	redis   *redis.Client
	cleanup func()
}

// buildPersistence connects Redis (always: it carries the alert stream and,
// by default, saga state) and Postgres when configured. With
// STATE_STORE=postgres, saga state and the step journal live in Postgres;
// the payment ledger lives in Postgres whenever DATABASE_URL is set.
func buildPersistence(ctx context.Context) (*persistence, error) {
	storeCfg, err := config.LoadStore()
	if err != nil {
		return nil, err
	}
	redisCfg, err := config.LoadRedis()
	if err != nil {
		return nil, err
	}

	client, err := connectRedis(ctx, redisCfg)
	if err != nil {
		return nil, err
	}
	p := &persistence{redis: client}
	closers := []func(){func() {
		if err := client.Close(); err != nil {
			log.Printf("close redis: %v", err)
		}
	}}
	p.cleanup = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	redisStore := statestore.NewRedisStore(client, redisCfg.KeyPrefix)
	p.store, p.lister = redisStore, redisStore

	if storeCfg.DatabaseURL == "" {
		return p, nil
	}

	db, err := openBookingDB("pgx", storeCfg.DatabaseURL)
	if err != nil {
		p.cleanup()
		return nil, err
	}
	closers = append(closers, func() {
		if err := db.Close(); err != nil {
			log.Printf("close booking db: %v", err)
		}
	})

	ledger, err := bookingdb.NewPaymentLedgerWithSchema(ctx, db)
	if err != nil {
		p.cleanup()
		return nil, err
	}
	p.ledger = ledger

	if storeCfg.Kind == config.StorePostgres {
		sagaStore, err := bookingdb.NewSagaStoreWithSchema(ctx, db)
		if err != nil {
			p.cleanup()
			return nil, err
		}
		p.store, p.lister = sagaStore, sagaStore
		p.journal = bookingdb.NewJournal(db)
	}
	return p, nil
}

func connectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.DialTimeout != nil {
		opts.DialTimeout = *cfg.DialTimeout
	}
	if cfg.ReadTimeout != nil {
		opts.ReadTimeout = *cfg.ReadTimeout
	}
	if cfg.WriteTimeout != nil {
		opts.WriteTimeout = *cfg.WriteTimeout
	}
	if cfg.PoolSize != nil {
		opts.PoolSize = *cfg.PoolSize
	}
	if cfg.MinIdleConns != nil {
		opts.MinIdleConns = *cfg.MinIdleConns
	}
	if cfg.MaxRetries != nil {
		opts.MaxRetries = *cfg.MaxRetries
	}
	if cfg.TLSConfig != nil {
		opts.TLSConfig = cfg.TLSConfig
	}

	client := redis.NewClient(opts)
	if cfg.EnableOTel {
		if err := redisotel.InstrumentTracing(client); err != nil {
			_ = client.Close()
			return nil, err
		}
		if err := redisotel.InstrumentMetrics(client); err != nil {
			_ = client.Close()
			return nil, err
		}
	}

	pingCtx := ctx
	if cfg.HealthcheckTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.HealthcheckTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
