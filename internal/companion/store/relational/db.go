// Package relational implements C1: the authoritative Postgres-backed store
// for memories, outbox events, affinity history, id mappings, conflicts, and
// idempotency keys. Connection setup is grounded on the reference's
// pkg/component/postgres/client.go (DSN build, gorm.Open, pool tuning,
// Ping-on-connect); the DAO surface itself is new, built to spec.md §3/§4.1.
package relational

import (
	"context"
	"fmt"
	"time"

	postgresopts "github.com/rhao5556-beep/peiban-sub000/pkg/options/postgres"
	postgresdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/rhao5556-beep/peiban-sub000/internal/companion/model"
)

// Open establishes the gorm connection for C1, configures the pool per opts,
// verifies connectivity, and runs AutoMigrate over every companion table.
func Open(ctx context.Context, opts *postgresopts.Options) (*gorm.DB, error) {
	if opts == nil {
		return nil, fmt.Errorf("relational: postgres options cannot be nil")
	}
	if errs := opts.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("relational: invalid postgres options: %v", errs[0])
	}

	logLevel := gormlogger.Silent
	switch opts.LogLevel {
	case 2:
		logLevel = gormlogger.Error
	case 3:
		logLevel = gormlogger.Warn
	case 4:
		logLevel = gormlogger.Info
	}

	db, err := gorm.Open(postgresdriver.Open(postgresopts.BuildDSN(opts)), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(logLevel),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("relational: connect: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("relational: sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(opts.MaxIdleConnections)
	sqlDB.SetMaxOpenConns(opts.MaxOpenConnections)
	sqlDB.SetConnMaxLifetime(opts.MaxConnectionLifeTime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("relational: ping: %w", err)
	}

	if err := model.Migrate(db); err != nil {
		return nil, fmt.Errorf("relational: migrate: %w", err)
	}
	return db, nil
}
