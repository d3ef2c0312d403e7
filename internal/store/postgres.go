// Package store is the State Store: the sole owner of persistent truth for
// jobs, tasks, artifacts, events, truth records, and the module catalog.
// Status and stage transitions here are conditional writes keyed on the
// expected current value (§3). DB() exposes the underlying *gorm.DB handle.
package store

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/planner/internal/domain"
	"github.com/yungbote/planner/internal/platform/logger"
)

type Store struct {
	db  *gorm.DB
	log *logger.Logger
}

// Open connects to Postgres using dsn (or discrete POSTGRES_* env vars if
// dsn is empty, matching the teacher's local-dev default), configuring a
// slow-query logger tuned for polling workers: 1s threshold, warnings only,
// record-not-found treated as expected rather than noise.
func Open(dsn string, baseLog *logger.Logger) (*Store, error) {
	if dsn == "" {
		dsn = buildDSNFromEnv()
	}
	gl := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:                                   gl,
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`).Error; err != nil {
		baseLog.Warn("store: uuid-ossp extension not created", "error", err.Error())
	}
	return &Store{db: db, log: baseLog}, nil
}

// OpenWithDB wraps an already-open *gorm.DB (used by tests against sqlite).
func OpenWithDB(db *gorm.DB, baseLog *logger.Logger) *Store {
	return &Store{db: db, log: baseLog}
}

func buildDSNFromEnv() string {
	host := envOr("POSTGRES_HOST", "localhost")
	port := envOr("POSTGRES_PORT", "5432")
	user := envOr("POSTGRES_USER", "postgres")
	pass := os.Getenv("POSTGRES_PASSWORD")
	name := envOr("POSTGRES_NAME", "planner")
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, pass, name)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(
		&domain.Job{},
		&domain.Task{},
		&domain.Artifact{},
		&domain.JobTruthRecord{},
		&domain.Event{},
		&domain.ModuleCatalogEntry{},
	)
}
