// Package config holds the process-wide immutable configuration snapshot
// described in the design notes: readers take a reference to the current
// snapshot for the duration of one operation, avoiding torn reads, and an
// admin update swaps the pointer atomically.
package config

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/yungbote/planner/internal/platform/envutil"
)

type Config struct {
	WorkerLeaseSeconds         int
	WorkerHeartbeatInterval    time.Duration
	TaskDefaultDeadline        time.Duration
	TaskMaxAttempts            int
	TaskRetryBackoffBase       time.Duration
	TaskRetryBackoffCap        time.Duration
	QueueSoftCapPerRole        int
	EventBusSubscriberBuffer   int
	OrchestratorPerJobLockTTL  time.Duration
	MinRequirementsLen         int

	RedisAddr     string
	PostgresDSN   string
	HTTPAddr      string
	LogMode       string
}

// Load reads the process environment into a Config, applying the defaults
// enumerated in the external-interfaces configuration table.
func Load() Config {
	return Config{
		WorkerLeaseSeconds:        envutil.Int("WORKER_LEASE_SECONDS", 30),
		WorkerHeartbeatInterval:   time.Duration(envutil.Int("WORKER_HEARTBEAT_INTERVAL_SECONDS", 10)) * time.Second,
		TaskDefaultDeadline:       time.Duration(envutil.Int("TASK_DEFAULT_DEADLINE_SECONDS", 600)) * time.Second,
		TaskMaxAttempts:           envutil.Int("TASK_MAX_ATTEMPTS", 3),
		TaskRetryBackoffBase:      time.Duration(envutil.Int("TASK_RETRY_BACKOFF_BASE_MS", 1000)) * time.Millisecond,
		TaskRetryBackoffCap:       time.Duration(envutil.Int("TASK_RETRY_BACKOFF_CAP_MS", 60000)) * time.Millisecond,
		QueueSoftCapPerRole:       envutil.Int("QUEUE_SOFT_CAP_PER_ROLE", 1000),
		EventBusSubscriberBuffer:  envutil.Int("EVENTBUS_SUBSCRIBER_BUFFER", 256),
		OrchestratorPerJobLockTTL: time.Duration(envutil.Int("ORCHESTRATOR_PER_JOB_LOCK_TIMEOUT_SECONDS", 5)) * time.Second,
		MinRequirementsLen:        envutil.Int("MIN_REQUIREMENTS_LEN", 1),
		RedisAddr:                 envOr("REDIS_ADDR", "localhost:6379"),
		PostgresDSN:               envOr("POSTGRES_DSN", ""),
		HTTPAddr:                  envOr("HTTP_ADDR", ":8080"),
		LogMode:                   envOr("LOG_MODE", "development"),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Snapshot is an atomically swappable handle to the current Config, per
// the process-wide state design note.
type Snapshot struct {
	v atomic.Value
}

func NewSnapshot(c Config) *Snapshot {
	s := &Snapshot{}
	s.v.Store(c)
	return s
}

func (s *Snapshot) Get() Config {
	return s.v.Load().(Config)
}

func (s *Snapshot) Swap(c Config) {
	s.v.Store(c)
}
