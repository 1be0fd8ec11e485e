package engine

import (
	"context"
	"database/sql"
	"log"
	"time"

	"agentmarket/internal/config"
	"agentmarket/internal/domain"
	"agentmarket/internal/events"
	"agentmarket/internal/keylock"
	"agentmarket/internal/repo"
)

// Engine owns every mutation of marketplace state. Mutations on the same
// agent, job or wallet are serialized through Locks; each one commits its
// rows and its event in a single SQL transaction.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Locks  *keylock.Locker
	Logger *log.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Config: cfg,
		Locks:  keylock.New(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// writer stamps events with the engine clock unless Events has its own.
func (e Engine) writer() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339Nano)
}

func (e Engine) logf(format string, args ...any) {
	logger := e.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf(format, args...)
}

func (e Engine) lock(keys ...string) func() {
	if e.Locks == nil {
		return func() {}
	}
	return e.Locks.Lock(keys...)
}

// ListEvents exposes the audit log after a cursor.
func (e Engine) ListEvents(ctx context.Context, f repo.EventFilter) ([]domain.Event, error) {
	return e.Repo.ListEvents(ctx, f)
}
