package locks

import (
	"context"
	"sync"

	logger "github.com/sirupsen/logrus"
)

// durableLockRepository is the database-backed half of the lock
// manager.
type durableLockRepository interface {
	Acquire(ctx context.Context, botID, symbol, lockType, reason, positionID, metadata string) error
	Release(ctx context.Context, botID, symbol, lockType string) error
	HasActive(ctx context.Context, botID, symbol, lockType string) (bool, error)
}

// Manager combines the durable trading-lock table with per-(bot,
// symbol) in-process semaphores. The durable lock protects critical
// sections across bot instances and restarts; the semaphore serializes
// goroutines of the same process at finer grain.
type Manager struct {
	repo durableLockRepository

	mu   sync.Mutex
	sems map[string]*Semaphore
}

func NewManager(repo durableLockRepository) *Manager {
	return &Manager{
		repo: repo,
		sems: make(map[string]*Semaphore),
	}
}

func (m *Manager) semaphore(key string) *Semaphore {
	m.mu.Lock()
	defer m.mu.Unlock()

	sem, ok := m.sems[key]
	if !ok {
		sem = NewSemaphore(1)
		m.sems[key] = sem
	}
	return sem
}

// HasActive reports whether the durable lock for the tuple is held.
func (m *Manager) HasActive(ctx context.Context, botID, symbol, lockType string) (bool, error) {
	return m.repo.HasActive(ctx, botID, symbol, lockType)
}

// WithLock runs fn inside the (bot, symbol) critical section: the
// in-process semaphore is taken first, then the durable lock row is
// upserted active. Both are released on every exit path, including fn
// failures and panics.
func (m *Manager) WithLock(
	ctx context.Context,
	botID, symbol, lockType, reason string,
	fn func(ctx context.Context) error,
) error {

	sem := m.semaphore(botID + "/" + symbol)

	permit, err := sem.Acquire(ctx, botID+"/"+symbol+"/"+lockType)
	if err != nil {
		return err
	}
	defer permit.Release()

	if err := m.repo.Acquire(ctx, botID, symbol, lockType, reason, "", ""); err != nil {
		return err
	}

	defer func() {
		if err := m.repo.Release(ctx, botID, symbol, lockType); err != nil {
			logger.WithFields(map[string]interface{}{
				"bot_id":    botID,
				"symbol":    symbol,
				"lock_type": lockType,
			}).WithError(err).Error("Failed to release durable lock, row stays active until next release")
		}
	}()

	return fn(ctx)
}
