// Package tablelock provides the host server's per-table read/write locks.
package tablelock

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// writerWeight is the semaphore weight a writer takes; readers take 1.
const writerWeight = 1 << 20

type Locker struct {
	mu     sync.Mutex
	tables map[string]*tableLock
}

type tableLock struct {
	sem  *semaphore.Weighted
	refs int
}

func New() *Locker {
	return &Locker{tables: make(map[string]*tableLock)}
}

// RLock takes a shared lock on db.table. The returned func releases it.
func (l *Locker) RLock(ctx context.Context, db, table string) (func(), error) {
	return l.acquire(ctx, db+"."+table, 1)
}

// Lock takes an exclusive lock on db.table. The returned func releases it.
func (l *Locker) Lock(ctx context.Context, db, table string) (func(), error) {
	return l.acquire(ctx, db+"."+table, writerWeight)
}

func (l *Locker) acquire(ctx context.Context, key string, weight int64) (func(), error) {
	l.mu.Lock()
	tl, ok := l.tables[key]
	if !ok {
		tl = &tableLock{sem: semaphore.NewWeighted(writerWeight)}
		l.tables[key] = tl
	}
	tl.refs++
	l.mu.Unlock()

	if err := tl.sem.Acquire(ctx, weight); err != nil {
		l.put(key, tl)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			tl.sem.Release(weight)
			l.put(key, tl)
		})
	}, nil
}

func (l *Locker) put(key string, tl *tableLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tl.refs--
	if tl.refs == 0 {
		delete(l.tables, key)
	}
}

// Len returns the number of tables with a held or awaited lock.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.tables)
}
