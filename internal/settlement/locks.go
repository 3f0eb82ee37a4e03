package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LockTable hands out per-account mutual exclusion inside this process.
// Pairs are always acquired in lexicographic account-number order, which
// makes two opposing transfers on the same pair contend instead of
// deadlock.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]*accountLock
}

type accountLock struct {
	sem  chan struct{}
	refs int
}

func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]*accountLock)}
}

func (t *LockTable) get(accountNumber string) *accountLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[accountNumber]
	if !ok {
		l = &accountLock{sem: make(chan struct{}, 1)}
		t.locks[accountNumber] = l
	}
	l.refs++
	return l
}

func (t *LockTable) put(accountNumber string, l *accountLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, accountNumber)
	}
}

// Acquire takes the lock for one account, waiting at most maxWait.
// Timeouts and context cancellation surface as ErrLockContention.
func (t *LockTable) Acquire(ctx context.Context, accountNumber string, maxWait time.Duration) (func(), error) {
	l := t.get(accountNumber)

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case l.sem <- struct{}{}:
		var once sync.Once
		release := func() {
			once.Do(func() {
				<-l.sem
				t.put(accountNumber, l)
			})
		}
		return release, nil
	case <-timer.C:
		t.put(accountNumber, l)
		return nil, fmt.Errorf("account %s: lock wait exceeded %s: %w", accountNumber, maxWait, ErrLockContention)
	case <-ctx.Done():
		t.put(accountNumber, l)
		return nil, fmt.Errorf("account %s: %v: %w", accountNumber, ctx.Err(), ErrLockContention)
	}
}

// AcquirePair locks both accounts of a transfer in lexicographic order.
// The returned release unlocks in reverse order.
func (t *LockTable) AcquirePair(ctx context.Context, a, b string, maxWait time.Duration) (func(), error) {
	first, second := a, b
	if second < first {
		first, second = second, first
	}

	releaseFirst, err := t.Acquire(ctx, first, maxWait)
	if err != nil {
		return nil, err
	}
	releaseSecond, err := t.Acquire(ctx, second, maxWait)
	if err != nil {
		releaseFirst()
		return nil, err
	}

	return func() {
		releaseSecond()
		releaseFirst()
	}, nil
}
