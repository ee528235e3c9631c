package service

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mmeshcher/foodbot/internal/model"
)

// userLocks выдаёт взаимоисключающую блокировку на одного пользователя.
// Блокировки разных пользователей не зависят друг от друга; запись удаляется, когда её никто не ждёт.
type userLocks struct {
	mu    sync.Mutex
	locks map[int64]*userLock
}

type userLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[int64]*userLock)}
}

// acquire ждёт блокировку пользователя не дольше wait (при wait <= 0 без ограничения).
// По таймауту возвращает model.ErrCheckoutInProgress, при отмене ctx возвращает ошибку контекста.
func (l *userLocks) acquire(ctx context.Context, userID int64, wait time.Duration) (func(), error) {
	l.mu.Lock()
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{sem: semaphore.NewWeighted(1)}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	waitCtx := ctx
	if wait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	if err := ul.sem.Acquire(waitCtx, 1); err != nil {
		l.unref(userID, ul)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, model.ErrCheckoutInProgress
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ul.sem.Release(1)
			l.unref(userID, ul)
		})
	}, nil
}

func (l *userLocks) unref(userID int64, ul *userLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ul.refs--
	if ul.refs == 0 {
		delete(l.locks, userID)
	}
}

func (l *userLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
