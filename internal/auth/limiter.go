package auth

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const maxTrackedClients = 4096

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// loginLimiter は IP ごとのログイン失敗回数を数えます。
// 追跡する IP 数は上限付きで、古い記録は自動的に消えます。
type loginLimiter struct {
	mu       sync.Mutex
	attempts *expirable.LRU[string, *attemptState]
	now      func() time.Time
}

func newLoginLimiter() *loginLimiter {
	return &loginLimiter{
		attempts: expirable.NewLRU[string, *attemptState](maxTrackedClients, nil, loginWindow+lockDuration),
		now:      time.Now,
	}
}

// lockedFor はロック解除までの残り時間を返します。ロックされていなければ0です。
func (l *loginLimiter) lockedFor(ip string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.attempts.Get(ip)
	if !ok {
		return 0
	}
	now := l.now()
	if !now.Before(state.lockedUntil) {
		return 0
	}
	return state.lockedUntil.Sub(now)
}

// failure は失敗を記録し、ロックまでの残り試行回数を返します。
func (l *loginLimiter) failure(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	state, ok := l.attempts.Get(ip)
	if !ok || now.Sub(state.firstAttempt) > loginWindow {
		state = &attemptState{firstAttempt: now}
	}
	state.count++
	if state.count >= maxLoginAttempts {
		state.count = maxLoginAttempts
		state.lockedUntil = now.Add(lockDuration)
	}
	l.attempts.Add(ip, state)
	return maxLoginAttempts - state.count
}

func (l *loginLimiter) reset(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts.Remove(ip)
}
