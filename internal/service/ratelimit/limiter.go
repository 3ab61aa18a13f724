package ratelimit

import (
	"sync"
	"time"

	"tradegate/internal/domain"
)

type Config struct {
	Capacity       int
	Window         time.Duration
	ErrorThreshold int
	Cooldown       time.Duration
}

// Window is the per-session bucket and error streak.
type Window struct {
	SessionID         string
	Tokens            int
	WindowStart       time.Time
	ConsecutiveErrors int
	CooldownUntil     time.Time
}

// Limiter admits command submissions per session. The bucket refills to
// capacity once per window; a streak of failed outcomes puts the session
// into cooldown regardless of remaining tokens.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	windows map[string]*Window
	now     func() time.Time
}

func New(cfg Config) *Limiter {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	return &Limiter{
		cfg:     cfg,
		windows: make(map[string]*Window),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Tests only.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Admit consumes one token for session. Rejections do not consume tokens.
func (l *Limiter) Admit(session string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.windowLocked(session, now)
	if now.Before(w.CooldownUntil) {
		return domain.Errorf(domain.ErrCooldown, "session cooling down until %s", w.CooldownUntil.Format(time.RFC3339))
	}
	if w.Tokens <= 0 {
		retry := w.WindowStart.Add(l.cfg.Window).Sub(now).Round(time.Second)
		return domain.Errorf(domain.ErrRateLimited, "rate limit of %d per %s reached; retry in %s", l.cfg.Capacity, l.cfg.Window, retry)
	}
	w.Tokens--
	return nil
}

// Observe feeds a terminal outcome into the session's error streak.
// SUCCEEDED resets it; FAILED and REJECTED extend it.
func (l *Limiter) Observe(session string, outcome domain.PipelineState) {
	switch outcome {
	case domain.StateSucceeded, domain.StateFailed, domain.StateRejected:
	default:
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.windowLocked(session, now)
	if outcome == domain.StateSucceeded {
		w.ConsecutiveErrors = 0
		return
	}
	w.ConsecutiveErrors++
	if w.ConsecutiveErrors >= l.cfg.ErrorThreshold {
		w.CooldownUntil = now.Add(l.cfg.Cooldown)
		w.ConsecutiveErrors = 0
	}
}

// Snapshot returns a copy of the session window, if one exists.
func (l *Limiter) Snapshot(session string) (Window, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[session]
	if !ok {
		return Window{}, false
	}
	return *w, true
}

// Prune drops windows that are full, idle past their window and not cooling down.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	removed := 0
	for id, w := range l.windows {
		if now.Sub(w.WindowStart) < l.cfg.Window || now.Before(w.CooldownUntil) || w.ConsecutiveErrors > 0 {
			continue
		}
		delete(l.windows, id)
		removed++
	}
	return removed
}

func (l *Limiter) windowLocked(session string, now time.Time) *Window {
	w, ok := l.windows[session]
	if !ok {
		w = &Window{SessionID: session, Tokens: l.cfg.Capacity, WindowStart: now}
		l.windows[session] = w
		return w
	}
	if now.Sub(w.WindowStart) >= l.cfg.Window {
		w.Tokens = l.cfg.Capacity
		w.WindowStart = now
	}
	return w
}
