package session

import (
	"context"

	"go.uber.org/zap"
	"portfolio-session-server/internal/model"
	"portfolio-session-server/internal/store"
)

// reap removes sessions idle for longer than ReapAfter.
func (m *Manager) reap(ctx context.Context) int {
	now := m.opts.Now()
	n := m.removeWhere(func(rec model.SessionRecord) bool {
		return now.Sub(rec.LastActivityAt) > m.opts.ReapAfter
	}, "inactive")
	if n > 0 {
		m.log.Info("reaped inactive sessions", zap.Int("count", n))
		m.persist(ctx)
	}
	return n
}

// sweepTwoFactor removes sessions whose two-factor window has passed.
func (m *Manager) sweepTwoFactor(ctx context.Context) int {
	now := m.opts.Now()
	n := m.removeWhere(func(rec model.SessionRecord) bool {
		return rec.State == model.StateAwaitingTwoFactor && now.After(rec.TwoFactorDeadline)
	}, "two-factor window expired")
	if n > 0 {
		m.log.Info("expired pending two-factor sessions", zap.Int("count", n))
		m.persist(ctx)
	}
	return n
}

func (m *Manager) removeWhere(match func(model.SessionRecord) bool, reason string) int {
	n := 0
	for _, e := range m.store.List() {
		if !match(e.Record()) {
			continue
		}
		if m.removeIfIdle(e, match, reason) {
			n++
		}
	}
	return n
}

// removeIfIdle takes the session lock without waiting and re-checks the
// condition under it.
func (m *Manager) removeIfIdle(e *store.Entry, match func(model.SessionRecord) bool, reason string) bool {
	release, ok := m.locks.TryAcquire(e.ID())
	if !ok {
		return false
	}
	defer release()
	if cur, ok := m.store.Get(e.ID()); !ok || cur != e || !match(e.Record()) {
		return false
	}
	m.discard(e, reason)
	return true
}
