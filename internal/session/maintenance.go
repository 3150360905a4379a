package session

import (
	"context"
	"time"

	"go.uber.org/zap"
	"portfolio-session-server/internal/browser"
	"portfolio-session-server/internal/model"
	"portfolio-session-server/internal/store"
)

// maintainAll visits every session once. Sessions that are busy or have
// queued requests are skipped until the next cycle.
func (m *Manager) maintainAll(ctx context.Context) {
	start := time.Now()
	visited := 0
	for _, e := range m.store.List() {
		if ctx.Err() != nil {
			return
		}
		if m.maintain(ctx, e) {
			visited++
		}
	}
	m.log.Debug("maintenance cycle done", zap.Int("visited", visited), zap.Duration("took", time.Since(start)))
	if visited > 0 {
		m.persist(ctx)
	}
}

func (m *Manager) maintain(ctx context.Context, e *store.Entry) (visited bool) {
	release, ok := m.locks.TryAcquire(e.ID())
	if !ok {
		m.log.Debug("maintenance skipped busy session", zap.String("session_id", e.ID()))
		return false
	}
	defer release()
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("maintenance panic", zap.String("session_id", e.ID()), zap.Any("panic", r))
		}
	}()

	if cur, ok := m.store.Get(e.ID()); !ok || cur != e {
		return false
	}

	opCtx, cancel := context.WithTimeout(ctx, m.opts.MaintenanceTimeout)
	defer cancel()

	switch e.State() {
	case model.StateNeedsRestore:
		m.restoreInBackground(opCtx, e)
	case model.StateActive:
		m.keepAlive(opCtx, e)
	default:
		return false
	}
	return true
}

// restoreInBackground logs a restored session in without fetching its
// portfolio. On any failure the session stays in NeedsRestore with no
// driver and is retried next cycle.
func (m *Manager) restoreInBackground(ctx context.Context, e *store.Entry) {
	log := m.log.With(zap.String("session_id", e.ID()))
	creds, err := e.Credentials()
	if err != nil {
		log.Warn("restore skipped", zap.Error(err))
		return
	}
	outcome, err := m.authenticate(ctx, e, creds)
	if err != nil {
		log.Warn("background restore failed", zap.Error(err))
		m.markNeedsRestore(e, "background restore failed", false)
		return
	}
	if outcome == browser.LoginNeedsTwoFactor {
		log.Warn("background restore requires two-factor, waiting for client")
		m.markNeedsRestore(e, "re-authentication requires two-factor", true)
		return
	}
	m.activate(e, "restored in background")
}

// keepAlive checks the page is still logged in, re-logs in silently when it
// is not, and otherwise resets the upstream idle timer.
func (m *Manager) keepAlive(ctx context.Context, e *store.Entry) {
	log := m.log.With(zap.String("session_id", e.ID()))
	d := e.Driver()
	if d == nil {
		m.markNeedsRestore(e, "browser missing", false)
		return
	}
	if !m.stillAuthenticated(ctx, e) {
		creds, err := e.Credentials()
		if err != nil {
			log.Warn("re-login skipped", zap.Error(err))
			return
		}
		outcome, err := m.authenticate(ctx, e, creds)
		if err != nil {
			log.Warn("silent re-login failed", zap.Error(err))
			m.markNeedsRestore(e, "silent re-login failed", false)
			return
		}
		if outcome == browser.LoginNeedsTwoFactor {
			log.Warn("silent re-login requires two-factor")
			m.markNeedsRestore(e, "re-authentication requires two-factor", true)
			return
		}
		m.touch(e)
		log.Info("session re-authenticated by maintenance")
		return
	}
	if err := d.KeepWarm(ctx); err != nil {
		log.Warn("keep-warm failed", zap.Error(err))
		return
	}
	m.touch(e)
}
