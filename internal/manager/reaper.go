package manager

import "time"

// ticker abstracts time.Ticker so tests can drive reap cycles without real
// sleeps.
type ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func newRealTicker(d time.Duration) ticker { return realTicker{t: time.NewTicker(d)} }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// reapLoop is the single long-lived background task: every reap interval it
// unloads models idle past the unload timeout. It runs until Close.
func (m *Manager) reapLoop() {
	defer close(m.reaperDone)
	t := m.newTicker(m.reapInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stopReaper:
			return
		case <-t.C():
			m.reapOnce(m.now())
		}
	}
}

// reapOnce unloads every handle idle past the timeout whose per-model lock
// is free. A contended lock means a request is in flight; the model is
// skipped and reconsidered next cycle rather than blocked on. Returns the
// number of models unloaded.
func (m *Manager) reapOnce(now time.Time) int {
	m.mu.Lock()
	var idle []*handle
	for _, h := range m.pool {
		if now.Sub(h.lastUsed) > m.unloadAfter {
			idle = append(idle, h)
		}
	}
	m.mu.Unlock()

	reaped := 0
	for _, h := range idle {
		if !h.mu.TryLock() {
			m.log.Debug().Str("model", h.id).Msg("reap skipped, model busy")
			continue
		}
		m.mu.Lock()
		stale := m.pool[h.id] == h && now.Sub(h.lastUsed) > m.unloadAfter
		if stale {
			delete(m.pool, h.id)
			residentModels.Set(float64(len(m.pool)))
		}
		m.mu.Unlock()
		if stale {
			if err := closeClient(h.client); err != nil {
				m.log.Warn().Str("model", h.id).Err(err).Msg("client close failed on reap")
			}
			m.evictions.Add(1)
			evictionsTotal.Inc()
			m.log.Info().Str("model", h.id).Msg("reaped idle model")
			reaped++
		}
		h.mu.Unlock()
	}
	return reaped
}
