// Package manager owns the set of resident models. It decides which models
// are loaded, enforces the residency cap with LRU eviction, reaps idle
// models in the background, and dispatches generation/embedding requests
// through the tuner and telemetry recorder.
package manager

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"modelgate/internal/backend"
	"modelgate/internal/registry"
	"modelgate/internal/sysload"
	"modelgate/internal/telemetry"
	"modelgate/internal/tuner"
	"modelgate/pkg/types"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxConcurrentModels = 2
	defaultUnloadTimeout       = 600 * time.Second
	defaultReapInterval        = 60 * time.Second
	defaultMaxRetries          = 3
	defaultRetryDelay          = time.Second
)

// ClientFactory builds a backend client bound to a model id. The manager
// calls it once per load; the returned client lives until eviction/unload.
type ClientFactory func(modelID string) (backend.Client, error)

// Config encapsulates all tunables for Manager construction.
type Config struct {
	MaxConcurrentModels   int
	UnloadTimeout         time.Duration
	ReapInterval          time.Duration
	DefaultModel          string
	DefaultEmbeddingModel string
	MaxRetries            int
	RetryDelay            time.Duration
}

// handle tracks one resident model. Its mutex serializes dispatch against
// unload so a model is never torn down mid-request and never unloaded twice.
type handle struct {
	id       string
	client   backend.Client
	lastUsed time.Time
	mu       sync.Mutex
}

type Manager struct {
	// mu guards pool and loadLocks membership only. It is never held across
	// a network call.
	mu        sync.Mutex
	pool      map[string]*handle
	loadLocks map[string]*sync.Mutex

	maxResident       int
	unloadAfter       time.Duration
	reapInterval      time.Duration
	defaultModel      string
	defaultEmbedModel string
	maxRetries        int
	retryDelay        time.Duration

	reg       *registry.Registry
	probe     sysload.Probe
	newClient ClientFactory
	tuner     *tuner.Tuner
	recorder  *telemetry.Recorder
	log       zerolog.Logger

	// injected for tests
	now       func() time.Time
	newTicker func(time.Duration) ticker

	stopReaper chan struct{}
	reaperDone chan struct{}
	closeOnce  sync.Once

	startTime time.Time
	evictions atomic.Uint64
	loads     atomic.Uint64
}

// New constructs a manager and starts its idle reaper. Callers must Close it
// to stop the reaper.
func New(cfg Config, reg *registry.Registry, probe sysload.Probe, clients ClientFactory,
	tn *tuner.Tuner, rec *telemetry.Recorder, log zerolog.Logger) *Manager {

	if cfg.MaxConcurrentModels <= 0 {
		cfg.MaxConcurrentModels = defaultMaxConcurrentModels
	}
	if cfg.UnloadTimeout <= 0 {
		cfg.UnloadTimeout = defaultUnloadTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = defaultReapInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}

	m := &Manager{
		pool:              make(map[string]*handle),
		loadLocks:         make(map[string]*sync.Mutex),
		maxResident:       cfg.MaxConcurrentModels,
		unloadAfter:       cfg.UnloadTimeout,
		reapInterval:      cfg.ReapInterval,
		defaultModel:      cfg.DefaultModel,
		defaultEmbedModel: cfg.DefaultEmbeddingModel,
		maxRetries:        cfg.MaxRetries,
		retryDelay:        cfg.RetryDelay,
		reg:               reg,
		probe:             probe,
		newClient:         clients,
		tuner:             tn,
		recorder:          rec,
		log:               log.With().Str("component", "manager").Logger(),
		now:               time.Now,
		newTicker:         newRealTicker,
		stopReaper:        make(chan struct{}),
		reaperDone:        make(chan struct{}),
		startTime:         time.Now(),
	}
	go m.reapLoop()
	return m
}

// Close stops the idle reaper and waits for it to exit. Resident handles are
// left in place; the process is going away anyway.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.stopReaper)
		<-m.reaperDone
	})
}

// Acquire returns a client for modelID, loading the model if it is not
// resident and evicting the least-recently-used resident model when the pool
// is full. Clients are valid for one logical unit of work; callers re-Acquire
// per request rather than caching across requests.
func (m *Manager) Acquire(ctx context.Context, modelID string) (backend.Client, error) {
	h, err := m.acquire(ctx, modelID)
	if err != nil {
		return nil, err
	}
	return h.client, nil
}

func (m *Manager) acquire(ctx context.Context, modelID string) (*handle, error) {
	if _, ok := m.reg.ByID(modelID); !ok {
		return nil, ErrModelNotFound(modelID)
	}

	// Fast path: already resident.
	m.mu.Lock()
	if h, ok := m.pool[modelID]; ok {
		h.lastUsed = m.now()
		m.mu.Unlock()
		return h, nil
	}
	ll := m.loadLockLocked(modelID)
	m.mu.Unlock()

	// Per-model load lock: concurrent Acquires for the same model serialize
	// here so the backend is loaded at most once; different models proceed
	// independently.
	ll.Lock()
	defer ll.Unlock()

	m.mu.Lock()
	if h, ok := m.pool[modelID]; ok {
		h.lastUsed = m.now()
		m.mu.Unlock()
		return h, nil
	}
	m.mu.Unlock()

	if err := m.evictUntilRoom(); err != nil {
		return nil, err
	}

	start := m.now()
	m.log.Info().Str("model", modelID).Msg("loading model")
	client, err := m.newClient(modelID)
	if err != nil {
		loadFailuresTotal.Inc()
		return nil, ErrLoad(modelID, err)
	}
	// Insertion happens only after the backend confirms the model; transient
	// health failures are retried like any other transient call.
	err = backend.RetryTransient(ctx, m.retryDelay, m.maxRetries, func() error {
		if !client.HealthCheck(ctx) {
			return backend.ErrConnection(fmt.Errorf("model %s not reported by backend", modelID))
		}
		return nil
	})
	if err != nil {
		loadFailuresTotal.Inc()
		m.log.Warn().Str("model", modelID).Err(err).Msg("model load failed")
		return nil, ErrLoad(modelID, err)
	}

	// Loads for different models run concurrently, so the room made before
	// this load may be gone again. Re-check under the pool lock and keep
	// evicting until the insert leaves the pool within its cap.
	h := &handle{id: modelID, client: client, lastUsed: m.now()}
	for {
		m.mu.Lock()
		if len(m.pool) < m.maxResident {
			m.pool[modelID] = h
			residentModels.Set(float64(len(m.pool)))
			m.mu.Unlock()
			break
		}
		m.mu.Unlock()
		if err := m.evictUntilRoom(); err != nil {
			_ = closeClient(client)
			return nil, err
		}
	}
	m.loads.Add(1)
	loadsTotal.Inc()
	m.log.Info().Str("model", modelID).Dur("dur", m.now().Sub(start)).Msg("model resident")
	return h, nil
}

// Release updates the model's last-used timestamp. It never unloads.
func (m *Manager) Release(modelID string) {
	m.mu.Lock()
	if h, ok := m.pool[modelID]; ok {
		h.lastUsed = m.now()
	}
	m.mu.Unlock()
}

// loadLockLocked returns the load lock for modelID, creating it on first
// use. Caller holds m.mu.
func (m *Manager) loadLockLocked(modelID string) *sync.Mutex {
	ll, ok := m.loadLocks[modelID]
	if !ok {
		ll = &sync.Mutex{}
		m.loadLocks[modelID] = ll
	}
	return ll
}

// evictUntilRoom evicts LRU handles until the pool has a free slot. Ties on
// lastUsed break toward the lexicographically smallest model id so the
// choice is deterministic.
func (m *Manager) evictUntilRoom() error {
	for {
		m.mu.Lock()
		if len(m.pool) < m.maxResident {
			m.mu.Unlock()
			return nil
		}
		var victim *handle
		for _, h := range m.pool {
			switch {
			case victim == nil:
				victim = h
			case h.lastUsed.Before(victim.lastUsed):
				victim = h
			case h.lastUsed.Equal(victim.lastUsed) && h.id < victim.id:
				victim = h
			}
		}
		m.mu.Unlock()
		if victim == nil {
			return ErrCapacity("(none)", fmt.Errorf("pool full with no evictable handle"))
		}

		// Take the handle lock outside the pool lock so dispatches on other
		// models keep flowing; this blocks until any in-flight request on the
		// victim finishes.
		victim.mu.Lock()
		m.mu.Lock()
		if m.pool[victim.id] != victim {
			// Someone else removed it while we waited; re-evaluate.
			m.mu.Unlock()
			victim.mu.Unlock()
			continue
		}
		m.mu.Unlock()

		if err := closeClient(victim.client); err != nil {
			victim.mu.Unlock()
			return ErrCapacity(victim.id, err)
		}
		m.mu.Lock()
		delete(m.pool, victim.id)
		residentModels.Set(float64(len(m.pool)))
		m.mu.Unlock()
		victim.mu.Unlock()
		m.evictions.Add(1)
		evictionsTotal.Inc()
		m.log.Info().Str("model", victim.id).Msg("evicted LRU model")
	}
}

// closeClient releases client resources when the implementation supports it.
func closeClient(c backend.Client) error {
	if closer, ok := c.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Unload removes a resident model, waiting for any in-flight request on it.
func (m *Manager) Unload(modelID string) error {
	m.mu.Lock()
	h, ok := m.pool[modelID]
	m.mu.Unlock()
	if !ok {
		return ErrModelNotFound(modelID)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	m.mu.Lock()
	if m.pool[modelID] != h {
		m.mu.Unlock()
		return nil
	}
	delete(m.pool, modelID)
	residentModels.Set(float64(len(m.pool)))
	m.mu.Unlock()
	if err := closeClient(h.client); err != nil {
		m.log.Warn().Str("model", modelID).Err(err).Msg("client close failed on unload")
	}
	m.log.Info().Str("model", modelID).Msg("unloaded model")
	return nil
}

// SelectBest picks the cheapest model suited for task whose resource needs
// fit the current probe snapshot, falling back to the default model id when
// nothing qualifies.
func (m *Manager) SelectBest(task types.TaskType) string {
	totalRAM := m.probe.TotalRAMGB()
	vramFree, vramKnown := m.probe.VRAMFreeGB()
	for _, c := range m.reg.Candidates(task) {
		if totalRAM > 0 && c.RAMRequiredGB > totalRAM {
			continue
		}
		if c.VRAMRequiredGB > 0 && (!vramKnown || vramFree < c.VRAMRequiredGB) {
			continue
		}
		return c.ID
	}
	m.log.Debug().Str("task", string(task)).Str("fallback", m.defaultModel).Msg("no suitable model, using default")
	return m.defaultModel
}

// ListModels returns the configured catalog.
func (m *Manager) ListModels() []types.ModelDescriptor { return m.reg.All() }

// SetProfile switches the process-wide performance profile.
func (m *Manager) SetProfile(p tuner.Profile) { m.tuner.SetProfile(p) }

// Stats returns telemetry aggregates over the recent-request window.
func (m *Manager) Stats() telemetry.Stats { return m.recorder.Stats() }

// Ready reports whether the default model's backend answers health checks.
// With no default configured, readiness degrades to "process is up".
func (m *Manager) Ready(ctx context.Context) bool {
	if m.defaultModel == "" {
		return true
	}
	client, err := m.newClient(m.defaultModel)
	if err != nil {
		return false
	}
	defer func() { _ = closeClient(client) }()
	return client.HealthCheck(ctx)
}

// Status returns a residency snapshot for the status endpoint.
func (m *Manager) Status() types.StatusResponse {
	m.mu.Lock()
	resident := make([]types.ResidentModelStatus, 0, len(m.pool))
	for _, h := range m.pool {
		resident = append(resident, types.ResidentModelStatus{
			ModelID:  h.id,
			LastUsed: h.lastUsed.Unix(),
		})
	}
	m.mu.Unlock()
	now := m.now()
	return types.StatusResponse{
		Resident:            resident,
		MaxConcurrentModels: m.maxResident,
		Profile:             string(m.tuner.Profile()),
		EvictionsTotal:      m.evictions.Load(),
		LoadsTotal:          m.loads.Load(),
		UptimeSeconds:       int64(now.Sub(m.startTime).Seconds()),
		ServerTimeUnix:      now.Unix(),
	}
}
