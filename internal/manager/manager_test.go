package manager

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"modelgate/internal/backend"
	"modelgate/internal/registry"
	"modelgate/internal/sysload"
	"modelgate/internal/telemetry"
	"modelgate/internal/tuner"
	"modelgate/pkg/types"
)

// fakeClient is an in-memory backend.Client. It also implements io.Closer so
// eviction paths exercise resource release.
type fakeClient struct {
	model     string
	healthy   bool
	closeErr  error
	closed    atomic.Bool
	genDelay  time.Duration
	genErr    error
	genOut    string
	stream    backend.TokenStream
	streamErr error
	embedOut  [][]float32
	embedErr  error
}

func (f *fakeClient) Generate(ctx context.Context, prompt string, p backend.Params) (string, error) {
	if f.genDelay > 0 {
		time.Sleep(f.genDelay)
	}
	return f.genOut, f.genErr
}

func (f *fakeClient) GenerateStream(ctx context.Context, prompt string, p backend.Params) (backend.TokenStream, error) {
	return f.stream, f.streamErr
}

func (f *fakeClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return f.embedOut, f.embedErr
}

func (f *fakeClient) HealthCheck(ctx context.Context) bool { return f.healthy }

func (f *fakeClient) Close() error {
	f.closed.Store(true)
	return f.closeErr
}

// fakeProbe returns canned utilization and memory figures.
type fakeProbe struct {
	sample   sysload.Sample
	totalRAM float64
	vramFree float64
	vramOK   bool
}

func (p *fakeProbe) Sample() (sysload.Sample, error) { return p.sample, nil }
func (p *fakeProbe) TotalRAMGB() float64             { return p.totalRAM }
func (p *fakeProbe) VRAMFreeGB() (float64, bool)     { return p.vramFree, p.vramOK }

// fakeClock steps time deterministically so LRU ordering in tests does not
// depend on wall-clock resolution.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	m       *Manager
	clk     *fakeClock
	clients map[string]*fakeClient
	factory atomic.Int32
	probe   *fakeProbe
	rec     *telemetry.Recorder
}

func newTestEnv(t *testing.T, cfg Config, models []types.ModelDescriptor) *testEnv {
	t.Helper()
	reg, err := registry.New(models)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	env := &testEnv{
		clk:     newFakeClock(),
		clients: make(map[string]*fakeClient),
		probe:   &fakeProbe{totalRAM: 64, vramFree: 24, vramOK: true},
		rec:     telemetry.NewRecorder(10),
	}
	var mu sync.Mutex
	factory := func(modelID string) (backend.Client, error) {
		env.factory.Add(1)
		mu.Lock()
		defer mu.Unlock()
		if c, ok := env.clients[modelID]; ok {
			return c, nil
		}
		c := &fakeClient{model: modelID, healthy: true, genOut: "out"}
		env.clients[modelID] = c
		return c, nil
	}
	if cfg.ReapInterval == 0 {
		cfg.ReapInterval = time.Hour // keep the background reaper quiet
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 1
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	tn := tuner.New(tuner.ProfileBalanced, 80, 70, nil)
	env.m = New(cfg, reg, env.probe, factory, tn, env.rec, zerolog.Nop())
	env.m.now = env.clk.Now
	t.Cleanup(env.m.Close)
	return env
}

func inferenceModels(ids ...string) []types.ModelDescriptor {
	out := make([]types.ModelDescriptor, 0, len(ids))
	for _, id := range ids {
		out = append(out, types.ModelDescriptor{ID: id, Kind: types.KindInference})
	}
	return out
}

func residentIDs(m *Manager) []string {
	st := m.Status()
	ids := make([]string, 0, len(st.Resident))
	for _, r := range st.Resident {
		ids = append(ids, r.ModelID)
	}
	sort.Strings(ids)
	return ids
}

func TestAcquireLoadsOnceAndCaches(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrentModels: 2}, inferenceModels("a"))
	ctx := context.Background()

	c1, err := env.m.Acquire(ctx, "a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	c2, err := env.m.Acquire(ctx, "a")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if c1 != c2 {
		t.Fatalf("resident model should return the same client")
	}
	if n := env.factory.Load(); n != 1 {
		t.Fatalf("factory calls: %d", n)
	}
}

func TestAcquireUnknownModel(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrentModels: 2}, inferenceModels("a"))
	_, err := env.m.Acquire(context.Background(), "ghost")
	if !IsModelNotFound(err) {
		t.Fatalf("want model-not-found, got %v", err)
	}
	if env.factory.Load() != 0 {
		t.Fatalf("factory should not run for unknown models")
	}
}

func TestLRUEvictionAtCapacity(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrentModels: 2}, inferenceModels("a", "b", "c"))
	ctx := context.Background()

	if _, err := env.m.Acquire(ctx, "a"); err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	env.clk.Advance(time.Second)
	if _, err := env.m.Acquire(ctx, "b"); err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	env.clk.Advance(time.Second)
	if _, err := env.m.Acquire(ctx, "c"); err != nil {
		t.Fatalf("acquire c: %v", err)
	}

	got := residentIDs(env.m)
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("resident after eviction: %v", got)
	}
	if !env.clients["a"].closed.Load() {
		t.Fatalf("evicted client was not closed")
	}
	if st := env.m.Status(); st.EvictionsTotal != 1 || st.LoadsTotal != 3 {
		t.Fatalf("counters: %+v", st)
	}
}

func TestReleaseRefreshesLRUOrder(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrentModels: 2}, inferenceModels("a", "b", "c"))
	ctx := context.Background()

	env.m.Acquire(ctx, "a")
	env.clk.Advance(time.Second)
	env.m.Acquire(ctx, "b")
	env.clk.Advance(time.Second)
	env.m.Release("a") // a is now the most recently used

	env.clk.Advance(time.Second)
	if _, err := env.m.Acquire(ctx, "c"); err != nil {
		t.Fatalf("acquire c: %v", err)
	}
	got := residentIDs(env.m)
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Fatalf("b should have been evicted, resident: %v", got)
	}
}

func TestEvictionTieBreaksOnSmallerID(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrentModels: 2}, inferenceModels("a", "b", "c"))
	ctx := context.Background()

	// Frozen clock: a and b get identical lastUsed stamps.
	env.m.Acquire(ctx, "b")
	env.m.Acquire(ctx, "a")
	env.clk.Advance(time.Second)
	env.m.Acquire(ctx, "c")

	got := residentIDs(env.m)
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("tie should evict lexicographically smaller id, resident: %v", got)
	}
}

func TestLoadFailureLeavesNoResidency(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrentModels: 2}, inferenceModels("a"))
	env.clients["a"] = &fakeClient{model: "a", healthy: false}

	_, err := env.m.Acquire(context.Background(), "a")
	if !IsLoad(err) {
		t.Fatalf("want load error, got %v", err)
	}
	if got := residentIDs(env.m); len(got) != 0 {
		t.Fatalf("failed load left residency: %v", got)
	}
	if st := env.m.Status(); st.LoadsTotal != 0 {
		t.Fatalf("loads counted on failure: %d", st.LoadsTotal)
	}
}

func TestFactoryErrorIsLoadError(t *testing.T) {
	reg, _ := registry.New(inferenceModels("a"))
	boom := errors.New("no such binary")
	m := New(Config{MaxConcurrentModels: 1, ReapInterval: time.Hour},
		reg, &fakeProbe{}, func(string) (backend.Client, error) { return nil, boom },
		tuner.New(tuner.ProfileBalanced, 80, 70, nil), telemetry.NewRecorder(10), zerolog.Nop())
	defer m.Close()

	_, err := m.Acquire(context.Background(), "a")
	if !IsLoad(err) || !errors.Is(err, boom) {
		t.Fatalf("want load error wrapping cause, got %v", err)
	}
}

func TestCapacityErrorWhenEvictionCloseFails(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrentModels: 1}, inferenceModels("a", "b"))
	env.clients["a"] = &fakeClient{model: "a", healthy: true, closeErr: errors.New("device busy")}
	ctx := context.Background()

	if _, err := env.m.Acquire(ctx, "a"); err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	env.clk.Advance(time.Second)
	_, err := env.m.Acquire(ctx, "b")
	if !IsCapacity(err) {
		t.Fatalf("want capacity error, got %v", err)
	}
	// The victim stays resident; the pool never exceeds its cap.
	if got := residentIDs(env.m); len(got) != 1 || got[0] != "a" {
		t.Fatalf("resident after failed eviction: %v", got)
	}
}

func TestConcurrentAcquireSameModelLoadsOnce(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrentModels: 2}, inferenceModels("a"))
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.m.Acquire(ctx, "a")
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if n := env.factory.Load(); n != 1 {
		t.Fatalf("model loaded %d times", n)
	}
}

func TestConcurrentAcquireDifferentModelsKeepsCapacity(t *testing.T) {
	reg, err := registry.New(inferenceModels("a", "b", "c"))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	// Gate the b and c loads so both pass the pre-load room check before
	// either inserts.
	gate := make(chan struct{})
	loading := make(chan string, 2)
	factory := func(modelID string) (backend.Client, error) {
		if modelID != "a" {
			loading <- modelID
			<-gate
		}
		return &fakeClient{model: modelID, healthy: true}, nil
	}
	m := New(Config{MaxConcurrentModels: 2, ReapInterval: time.Hour, MaxRetries: 1, RetryDelay: time.Millisecond},
		reg, &fakeProbe{}, factory, tuner.New(tuner.ProfileBalanced, 80, 70, nil),
		telemetry.NewRecorder(10), zerolog.Nop())
	defer m.Close()

	ctx := context.Background()
	if _, err := m.Acquire(ctx, "a"); err != nil {
		t.Fatalf("acquire a: %v", err)
	}

	errs := make(chan error, 2)
	for _, id := range []string{"b", "c"} {
		go func(id string) {
			_, err := m.Acquire(ctx, id)
			errs <- err
		}(id)
	}
	<-loading
	<-loading
	close(gate)
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent acquire: %v", err)
		}
	}

	if got := residentIDs(m); len(got) > 2 {
		t.Fatalf("capacity exceeded: %d resident models %v", len(got), got)
	}
}

func TestUnload(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrentModels: 2}, inferenceModels("a"))
	ctx := context.Background()

	env.m.Acquire(ctx, "a")
	if err := env.m.Unload("a"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if got := residentIDs(env.m); len(got) != 0 {
		t.Fatalf("resident after unload: %v", got)
	}
	if !env.clients["a"].closed.Load() {
		t.Fatalf("unloaded client was not closed")
	}
	if err := env.m.Unload("a"); !IsModelNotFound(err) {
		t.Fatalf("second unload: %v", err)
	}
}

func TestSelectBest(t *testing.T) {
	code := types.TaskType("code_completion")
	models := []types.ModelDescriptor{
		{ID: "huge", Kind: types.KindInference, RAMRequiredGB: 128, BestFor: []types.TaskType{code}},
		{ID: "mid", Kind: types.KindInference, RAMRequiredGB: 16, BestFor: []types.TaskType{code}},
		{ID: "small", Kind: types.KindInference, RAMRequiredGB: 4, BestFor: []types.TaskType{code}},
		{ID: "gpu", Kind: types.KindInference, RAMRequiredGB: 2, VRAMRequiredGB: 48, BestFor: []types.TaskType{code}},
		{ID: "fallback", Kind: types.KindInference},
	}
	env := newTestEnv(t, Config{MaxConcurrentModels: 2, DefaultModel: "fallback"}, models)
	env.probe.totalRAM = 32
	env.probe.vramFree = 8
	env.probe.vramOK = true

	// gpu is cheapest by RAM but needs more VRAM than is free; huge exceeds
	// total RAM; small wins.
	if got := env.m.SelectBest(code); got != "small" {
		t.Fatalf("selected %q", got)
	}

	env.probe.vramOK = false
	if got := env.m.SelectBest(code); got != "small" {
		t.Fatalf("selected %q with unknown VRAM", got)
	}

	if got := env.m.SelectBest("poetry"); got != "fallback" {
		t.Fatalf("no candidate should fall back to default, got %q", got)
	}
}

func TestStatusSnapshot(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrentModels: 3}, inferenceModels("a", "b"))
	ctx := context.Background()

	env.m.Acquire(ctx, "a")
	env.clk.Advance(2 * time.Second)
	env.m.Acquire(ctx, "b")

	st := env.m.Status()
	if st.MaxConcurrentModels != 3 || st.Profile != "balanced" {
		t.Fatalf("status: %+v", st)
	}
	if len(st.Resident) != 2 {
		t.Fatalf("resident: %+v", st.Resident)
	}
	byID := map[string]int64{}
	for _, r := range st.Resident {
		byID[r.ModelID] = r.LastUsed
	}
	if byID["b"]-byID["a"] != 2 {
		t.Fatalf("last-used stamps: %+v", byID)
	}
}

func TestReadyWithoutDefaultModel(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrentModels: 1}, inferenceModels("a"))
	if !env.m.Ready(context.Background()) {
		t.Fatalf("no default model should degrade to process-up readiness")
	}
}

func TestReadyChecksDefaultModel(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrentModels: 1, DefaultModel: "a"}, inferenceModels("a"))
	env.clients["a"] = &fakeClient{model: "a", healthy: true}
	if !env.m.Ready(context.Background()) {
		t.Fatalf("healthy default model should be ready")
	}
	env.clients["a"].healthy = false
	if env.m.Ready(context.Background()) {
		t.Fatalf("unhealthy default model should not be ready")
	}
}

var _ io.Closer = (*fakeClient)(nil)
