package manager

import (
	"context"
	"io"
	"time"

	"modelgate/internal/backend"
	"modelgate/internal/sysload"
	"modelgate/internal/telemetry"
	"modelgate/internal/tuner"
	"modelgate/pkg/types"
)

// GenerateInput carries one generation request through the dispatch path.
type GenerateInput struct {
	// Model to use. Empty means select by TaskType, or fall back to the
	// configured default.
	Model    string
	TaskType types.TaskType
	Prompt   string
	System   string
	// Caller parameter overrides; set fields win over tuning.
	Overrides tuner.Overrides
}

// resolveModel picks the model id for a request: explicit id, else
// auto-selection by task type, else the configured default.
func (m *Manager) resolveModel(in GenerateInput) (string, error) {
	if in.Model != "" {
		return in.Model, nil
	}
	if in.TaskType != "" {
		if id := m.SelectBest(in.TaskType); id != "" {
			return id, nil
		}
	}
	if m.defaultModel != "" {
		return m.defaultModel, nil
	}
	return "", ErrModelNotFound("(no model given and no default configured)")
}

// tuneFor samples system load and composes effective parameters. A probe
// failure tunes against zero load rather than failing the request.
func (m *Manager) tuneFor(modelID string, ov tuner.Overrides, system string) backend.Params {
	sample, err := m.probe.Sample()
	if err != nil {
		m.log.Debug().Err(err).Msg("load probe failed, tuning against zero load")
		sample = sysload.Sample{}
	}
	p := m.tuner.Tune(modelID, ov, sample)
	p.System = system
	return p
}

// Generate runs a non-streaming generation: ensure residency, tune
// parameters, execute with retry, record the outcome. Returns the model id
// that served the request along with the text.
func (m *Manager) Generate(ctx context.Context, in GenerateInput) (string, string, error) {
	modelID, err := m.resolveModel(in)
	if err != nil {
		return "", "", err
	}
	h, err := m.acquire(ctx, modelID)
	if err != nil {
		return modelID, "", err
	}
	params := m.tuneFor(modelID, in.Overrides, in.System)

	start := time.Now()
	h.mu.Lock()
	text, err := h.client.Generate(ctx, in.Prompt, params)
	h.mu.Unlock()
	execMs := float64(time.Since(start)) / float64(time.Millisecond)

	if err != nil {
		m.recorder.Record(len(in.Prompt), 0, execMs, false, telemetry.KindGeneration)
		return modelID, "", err
	}
	m.Release(modelID)
	m.recorder.Record(len(in.Prompt), len(text), execMs, true, telemetry.KindGeneration)
	return modelID, text, nil
}

// GenerateStream opens a streaming generation. The per-model lock is held
// only while the stream is established; token-by-token consumption holds no
// lock. The returned stream records telemetry when it completes or fails.
func (m *Manager) GenerateStream(ctx context.Context, in GenerateInput) (string, backend.TokenStream, error) {
	modelID, err := m.resolveModel(in)
	if err != nil {
		return "", nil, err
	}
	h, err := m.acquire(ctx, modelID)
	if err != nil {
		return modelID, nil, err
	}
	params := m.tuneFor(modelID, in.Overrides, in.System)

	start := time.Now()
	h.mu.Lock()
	stream, err := h.client.GenerateStream(ctx, in.Prompt, params)
	h.mu.Unlock()
	if err != nil {
		execMs := float64(time.Since(start)) / float64(time.Millisecond)
		m.recorder.Record(len(in.Prompt), 0, execMs, false, telemetry.KindGeneration)
		return modelID, nil, err
	}
	return modelID, &recordedStream{
		inner:     stream,
		m:         m,
		modelID:   modelID,
		promptLen: len(in.Prompt),
		start:     start,
	}, nil
}

// recordedStream wraps a backend stream to update last-used and telemetry on
// terminal events. A caller that abandons the stream via Close produces no
// record; the original system only measured completed or failed streams.
type recordedStream struct {
	inner     backend.TokenStream
	m         *Manager
	modelID   string
	promptLen int
	start     time.Time
	respLen   int
	recorded  bool
}

func (s *recordedStream) Recv() (string, error) {
	tok, err := s.inner.Recv()
	if err == nil {
		s.respLen += len(tok)
		return tok, nil
	}
	if !s.recorded {
		s.recorded = true
		execMs := float64(time.Since(s.start)) / float64(time.Millisecond)
		if err == io.EOF {
			s.m.Release(s.modelID)
			s.m.recorder.Record(s.promptLen, s.respLen, execMs, true, telemetry.KindGeneration)
		} else {
			s.m.recorder.Record(s.promptLen, s.respLen, execMs, false, telemetry.KindGeneration)
		}
	}
	return "", err
}

func (s *recordedStream) Close() error { return s.inner.Close() }

// Embed generates one vector per text against the embedding model, using
// the configured default embedding model when none is named.
func (m *Manager) Embed(ctx context.Context, modelID string, texts []string) (string, [][]float32, error) {
	if modelID == "" {
		modelID = m.defaultEmbedModel
	}
	if modelID == "" {
		return "", nil, ErrModelNotFound("(no embedding model given and no default configured)")
	}
	h, err := m.acquire(ctx, modelID)
	if err != nil {
		return modelID, nil, err
	}

	promptLen := 0
	for _, t := range texts {
		promptLen += len(t)
	}
	start := time.Now()
	h.mu.Lock()
	vecs, err := h.client.Embed(ctx, texts)
	h.mu.Unlock()
	execMs := float64(time.Since(start)) / float64(time.Millisecond)

	if err != nil {
		m.recorder.Record(promptLen, 0, execMs, false, telemetry.KindEmbedding)
		return modelID, nil, err
	}
	m.Release(modelID)
	m.recorder.Record(promptLen, len(vecs), execMs, true, telemetry.KindEmbedding)
	return modelID, vecs, nil
}
