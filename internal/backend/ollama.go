package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ollamaClient speaks the Ollama HTTP/JSON API:
//
//	GET  {base}/api/tags        model listing
//	POST {base}/api/generate    completion, optionally NDJSON-streamed
//	POST {base}/api/embeddings  one embedding per call
type ollamaClient struct {
	model      string
	baseURL    string
	http       *http.Client
	maxRetries int
	retryDelay time.Duration
	reqTimeout time.Duration
	log        zerolog.Logger
}

func newOllamaClient(model string, opts Options) *ollamaClient {
	return &ollamaClient{
		model:      model,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		http:       opts.HTTPClient,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		reqTimeout: opts.RequestTimeout,
		log:        opts.Logger.With().Str("backend", "ollama").Str("model", model).Logger(),
	}
}

type generateBody struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	Stream      bool    `json:"stream"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	System      string  `json:"system,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

type embeddingsBody struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingsResponse struct {
	Embedding []float32 `json:"embedding"`
}

// post issues one JSON POST and classifies failures. The response body is
// returned open; callers own closing it.
func (c *ollamaClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, ErrAPI(0, "encode request: "+err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, ErrAPI(0, "build request: "+err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, ErrAPI(resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return resp, nil
}

func (c *ollamaClient) Generate(ctx context.Context, prompt string, p Params) (string, error) {
	body := generateBody{
		Model:       c.model,
		Prompt:      prompt,
		Stream:      false,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
		System:      p.System,
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = c.reqTimeout
	}

	var out string
	err := RetryTransient(ctx, c.retryDelay, c.maxRetries, func() error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		resp, err := c.post(callCtx, "/api/generate", body)
		if err != nil {
			c.log.Debug().Err(err).Msg("generate attempt failed")
			return err
		}
		defer resp.Body.Close()
		var gr generateResponse
		if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
			return ErrAPI(0, "decode response: "+err.Error())
		}
		out = gr.Response
		return nil
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

func (c *ollamaClient) GenerateStream(ctx context.Context, prompt string, p Params) (TokenStream, error) {
	body := generateBody{
		Model:       c.model,
		Prompt:      prompt,
		Stream:      true,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
		System:      p.System,
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = c.reqTimeout
	}

	// Retry covers stream establishment only; once tokens flow, a failure
	// surfaces as the stream's terminal error. The tuned timeout bounds
	// establishment, not the whole stream: a generation may legitimately
	// keep producing tokens long past it.
	var stream *ollamaStream
	err := RetryTransient(ctx, c.retryDelay, c.maxRetries, func() error {
		callCtx, cancel := context.WithCancel(ctx)
		timer := time.AfterFunc(timeout, cancel)
		resp, err := c.post(callCtx, "/api/generate", body)
		established := timer.Stop()
		if err != nil {
			cancel()
			c.log.Debug().Err(err).Msg("stream attempt failed")
			if !established {
				return ErrTimeout(err)
			}
			return err
		}
		if !established {
			resp.Body.Close()
			cancel()
			return ErrTimeout(context.DeadlineExceeded)
		}
		stream = &ollamaStream{body: resp.Body, sc: bufio.NewScanner(resp.Body), cancel: cancel}
		stream.sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// ollamaStream iterates newline-delimited JSON token fragments.
type ollamaStream struct {
	body   io.ReadCloser
	sc     *bufio.Scanner
	cancel context.CancelFunc
	done   bool
}

func (s *ollamaStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for s.sc.Scan() {
		line := bytes.TrimSpace(s.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var gr generateResponse
		if err := json.Unmarshal(line, &gr); err != nil {
			s.close()
			return "", ErrAPI(0, "malformed stream line: "+err.Error())
		}
		if gr.Done {
			s.close()
			if gr.Response == "" {
				return "", io.EOF
			}
			return gr.Response, nil
		}
		return gr.Response, nil
	}
	if err := s.sc.Err(); err != nil {
		s.close()
		return "", classifyTransport(err)
	}
	s.close()
	return "", io.EOF
}

func (s *ollamaStream) close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.body.Close()
	s.done = true
}

// Close stops local iteration and drops the connection. The remote side may
// keep generating; there is no cancellation protocol beyond the disconnect.
func (s *ollamaStream) Close() error {
	s.close()
	return nil
}

func (c *ollamaClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		body := embeddingsBody{Model: c.model, Prompt: text}
		var vec []float32
		err := RetryTransient(ctx, c.retryDelay, c.maxRetries, func() error {
			callCtx, cancel := context.WithTimeout(ctx, c.reqTimeout)
			defer cancel()
			resp, err := c.post(callCtx, "/api/embeddings", body)
			if err != nil {
				c.log.Debug().Err(err).Msg("embed attempt failed")
				return err
			}
			defer resp.Body.Close()
			var er embeddingsResponse
			if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
				return ErrAPI(0, "decode response: "+err.Error())
			}
			vec = er.Embedding
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", len(out), err)
		}
		out = append(out, vec)
	}
	return out, nil
}

// HealthCheck verifies reachability and that this client's model is present
// in the backend's listing. Tags match on the base name before any ":" tag,
// so "deepseek-r1" matches "deepseek-r1:8b".
func (c *ollamaClient) HealthCheck(ctx context.Context) bool {
	callCtx, cancel := context.WithTimeout(ctx, c.reqTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return false
	}
	want := baseName(c.model)
	for _, m := range tags.Models {
		if baseName(m.Name) == want {
			return true
		}
	}
	return false
}

func baseName(model string) string {
	if i := strings.IndexByte(model, ':'); i >= 0 {
		return model[:i]
	}
	return model
}
