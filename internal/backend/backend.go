// Package backend talks to the external inference process over HTTP. It
// knows nothing about residency or eviction; it executes single calls
// against a named model and classifies transport failures.
package backend

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Params are the effective generation parameters for one call, after tuning.
type Params struct {
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	System      string
}

// TokenStream is a finite, non-restartable sequence of token fragments.
// Recv returns io.EOF on normal completion and a typed error when the stream
// fails mid-flight; callers must treat the two distinctly. Closing the stream
// stops local iteration and tears down the connection, but does not guarantee
// the remote generation halts.
type TokenStream interface {
	Recv() (string, error)
	Close() error
}

// Client is the capability surface of one backend protocol bound to a model.
type Client interface {
	Generate(ctx context.Context, prompt string, p Params) (string, error)
	GenerateStream(ctx context.Context, prompt string, p Params) (TokenStream, error)
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// HealthCheck verifies the backend is reachable and that this client's
	// model appears in the backend's model listing.
	HealthCheck(ctx context.Context) bool
}

// Kind selects a backend wire protocol. New kinds register a constructor in
// the table below; there is no dynamic dispatch beyond it.
type Kind string

const KindOllama Kind = "ollama"

// Options configures a client independent of the protocol.
type Options struct {
	BaseURL    string
	MaxRetries int
	RetryDelay time.Duration
	// RequestTimeout bounds calls that carry no tuned timeout (embeddings,
	// health checks). Defaults to 30s.
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	Logger         zerolog.Logger
}

var constructors = map[Kind]func(model string, opts Options) Client{
	KindOllama: func(model string, opts Options) Client { return newOllamaClient(model, opts) },
}

// New builds a client of the given kind bound to model.
func New(kind Kind, model string, opts Options) (Client, error) {
	ctor, ok := constructors[kind]
	if !ok {
		return nil, fmt.Errorf("unsupported backend kind: %q", kind)
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return ctor(model, opts), nil
}
