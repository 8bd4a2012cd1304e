package types

// GenerateRequest represents a text-generation request payload.
type GenerateRequest struct {
	// Model identifier. If empty, the server selects a model from TaskType
	// or falls back to the configured default.
	// example: deepseek-r1:8b
	Model string `json:"model,omitempty" example:"deepseek-r1:8b"`
	// Optional task type used for automatic model selection when Model is empty.
	// example: code_completion
	TaskType string `json:"task_type,omitempty" example:"code_completion"`
	// Required prompt text.
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt" example:"Write a haiku about the ocean."`
	// Optional system message prepended by the backend.
	System string `json:"system,omitempty"`
	// If true, stream tokens as NDJSON instead of a single JSON response.
	// example: true
	Stream bool `json:"stream,omitempty" example:"true"`
	// Sampling temperature override. Nil means "use tuned default".
	// example: 0.7
	Temperature *float64 `json:"temperature,omitempty" example:"0.7"`
	// Maximum number of new tokens to generate.
	// example: 256
	MaxTokens *int `json:"max_tokens,omitempty" example:"256"`
	// Per-request timeout override in seconds.
	// example: 45
	TimeoutSeconds *float64 `json:"timeout_seconds,omitempty" example:"45"`
}

// GenerateResponse is the non-streaming generation result.
type GenerateResponse struct {
	// Model that served the request.
	// example: deepseek-r1:8b
	Model string `json:"model" example:"deepseek-r1:8b"`
	// Generated text.
	Response string `json:"response"`
}

// StreamChunk is one NDJSON line of a streaming generation response.
type StreamChunk struct {
	// Token fragment. Empty on the terminal line.
	Response string `json:"response,omitempty"`
	// True on the final line of a successful stream.
	Done bool `json:"done,omitempty"`
	// Set instead of further tokens when the stream fails mid-flight.
	Error string `json:"error,omitempty"`
}

// EmbeddingsRequest represents an embedding request payload.
type EmbeddingsRequest struct {
	// Embedding model identifier. If empty, the configured default embedding
	// model is used.
	// example: bge-m3
	Model string `json:"model,omitempty" example:"bge-m3"`
	// Input texts to embed, one vector is returned per text.
	Texts []string `json:"texts"`
}

// EmbeddingsResponse carries one vector per input text, in input order.
type EmbeddingsResponse struct {
	// Model that served the request.
	// example: bge-m3
	Model string `json:"model" example:"bge-m3"`
	// Embedding vectors.
	Embeddings [][]float32 `json:"embeddings"`
}

// ResidentModelStatus summarizes one resident model for GET /status.
type ResidentModelStatus struct {
	// ID of the resident model.
	// example: deepseek-r1:8b
	ModelID string `json:"model_id" example:"deepseek-r1:8b"`
	// Last time the model served a request (unix seconds).
	// example: 1700000000
	LastUsed int64 `json:"last_used_unix" example:"1700000000"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Currently resident models.
	Resident []ResidentModelStatus `json:"resident"`
	// Hard cap on concurrently resident models.
	// example: 2
	MaxConcurrentModels int `json:"max_concurrent_models" example:"2"`
	// Active performance profile.
	// example: balanced
	Profile string `json:"profile" example:"balanced"`
	// Total LRU/idle evictions since start.
	// example: 5
	EvictionsTotal uint64 `json:"evictions_total" example:"5"`
	// Total successful model loads since start.
	// example: 12
	LoadsTotal uint64 `json:"loads_total" example:"12"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}

// StatsResponse is returned by GET /stats with aggregates over the most
// recent requests (bounded window, not cumulative history).
type StatsResponse struct {
	// Mean latency of successful requests in milliseconds.
	// example: 412.5
	AvgLatencyMs float64 `json:"avg_latency_ms" example:"412.5"`
	// Share of successful requests, in percent. 100 when the window is empty.
	// example: 97.0
	SuccessRatePercent float64 `json:"success_rate_percent" example:"97"`
	// Number of requests in the window.
	// example: 100
	TotalRequests int `json:"total_requests" example:"100"`
}

// ProfileRequest sets the process-wide performance profile.
type ProfileRequest struct {
	// One of: speed, balanced, quality.
	// example: speed
	Profile string `json:"profile" example:"speed"`
}

// ModelsResponse wraps the list of known models returned by GET /models.
type ModelsResponse struct {
	// Catalog of configured models.
	Models []ModelDescriptor `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: model not found: llama9
	Error string `json:"error" example:"model not found: llama9"`
	// HTTP status code.
	// example: 404
	Code int `json:"code" example:"404"`
}
