package types

// ModelKind distinguishes text-generation models from embedding models.
type ModelKind string

const (
	KindInference ModelKind = "inference"
	KindEmbedding ModelKind = "embedding"
)

// TaskType is a coarse workload label used for automatic model selection
// (e.g. code_completion, summarization, embedding).
type TaskType string

// ModelDescriptor describes a known backend model and its resource needs.
// Descriptors are loaded once at startup and never mutated afterwards.
type ModelDescriptor struct {
	// Stable identifier, also the backend-facing model name.
	// example: deepseek-r1:8b
	ID string `json:"id" yaml:"id" toml:"id" example:"deepseek-r1:8b"`
	// Human-friendly name.
	// example: DeepSeek R1 8B
	Name string `json:"name,omitempty" yaml:"name" toml:"name" example:"DeepSeek R1 8B"`
	// Kind of workload the model serves: inference or embedding.
	// example: inference
	Kind ModelKind `json:"kind" yaml:"kind" toml:"kind" example:"inference"`
	// Approximate system RAM needed to run the model, in GB.
	// example: 8
	RAMRequiredGB float64 `json:"ram_required_gb" yaml:"ram_required_gb" toml:"ram_required_gb" example:"8"`
	// Approximate GPU memory needed, in GB. Zero means CPU-only is fine.
	// example: 6
	VRAMRequiredGB float64 `json:"vram_required_gb" yaml:"vram_required_gb" toml:"vram_required_gb" example:"6"`
	// Task types this model is well suited for.
	// example: ["code_completion","code_review"]
	BestFor []TaskType `json:"best_for,omitempty" yaml:"best_for" toml:"best_for"`
}

// SuitedFor reports whether the descriptor lists task among its strengths.
func (d ModelDescriptor) SuitedFor(task TaskType) bool {
	for _, t := range d.BestFor {
		if t == task {
			return true
		}
	}
	return false
}
