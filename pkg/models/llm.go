package models

// ModelType identifies which class of backend served an LLM task.
type ModelType string

// Backend classes. The four local classes map to distinct models behind the
// local runtime; the cloud class is the single hosted provider.
const (
	ModelLocalDeepReasoning ModelType = "local/deep_reasoning"
	ModelLocalCodeAnalysis  ModelType = "local/code_analysis"
	ModelLocalFastTriage    ModelType = "local/fast_triage"
	ModelLocalEmbeddings    ModelType = "local/embeddings"
	ModelCloudFinal         ModelType = "cloud/final_reasoning"
)

// LLMTask is one typed generation request. TaskType is matched against the
// router's ordered rule table to pick a backend.
type LLMTask struct {
	TaskType     string  `json:"task_type"`
	Prompt       string  `json:"prompt"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
}

// LLMResponse is a completed generation.
type LLMResponse struct {
	Text       string    `json:"response"`
	ModelUsed  string    `json:"model_used"`
	ModelType  ModelType `json:"model_type"`
	TokensUsed int       `json:"tokens_used,omitempty"`
}
